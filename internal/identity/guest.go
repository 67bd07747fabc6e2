package identity

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/park285/cheese-lobby/internal/domain"
)

const guestPrefix = "guest-"

const maxGuestName = 32

// IsGuestID reports whether id was minted for a guest.
func IsGuestID(id string) bool { return strings.HasPrefix(id, guestPrefix) }

// Guest mints a fresh guest identity. A guest reclaims an earlier id only through a
// seat token, never by presenting the id itself.
func Guest(name string) domain.Identity {
	id := guestPrefix + uuid.NewString()
	return domain.Identity{ID: id, Name: guestName(id, name), Guest: true}
}

func guestName(id, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Guest " + strings.TrimPrefix(id, guestPrefix)[:6]
	}
	if utf8.RuneCountInString(name) > maxGuestName {
		name = string([]rune(name)[:maxGuestName])
	}
	return name
}
