// Package identity resolves a connecting client to a stable principal: a registered user
// (signed token or remote session lookup) or an ephemeral guest.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/obslog"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// GuestTokenTTL bounds how long a guest can reclaim its seat.
const GuestTokenTTL = 24 * time.Hour

// Credentials are what a client presents when it connects.
type Credentials struct {
	Token string
	// GuestToken is the seat token handed out with a guest identity.
	GuestToken string
	GuestName  string
}

// Resolver turns credentials into an identity.
type Resolver interface {
	Resolve(ctx context.Context, cred Credentials) (domain.Identity, error)
}

// SessionLookup resolves an opaque session token against a remote service.
type SessionLookup interface {
	Lookup(ctx context.Context, token string) (domain.Identity, error)
}

// Provider tries a signed token first, then the remote session service, then falls back
// to a guest identity when guests are allowed.
type Provider struct {
	tokens      *TokenVerifier
	guests      *TokenVerifier
	sessions    SessionLookup
	allowGuests bool
	logger      *zap.Logger
}

type Option func(*Provider)

func WithTokenVerifier(v *TokenVerifier) Option { return func(p *Provider) { p.tokens = v } }

// WithGuestTokens sets the signer for guest seat tokens. Instances that share lobbies
// must share its secret.
func WithGuestTokens(v *TokenVerifier) Option { return func(p *Provider) { p.guests = v } }

func WithSessionLookup(s SessionLookup) Option { return func(p *Provider) { p.sessions = s } }

func WithGuests(allow bool) Option { return func(p *Provider) { p.allowGuests = allow } }

func WithLogger(l *zap.Logger) Option { return func(p *Provider) { p.logger = l } }

func NewProvider(opts ...Option) *Provider {
	p := &Provider{allowGuests: true}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = obslog.L()
	}
	if p.guests == nil && p.allowGuests {
		p.guests = ephemeralGuestTokens()
	}
	return p
}

// ephemeralGuestTokens signs with a random per-process secret; seat tokens then do
// not survive a restart.
func ephemeralGuestTokens() *TokenVerifier {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("identity: read random secret: %v", err))
	}
	v, _ := NewTokenVerifier(hex.EncodeToString(b), "cheese-lobby-guest")
	return v
}

// GuestToken issues the seat token a guest presents to reclaim id.
func (p *Provider) GuestToken(id domain.Identity) (string, error) {
	if !id.Guest || p.guests == nil {
		return "", nil
	}
	return p.guests.IssueGuest(id, GuestTokenTTL)
}

func (p *Provider) Resolve(ctx context.Context, cred Credentials) (domain.Identity, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cred.Token), "Bearer "))
	if token != "" {
		if p.tokens != nil {
			id, err := p.tokens.Verify(token)
			if err == nil {
				return id, nil
			}
			if p.sessions == nil {
				return domain.Identity{}, err
			}
			p.logger.Debug("identity_token_rejected", zap.Error(err))
		}
		if p.sessions != nil {
			id, err := p.sessions.Lookup(ctx, token)
			if err != nil {
				return domain.Identity{}, err
			}
			return id, nil
		}
		if !p.allowGuests {
			return domain.Identity{}, fmt.Errorf("%w: no token verifier configured", ErrUnauthenticated)
		}
	}
	if !p.allowGuests {
		return domain.Identity{}, fmt.Errorf("%w: credentials required", ErrUnauthenticated)
	}
	if seat := strings.TrimSpace(cred.GuestToken); seat != "" {
		id, err := p.guests.VerifyGuest(seat)
		if err != nil {
			return domain.Identity{}, err
		}
		if strings.TrimSpace(cred.GuestName) != "" {
			id.Name = guestName(id.ID, cred.GuestName)
		}
		return id, nil
	}
	return Guest(cred.GuestName), nil
}
