// Package records is the durable store for completed games and player ratings.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/rating"
)

var (
	ErrDuplicateGame = errors.New("game record already exists")
	ErrUserNotFound  = errors.New("user not found")
)

// CompletedGame is the durable form of a finished game.
type CompletedGame struct {
	ID          string
	LobbyID     string
	WhiteID     string
	WhiteName   string
	BlackID     string
	BlackName   string
	Outcome     domain.Outcome
	TimeControl domain.TimeControl
	Category    domain.Category
	Rated       bool
	StartFEN    string
	FinalFEN    string
	MovesUCI    []string
	MovesSAN    []string
	PGN         string
	StartedAt   time.Time
	EndedAt     time.Time
}

// User is a registered player with per-category ratings.
type User struct {
	ID        string
	Name      string
	Ratings   map[domain.Category]rating.Rating
	CreatedAt time.Time
}

// RatingFor returns the user's rating in category, or the default.
func (u *User) RatingFor(c domain.Category) rating.Rating {
	if u == nil || u.Ratings == nil {
		return rating.Default()
	}
	if r, ok := u.Ratings[c]; ok {
		return r
	}
	return rating.Default()
}

// RatingUpdate is a new rating for one user in one category. The user row is created
// on first update; a non-empty Name refreshes the stored display name.
type RatingUpdate struct {
	UserID string
	Name   string
	Rating rating.Rating
}

// Store persists completed games and ratings.
type Store interface {
	// SaveCompletedGame inserts a game once; a second save of the same id returns ErrDuplicateGame.
	SaveCompletedGame(ctx context.Context, game *CompletedGame) error
	// UpdateUserRatings upserts each user and its rating in category.
	UpdateUserRatings(ctx context.Context, category domain.Category, updates []RatingUpdate) error
	FindUserByID(ctx context.Context, id string) (*User, error)
	Close() error
}
