package records

import (
	"context"
	"sync"
	"time"

	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/rating"
)

// MemoryStore is an in-memory Store used when no database is configured and in tests.
type MemoryStore struct {
	mu sync.RWMutex

	games map[string]*CompletedGame
	order []string
	users map[string]*User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games: make(map[string]*CompletedGame),
		users: make(map[string]*User),
	}
}

// PutUser registers or replaces a user.
func (m *MemoryStore) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := u
	cp.Ratings = copyRatings(u.Ratings)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.users[u.ID] = &cp
}

func (m *MemoryStore) SaveCompletedGame(ctx context.Context, g *CompletedGame) error {
	if g == nil {
		return ErrDuplicateGame
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.games[g.ID]; exists {
		return ErrDuplicateGame
	}
	cp := *g
	cp.MovesUCI = append([]string(nil), g.MovesUCI...)
	cp.MovesSAN = append([]string(nil), g.MovesSAN...)
	m.games[g.ID] = &cp
	m.order = append(m.order, g.ID)
	return nil
}

func (m *MemoryStore) UpdateUserRatings(ctx context.Context, category domain.Category, updates []RatingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, up := range updates {
		if up.UserID == "" {
			return ErrUserNotFound
		}
		u, ok := m.users[up.UserID]
		if !ok {
			u = &User{ID: up.UserID, CreatedAt: time.Now()}
			m.users[up.UserID] = u
		}
		if up.Name != "" {
			u.Name = up.Name
		}
		if u.Ratings == nil {
			u.Ratings = make(map[domain.Category]rating.Rating)
		}
		u.Ratings[category] = up.Rating
	}
	return nil
}

func (m *MemoryStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	cp.Ratings = copyRatings(u.Ratings)
	return &cp, nil
}

// Games returns copies of the saved games in insertion order.
func (m *MemoryStore) Games() []CompletedGame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CompletedGame, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.games[id])
	}
	return out
}

func (m *MemoryStore) Close() error { return nil }

func copyRatings(in map[domain.Category]rating.Rating) map[domain.Category]rating.Rating {
	out := make(map[domain.Category]rating.Rating, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
