package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultLobbyTTL = 24 * time.Hour
	maxTxRetries    = 16
)

// Store holds one Lobby document per id.
type Store interface {
	Get(ctx context.Context, id string) (*Lobby, error)
	// Create fails with ErrExists when the id is taken.
	Create(ctx context.Context, l *Lobby) error
	// Set overwrites an existing lobby; ErrNotFound when absent.
	Set(ctx context.Context, l *Lobby) error
	// SetGame replaces the lobby's current game. With requireExisting the stored game
	// must have the same id, otherwise ErrStale.
	SetGame(ctx context.Context, lobbyID string, g *Game, requireExisting bool) (*Game, error)
	// Update runs fn against the latest document and commits only if nothing else wrote
	// the key in between, retrying otherwise. An error from fn aborts without writing.
	Update(ctx context.Context, id string, fn func(l *Lobby) error) (*Lobby, error)
}

type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultLobbyTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// NewRedisClient parses redisURL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func lobbyKey(id string) string { return "lobby:" + strings.TrimSpace(id) }

func (s *RedisStore) Get(ctx context.Context, id string) (*Lobby, error) {
	raw, err := s.rdb.Get(ctx, lobbyKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeLobby(raw)
}

func (s *RedisStore) Create(ctx context.Context, l *Lobby) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, lobbyKey(l.ID), raw, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Set(ctx context.Context, l *Lobby) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetXX(ctx, lobbyKey(l.ID), raw, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) SetGame(ctx context.Context, lobbyID string, g *Game, requireExisting bool) (*Game, error) {
	l, err := s.Update(ctx, lobbyID, func(l *Lobby) error {
		if requireExisting && (l.CurrentGame == nil || g == nil || l.CurrentGame.ID != g.ID) {
			return ErrStale
		}
		l.CurrentGame = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l.CurrentGame, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(l *Lobby) error) (*Lobby, error) {
	key := lobbyKey(id)
	var out *Lobby
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeLobby(raw)
		if err != nil {
			return err
		}
		if err := fn(cur); err != nil {
			return err
		}
		next, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out = cur
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update lobby %s: %w", id, redis.TxFailedErr)
}

func decodeLobby(raw []byte) (*Lobby, error) {
	var l Lobby
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode lobby: %w", err)
	}
	return &l, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if !strings.Contains(raw, "://") {
		return &redis.Options{Addr: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "rediss" {
		return redis.ParseURL(raw)
	}
	opts := &redis.Options{Addr: u.Host}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", db)
		}
		opts.DB = n
	}
	return opts, nil
}
