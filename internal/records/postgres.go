package records

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/rating"
)

//go:embed schema.sql
var schemaSQL string

type pgStore struct {
	db *sql.DB
}

// NewPostgresStore opens databaseURL with the postgres driver and pings it.
func NewPostgresStore(databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &pgStore{db: db}, nil
}

// Migrate creates the tables used by the postgres store when missing.
func Migrate(ctx context.Context, s Store) error {
	pg, ok := s.(*pgStore)
	if !ok {
		return nil
	}
	if _, err := pg.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *pgStore) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *pgStore) SaveCompletedGame(ctx context.Context, g *CompletedGame) error {
	if g == nil {
		return fmt.Errorf("nil game record")
	}
	movesUCI, err := json.Marshal(nonNil(g.MovesUCI))
	if err != nil {
		return fmt.Errorf("marshal moves_uci: %w", err)
	}
	movesSAN, err := json.Marshal(nonNil(g.MovesSAN))
	if err != nil {
		return fmt.Errorf("marshal moves_san: %w", err)
	}
	duration := g.EndedAt.Sub(g.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	const query = `
		INSERT INTO lobby_games (
			game_id, lobby_id,
			white_id, white_name, black_id, black_name,
			result, result_method,
			time_control, initial_ms, increment_ms, category, rated,
			start_fen, final_fen, moves_uci, moves_san, pgn,
			started_at, ended_at, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::jsonb, $17::jsonb, $18, $19, $20, $21)
		ON CONFLICT (game_id) DO NOTHING
		RETURNING game_id`

	var id sql.NullString
	err = r.db.QueryRowContext(ctx, query,
		g.ID, g.LobbyID,
		g.WhiteID, g.WhiteName, g.BlackID, g.BlackName,
		g.Outcome.Result, g.Outcome.By,
		g.TimeControl.String(), g.TimeControl.InitialMs, g.TimeControl.IncrementMs, string(g.Category), g.Rated,
		g.StartFEN, g.FinalFEN, movesUCI, movesSAN, g.PGN,
		g.StartedAt, g.EndedAt, duration,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !id.Valid) {
		return ErrDuplicateGame
	}
	if err != nil {
		return fmt.Errorf("insert game record: %w", err)
	}
	return nil
}

func (r *pgStore) UpdateUserRatings(ctx context.Context, category domain.Category, updates []RatingUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rating tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const userQuery = `
		INSERT INTO users (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE users.name END`

	const query = `
		INSERT INTO user_ratings (user_id, category, rating, deviation, volatility, games, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id, category) DO UPDATE SET
			rating = EXCLUDED.rating,
			deviation = EXCLUDED.deviation,
			volatility = EXCLUDED.volatility,
			games = EXCLUDED.games,
			updated_at = EXCLUDED.updated_at`

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, userQuery, u.UserID, u.Name); err != nil {
			return fmt.Errorf("upsert user %s: %w", u.UserID, err)
		}
		if _, err := tx.ExecContext(ctx, query,
			u.UserID, string(category),
			u.Rating.Rating, u.Rating.Deviation, u.Rating.Volatility, u.Rating.Games,
		); err != nil {
			return fmt.Errorf("upsert rating %s: %w", u.UserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ratings: %w", err)
	}
	return nil
}

func (r *pgStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	const userQuery = `SELECT id, name, created_at FROM users WHERE id = $1`
	var u User
	err := r.db.QueryRowContext(ctx, userQuery, id).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}

	const ratingQuery = `
		SELECT category, rating, deviation, volatility, games
		FROM user_ratings
		WHERE user_id = $1`
	rows, err := r.db.QueryContext(ctx, ratingQuery, id)
	if err != nil {
		return nil, fmt.Errorf("select ratings: %w", err)
	}
	defer rows.Close()

	u.Ratings = make(map[domain.Category]rating.Rating)
	for rows.Next() {
		var (
			category string
			rt       rating.Rating
		)
		if err := rows.Scan(&category, &rt.Rating, &rt.Deviation, &rt.Volatility, &rt.Games); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		u.Ratings[domain.Category(category)] = rt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ratings: %w", err)
	}
	return &u, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
