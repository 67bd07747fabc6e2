package lobby

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/rating"
	"github.com/park285/cheese-lobby/internal/records"
	"github.com/park285/cheese-lobby/internal/rules"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

const (
	persistAttempts = 3
	persistBackoff  = 500 * time.Millisecond
)

// FinalizeResult settles a terminated game exactly once: scores, ratings, broadcast and
// the durable record. Calls for a game that is unknown, still running or already
// settled return ErrStale, ErrGameInProgress or ErrAlreadyFinal without side effects.
//
// The Finalized flag is committed before the durable writes, so settlement is at most
// once: rating and record writes are retried in process, and a write that still fails
// is logged and not replayed.
func (c *Coordinator) FinalizeResult(ctx context.Context, lobbyID, gameID string) error {
	defer c.cancelRequests(gameID)

	l, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		g := l.CurrentGame
		switch {
		case g == nil || g.ID != gameID:
			return ErrStale
		case g.Data.Outcome == nil:
			return ErrGameInProgress
		case g.Finalized:
			return ErrAlreadyFinal
		}
		g.Finalized = true
		for _, color := range []domain.Color{domain.White, domain.Black} {
			if conn := l.Connection(g.Players.Of(color).ID); conn != nil {
				conn.Score += g.Data.Outcome.Score(color)
			}
		}
		l.UpdatedAt = c.clock.Now()
		return nil
	})
	if err != nil {
		return err
	}
	g := l.CurrentGame
	log := c.logger.With(zap.String("lobby_id", lobbyID), zap.String("game_id", gameID))
	log.Info("game_finalize",
		zap.String("result", g.Data.Outcome.Result),
		zap.String("by", g.Data.Outcome.By),
		zap.Int("ply", g.Data.Ply()),
	)

	var changes []lobbydto.RatingChange
	if g.Rated {
		var next map[string]rating.Rating
		changes, next, err = c.rateGame(ctx, g)
		if err != nil {
			log.Warn("game_rating_failed", zap.Error(err))
			changes = nil
		} else if updated, uerr := c.reflectRatings(ctx, lobbyID, g, changes, next); uerr != nil {
			log.Warn("game_rating_reflect_failed", zap.Error(uerr))
		} else {
			l = updated
		}
	}

	scores := make(map[string]float64, 2)
	for _, color := range []domain.Color{domain.White, domain.Black} {
		id := g.Players.Of(color).ID
		if conn := l.Connection(id); conn != nil {
			scores[id] = conn.Score
		}
	}
	c.broadcast(ctx, lobbyID, lobbydto.EventGameOutcome, lobbydto.GameOutcome{
		LobbyID: lobbyID,
		GameID:  gameID,
		Outcome: *outcomeDTO(g.Data.Outcome),
		Scores:  scores,
		Ratings: changes,
	})
	c.broadcastLobby(ctx, l)

	if g.Players.W.Guest && g.Players.B.Guest {
		return nil
	}
	record := completedGame(lobbyID, g, c.clock.Now())
	if err := c.retry(ctx, "save_game", func() error { return c.records.SaveCompletedGame(ctx, record) }); err != nil {
		if errors.Is(err, records.ErrDuplicateGame) {
			log.Debug("game_record_exists")
			return nil
		}
		log.Warn("game_record_save_failed", zap.Error(err))
		return err
	}
	return nil
}

func (c *Coordinator) rateGame(ctx context.Context, g *Game) ([]lobbydto.RatingChange, map[string]rating.Rating, error) {
	w, b := g.Players.W, g.Players.B
	prevW, err := c.currentRating(ctx, w.ID, g.Category)
	if err != nil {
		return nil, nil, err
	}
	prevB, err := c.currentRating(ctx, b.ID, g.Category)
	if err != nil {
		return nil, nil, err
	}
	nextW, nextB := rating.Update(prevW, prevB, g.Data.Outcome.Score(domain.White))
	err = c.retry(ctx, "update_ratings", func() error {
		return c.records.UpdateUserRatings(ctx, g.Category, []records.RatingUpdate{
			{UserID: w.ID, Name: w.Name, Rating: nextW},
			{UserID: b.ID, Name: b.Name, Rating: nextB},
		})
	})
	if err != nil {
		return nil, nil, err
	}
	changes := []lobbydto.RatingChange{
		{UserID: w.ID, Rating: nextW.Rating, Delta: rating.Delta(prevW, nextW)},
		{UserID: b.ID, Rating: nextB.Rating, Delta: rating.Delta(prevB, nextB)},
	}
	return changes, map[string]rating.Rating{w.ID: nextW, b.ID: nextB}, nil
}

// currentRating is the stored rating in cat; a user with no record starts at the default.
func (c *Coordinator) currentRating(ctx context.Context, userID string, cat domain.Category) (rating.Rating, error) {
	u, err := c.records.FindUserByID(ctx, userID)
	if errors.Is(err, records.ErrUserNotFound) {
		return rating.Default(), nil
	}
	if err != nil {
		return rating.Rating{}, err
	}
	return u.RatingFor(cat), nil
}

// retry runs a durable write up to persistAttempts times with doubling backoff.
func (c *Coordinator) retry(ctx context.Context, op string, fn func() error) error {
	backoff := persistBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || errors.Is(err, records.ErrDuplicateGame) || attempt == persistAttempts {
			return err
		}
		c.logger.Warn("game_persist_retry", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-c.clock.After(backoff):
		}
		backoff *= 2
	}
}

// reflectRatings copies the new ratings into the connection records shown to clients.
func (c *Coordinator) reflectRatings(ctx context.Context, lobbyID string, g *Game, changes []lobbydto.RatingChange, next map[string]rating.Rating) (*Lobby, error) {
	return c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		if l.CurrentGame == nil || l.CurrentGame.ID != g.ID {
			return ErrStale
		}
		for _, ch := range changes {
			conn := l.Connection(ch.UserID)
			if conn == nil {
				continue
			}
			if conn.Ratings == nil {
				conn.Ratings = make(map[domain.Category]rating.Rating)
			}
			conn.Ratings[g.Category] = next[ch.UserID]
			conn.LastDelta = ch.Delta
		}
		return nil
	})
}

func completedGame(lobbyID string, g *Game, now time.Time) *records.CompletedGame {
	ended := now
	if g.EndedAt != nil {
		ended = *g.EndedAt
	}
	event := "Casual game"
	if g.Rated {
		event = "Rated " + string(g.Category) + " game"
	}
	pgn := rules.Movetext(rules.PGNHeader{
		Event:       event,
		Date:        g.StartedAt,
		White:       g.Players.W.Name,
		Black:       g.Players.B.Name,
		TimeControl: g.TimeControl,
		Outcome:     g.Data.Outcome,
	}, g.Data)
	return &records.CompletedGame{
		ID:          g.ID,
		LobbyID:     lobbyID,
		WhiteID:     g.Players.W.ID,
		WhiteName:   g.Players.W.Name,
		BlackID:     g.Players.B.ID,
		BlackName:   g.Players.B.Name,
		Outcome:     *g.Data.Outcome,
		TimeControl: g.TimeControl,
		Category:    g.Category,
		Rated:       g.Rated,
		StartFEN:    g.Data.StartFEN,
		FinalFEN:    g.Data.FEN,
		MovesUCI:    g.Data.MovesUCI,
		MovesSAN:    g.Data.MovesSAN,
		PGN:         pgn,
		StartedAt:   g.StartedAt,
		EndedAt:     ended,
	}
}
