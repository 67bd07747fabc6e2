package lobby

import (
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lobby/internal/domain"
)

func abandonKey(lobbyID, userID string) string { return lobbyID + "/" + userID }

// scheduleAbandonment arms the grace timer for one disconnect episode, identified by
// the disconnect timestamp.
func (c *Coordinator) scheduleAbandonment(lobbyID, userID, gameID string, at time.Time, grace time.Duration) {
	if grace <= 0 || c.ctx.Err() != nil {
		return
	}
	key := abandonKey(lobbyID, userID)
	c.abandonMu.Lock()
	defer c.abandonMu.Unlock()
	if prev, ok := c.abandon[key]; ok {
		prev.Stop()
	}
	c.abandon[key] = c.clock.AfterFunc(grace, func() {
		c.abandonMu.Lock()
		delete(c.abandon, key)
		c.abandonMu.Unlock()
		c.checkAbandonment(lobbyID, userID, gameID, at)
	})
	c.logger.Debug("lobby_abandonment_armed",
		zap.String("lobby_id", lobbyID),
		zap.String("user_id", userID),
		zap.Duration("grace", grace),
	)
}

func (c *Coordinator) cancelAbandonment(lobbyID, userID string) {
	key := abandonKey(lobbyID, userID)
	c.abandonMu.Lock()
	defer c.abandonMu.Unlock()
	if t, ok := c.abandon[key]; ok {
		t.Stop()
		delete(c.abandon, key)
	}
}

// checkAbandonment forfeits the game for userID if the same disconnect is still current.
func (c *Coordinator) checkAbandonment(lobbyID, userID, gameID string, at time.Time) {
	ctx := c.ctx
	if ctx.Err() != nil {
		return
	}
	_, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		g := l.CurrentGame
		if g == nil || g.ID != gameID || !g.Active() {
			return ErrStale
		}
		conn := l.Connection(userID)
		if conn == nil || conn.Connected || conn.DisconnectedAt == nil || !conn.DisconnectedAt.Equal(at) {
			return ErrStale
		}
		color := g.ColorOf(userID)
		if color == "" {
			return ErrStale
		}
		now := c.clock.Now()
		g.end(domain.WinFor(color.Opp(), domain.ByAbandonment), now)
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		if !swallow(err) {
			c.logger.Warn("lobby_abandonment_failed", zap.String("lobby_id", lobbyID), zap.String("user_id", userID), zap.Error(err))
		}
		return
	}
	c.logger.Info("game_abandoned", zap.String("lobby_id", lobbyID), zap.String("game_id", gameID), zap.String("user_id", userID))
	if err := c.FinalizeResult(ctx, lobbyID, gameID); err != nil && !swallow(err) {
		c.logger.Warn("game_finalize_failed", zap.String("lobby_id", lobbyID), zap.String("game_id", gameID), zap.Error(err))
	}
}
