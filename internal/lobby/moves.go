package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-lobby/internal/clock"
	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/rules"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

// pendingRequest is the one armed move request of a game in this process.
type pendingRequest struct {
	ply       int
	channelID string
	cancel    context.CancelFunc
}

type moveReply struct {
	raw json.RawMessage
	err error
}

// armMoveRequest solicits the move for ply from color over channelID and owns the
// flag timer for that ply. Re-arming the same ply on the same channel is a no-op; a
// newer ply or another channel supersedes the armed request.
func (c *Coordinator) armMoveRequest(lobbyID, gameID string, ply int, color domain.Color, channelID string) {
	if c.ctx.Err() != nil {
		return
	}
	c.requestsMu.Lock()
	if p, ok := c.requests[gameID]; ok {
		if p.ply > ply || (p.ply == ply && p.channelID == channelID) {
			c.requestsMu.Unlock()
			return
		}
		p.cancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	p := &pendingRequest{ply: ply, channelID: channelID, cancel: cancel}
	c.requests[gameID] = p
	c.requestsMu.Unlock()

	c.goBackground(func(context.Context) {
		defer c.releaseRequest(gameID, p)
		c.runMoveRequest(ctx, lobbyID, gameID, ply, color, channelID)
	})
}

func (c *Coordinator) releaseRequest(gameID string, p *pendingRequest) {
	p.cancel()
	c.requestsMu.Lock()
	if c.requests[gameID] == p {
		delete(c.requests, gameID)
	}
	c.requestsMu.Unlock()
}

// cancelRequests drops the armed request of gameID.
func (c *Coordinator) cancelRequests(gameID string) {
	c.requestsMu.Lock()
	p, ok := c.requests[gameID]
	if ok {
		delete(c.requests, gameID)
	}
	c.requestsMu.Unlock()
	if ok {
		p.cancel()
	}
}

func (c *Coordinator) runMoveRequest(ctx context.Context, lobbyID, gameID string, ply int, color domain.Color, channelID string) {
	log := c.logger.With(
		zap.String("lobby_id", lobbyID),
		zap.String("game_id", gameID),
		zap.Int("ply", ply),
		zap.String("color", string(color)),
	)
	for {
		l, err := c.store.Get(ctx, lobbyID)
		if err != nil {
			if ctx.Err() == nil && !swallow(err) {
				log.Warn("move_request_load_failed", zap.Error(err))
			}
			return
		}
		g := l.CurrentGame
		if g == nil || g.ID != gameID || g.Data.Ply() != ply || !g.Active() || g.Data.ActiveColor != color {
			log.Debug("move_request_stale")
			return
		}

		var (
			timer   clockwork.Timer
			timeout <-chan time.Time
			budget  time.Duration
		)
		now := c.clock.Now()
		if g.Timed() {
			budget = clock.Deadline(g.Clock, color, now)
			timer = c.clock.NewTimer(budget)
			timeout = timer.Chan()
		}
		req := lobbydto.MoveRequest{
			LobbyID:   lobbyID,
			GameID:    gameID,
			Ply:       ply,
			Color:     string(color),
			FEN:       g.Data.FEN,
			TimeoutMs: budget.Milliseconds(),
			Clock:     clockDTO(clock.Snapshot(g.Clock, color, now)),
		}

		reqCtx, reqCancel := context.WithCancel(ctx)
		replies := make(chan moveReply, 1)
		if ch, ok := c.transport.Lookup(channelID); ok {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				raw, err := ch.Request(reqCtx, lobbydto.EventMoveRequest, req)
				replies <- moveReply{raw: raw, err: err}
			}()
		} else {
			log.Debug("move_request_channel_missing", zap.String("channel_id", channelID))
			if timeout == nil {
				// untimed: nothing can fire, the next Connect re-arms
				reqCancel()
				return
			}
		}
		log.Debug("move_request_armed", zap.Int64("timeout_ms", req.TimeoutMs))

		var reply moveReply
		select {
		case <-ctx.Done():
			reqCancel()
			if timer != nil {
				stopAndDrainTimer(timer)
			}
			return
		case <-timeout:
			reqCancel()
			c.handleTimeout(ctx, lobbyID, gameID, ply, color)
			return
		case reply = <-replies:
			reqCancel()
		}

		if reply.err != nil {
			// the channel is gone; only the flag timer or a reconnect can move on
			log.Debug("move_request_transport_error", zap.Error(reply.err))
			if timeout == nil {
				return
			}
			select {
			case <-ctx.Done():
				if timer != nil {
					stopAndDrainTimer(timer)
				}
			case <-timeout:
				c.handleTimeout(ctx, lobbyID, gameID, ply, color)
			}
			return
		}
		if timer != nil {
			stopAndDrainTimer(timer)
		}

		var resp lobbydto.MoveResponse
		if err := json.Unmarshal(reply.raw, &resp); err != nil || strings.TrimSpace(resp.Move) == "" {
			c.rejectMove(ctx, channelID, gameID, resp.Move, ErrInvalidInput)
			continue
		}
		mover := g.Players.Of(color)
		after, err := c.executeMove(ctx, lobbyID, mover, resp.Move, ply)
		switch {
		case err == nil:
			c.afterMove(ctx, after, color)
			return
		case errors.Is(err, rules.ErrIllegalMove), errors.Is(err, rules.ErrNotYourTurn):
			log.Info("move_rejected", zap.String("move", resp.Move), zap.Error(err))
			c.rejectMove(ctx, channelID, gameID, resp.Move, err)
			continue
		case errors.Is(err, ErrFlagged):
			c.handleTimeout(ctx, lobbyID, gameID, ply, color)
			return
		case swallow(err):
			log.Debug("move_request_superseded", zap.Error(err))
			return
		default:
			log.Warn("move_apply_failed", zap.Error(err))
			c.rejectMove(ctx, channelID, gameID, resp.Move, err)
			continue
		}
	}
}

func (c *Coordinator) rejectMove(ctx context.Context, channelID, gameID, move string, err error) {
	c.emitTo(ctx, channelID, lobbydto.EventMoveRejected, lobbydto.MoveRejected{
		GameID: gameID,
		Move:   move,
		Error:  DomainErrorOf(err),
	})
}

// handleTimeout ends the game for color running out of time, if the game is still at ply.
func (c *Coordinator) handleTimeout(ctx context.Context, lobbyID, gameID string, ply int, color domain.Color) {
	l, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		g := l.CurrentGame
		if g == nil || g.ID != gameID || g.Data.Ply() != ply || !g.Active() || g.Data.ActiveColor != color {
			return ErrStale
		}
		opp := color.Opp()
		sufficient, err := rules.IsSufficientMaterial(g.Data, opp)
		if err != nil {
			return err
		}
		outcome := domain.WinFor(opp, domain.ByTimeout)
		if !sufficient {
			outcome = domain.DrawBy(domain.ByTimeoutInsufficient)
		}
		now := c.clock.Now()
		g.Clock = clock.Flag(g.Clock, color)
		g.end(outcome, now)
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		if !swallow(err) && ctx.Err() == nil {
			c.logger.Warn("game_timeout_failed", zap.String("lobby_id", lobbyID), zap.String("game_id", gameID), zap.Error(err))
		}
		return
	}
	c.logger.Info("game_timeout",
		zap.String("lobby_id", lobbyID),
		zap.String("game_id", gameID),
		zap.Int("ply", ply),
		zap.String("color", string(color)),
		zap.String("result", l.CurrentGame.Data.Outcome.Result),
		zap.String("by", l.CurrentGame.Data.Outcome.By),
	)
	if err := c.FinalizeResult(ctx, lobbyID, gameID); err != nil && !swallow(err) {
		c.logger.Warn("game_finalize_failed", zap.String("lobby_id", lobbyID), zap.String("game_id", gameID), zap.Error(err))
	}
}

// executeMove applies move for id. expectedPly < 0 skips the ply check.
func (c *Coordinator) executeMove(ctx context.Context, lobbyID string, id domain.Identity, move string, expectedPly int) (*Lobby, error) {
	return c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		g := l.CurrentGame
		if !g.Active() {
			return ErrNoActiveGame
		}
		color := g.ColorOf(id.ID)
		if color == "" {
			return ErrNotAMember
		}
		if expectedPly >= 0 && g.Data.Ply() != expectedPly {
			return ErrStale
		}
		if color != g.Data.ActiveColor {
			return rules.ErrNotYourTurn
		}
		now := c.clock.Now()
		if g.Timed() && g.Clock.Started() && clock.Live(g.Clock, color, now) <= 0 {
			return ErrFlagged
		}

		next := g.Clock
		attach := g.Data.Ply()+1 >= 2
		if attach {
			next = clock.Switch(g.Clock, now, color)
		}
		data, err := rules.ApplyMove(g.Data, color, move, next.TimeRemainingMs.Of(color))
		if err != nil {
			return err
		}
		g.Data = data
		if attach {
			g.Clock = next
		}
		if g.DrawOffered == color {
			g.DrawOffered = ""
		}
		if data.Over() {
			g.end(data.Outcome, now)
		}
		l.UpdatedAt = now
		return nil
	})
}

// SubmitMove is the direct push path: the player sends a move without waiting for a
// request. On success the opponent's request is armed.
func (c *Coordinator) SubmitMove(ctx context.Context, lobbyID string, id domain.Identity, move string) (*Lobby, error) {
	if !id.Valid() {
		return nil, ErrUnauthenticated
	}
	l, err := c.executeMove(ctx, lobbyID, id, move, -1)
	if err != nil {
		return nil, err
	}
	c.afterMove(ctx, l, l.CurrentGame.ColorOf(id.ID))
	return l.Public(c.clock.Now()), nil
}

// afterMove broadcasts the applied move and either finalizes or asks the next side.
func (c *Coordinator) afterMove(ctx context.Context, l *Lobby, mover domain.Color) {
	g := l.CurrentGame
	d := g.Data
	c.logger.Info("game_move",
		zap.String("lobby_id", l.ID),
		zap.String("game_id", g.ID),
		zap.Int("ply", d.Ply()),
		zap.String("color", string(mover)),
		zap.String("uci", last(d.MovesUCI)),
	)
	c.broadcast(ctx, l.ID, lobbydto.EventGameMove, lobbydto.MovePlayed{
		LobbyID:     l.ID,
		GameID:      g.ID,
		Ply:         d.Ply(),
		Color:       string(mover),
		UCI:         last(d.MovesUCI),
		SAN:         last(d.MovesSAN),
		FEN:         d.FEN,
		ActiveColor: string(d.ActiveColor),
		Clock:       clockDTO(clock.Snapshot(g.Clock, d.ActiveColor, c.clock.Now())),
		Outcome:     outcomeDTO(d.Outcome),
	})
	if d.Over() {
		if err := c.FinalizeResult(ctx, l.ID, g.ID); err != nil && !swallow(err) {
			c.logger.Warn("game_finalize_failed", zap.String("lobby_id", l.ID), zap.String("game_id", g.ID), zap.Error(err))
		}
		return
	}
	channelID := ""
	if conn := l.Connection(g.Players.Of(d.ActiveColor).ID); conn != nil && conn.Connected {
		channelID = conn.ChannelID
	}
	c.armMoveRequest(l.ID, g.ID, d.Ply(), d.ActiveColor, channelID)
}

func last(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}
