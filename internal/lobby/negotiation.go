package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

// activeColor loads the running game and the caller's color in it.
func activeColor(l *Lobby, userID string) (*Game, domain.Color, error) {
	g := l.CurrentGame
	if !g.Active() {
		return nil, "", ErrNoActiveGame
	}
	color := g.ColorOf(userID)
	if color == "" {
		return nil, "", ErrNotAMember
	}
	return g, color, nil
}

// Resign ends the running game as a loss for id.
func (c *Coordinator) Resign(ctx context.Context, lobbyID string, id domain.Identity) error {
	var gameID string
	_, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		g, color, err := activeColor(l, id.ID)
		if err != nil {
			return err
		}
		now := c.clock.Now()
		g.end(domain.WinFor(color.Opp(), domain.ByResignation), now)
		l.UpdatedAt = now
		gameID = g.ID
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("game_resign", zap.String("lobby_id", lobbyID), zap.String("game_id", gameID), zap.String("user_id", id.ID))
	return c.FinalizeResult(ctx, lobbyID, gameID)
}

// OfferDraw records a draw offer from id. An offer while the opponent's offer is
// pending accepts it; repeating one's own offer changes nothing.
func (c *Coordinator) OfferDraw(ctx context.Context, lobbyID string, id domain.Identity) error {
	var (
		gameID   string
		color    domain.Color
		accepted bool
		repeated bool
	)
	_, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		accepted, repeated = false, false
		g, col, err := activeColor(l, id.ID)
		if err != nil {
			return err
		}
		gameID, color = g.ID, col
		now := c.clock.Now()
		switch g.DrawOffered {
		case col.Opp():
			g.end(domain.DrawBy(domain.ByAgreement), now)
			accepted = true
		case col:
			repeated = true
		default:
			g.DrawOffered = col
		}
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	switch {
	case accepted:
		c.logger.Info("game_draw_agreed", zap.String("lobby_id", lobbyID), zap.String("game_id", gameID))
		return c.FinalizeResult(ctx, lobbyID, gameID)
	case repeated:
		return nil
	}
	c.logger.Info("game_draw_offered", zap.String("lobby_id", lobbyID), zap.String("game_id", gameID), zap.String("color", string(color)))
	c.broadcast(ctx, lobbyID, lobbydto.EventDrawOffered, lobbydto.DrawOffer{GameID: gameID, Color: string(color)})
	return nil
}

// AcceptDraw ends the game in a draw by agreement; the opponent must have offered.
func (c *Coordinator) AcceptDraw(ctx context.Context, lobbyID string, id domain.Identity) error {
	var gameID string
	_, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		g, color, err := activeColor(l, id.ID)
		if err != nil {
			return err
		}
		if g.DrawOffered != color.Opp() {
			return ErrNoDrawOffer
		}
		now := c.clock.Now()
		g.end(domain.DrawBy(domain.ByAgreement), now)
		l.UpdatedAt = now
		gameID = g.ID
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("game_draw_agreed", zap.String("lobby_id", lobbyID), zap.String("game_id", gameID))
	return c.FinalizeResult(ctx, lobbyID, gameID)
}

// DeclineDraw withdraws the opponent's pending offer.
func (c *Coordinator) DeclineDraw(ctx context.Context, lobbyID string, id domain.Identity) error {
	var (
		gameID string
		color  domain.Color
	)
	_, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		g, col, err := activeColor(l, id.ID)
		if err != nil {
			return err
		}
		if g.DrawOffered != col.Opp() {
			return ErrNoDrawOffer
		}
		g.DrawOffered = ""
		l.UpdatedAt = c.clock.Now()
		gameID, color = g.ID, col
		return nil
	})
	if err != nil {
		return err
	}
	c.broadcast(ctx, lobbyID, lobbydto.EventDrawDeclined, lobbydto.DrawOffer{GameID: gameID, Color: string(color)})
	return nil
}

// RequestRematch flags id as wanting another game. Once both sides agree the next game
// starts with colors swapped. A prior decline by the opponent fails with
// ErrRematchDeclined.
func (c *Coordinator) RequestRematch(ctx context.Context, lobbyID string, id domain.Identity) error {
	var (
		color   domain.Color
		both    bool
		channel string
	)
	_, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		both = false
		g := l.CurrentGame
		if g == nil {
			return ErrNoActiveGame
		}
		if g.Active() {
			return ErrGameInProgress
		}
		color = g.ColorOf(id.ID)
		if color == "" {
			return ErrNotAMember
		}
		if conn := l.Connection(id.ID); conn != nil {
			channel = conn.ChannelID
		}
		opp := l.Rematch.Of(color.Opp())
		if opp != nil && !*opp {
			return ErrRematchDeclined
		}
		l.Rematch.Set(color, true)
		both = opp != nil && *opp
		l.UpdatedAt = c.clock.Now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRematchDeclined) {
			c.emitTo(ctx, channel, lobbydto.EventRematchDeclined, lobbydto.Rematch{LobbyID: lobbyID, Color: string(color.Opp())})
		}
		return err
	}
	c.logger.Info("lobby_rematch_requested", zap.String("lobby_id", lobbyID), zap.String("user_id", id.ID), zap.Bool("agreed", both))
	if both {
		c.startGame(ctx, lobbyID)
		return nil
	}
	c.broadcast(ctx, lobbyID, lobbydto.EventRematchRequested, lobbydto.Rematch{LobbyID: lobbyID, Color: string(color), UserID: id.ID})
	return nil
}

// AcceptRematch answers the opponent's request; it behaves as a request of one's own.
func (c *Coordinator) AcceptRematch(ctx context.Context, lobbyID string, id domain.Identity) error {
	return c.RequestRematch(ctx, lobbyID, id)
}

// DeclineRematch records that id does not want another game.
func (c *Coordinator) DeclineRematch(ctx context.Context, lobbyID string, id domain.Identity) error {
	var color domain.Color
	_, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		g := l.CurrentGame
		if g == nil {
			return ErrNoActiveGame
		}
		if g.Active() {
			return ErrGameInProgress
		}
		color = g.ColorOf(id.ID)
		if color == "" {
			return ErrNotAMember
		}
		l.Rematch.Set(color, false)
		l.UpdatedAt = c.clock.Now()
		return nil
	})
	if err != nil {
		return err
	}
	c.broadcast(ctx, lobbyID, lobbydto.EventRematchDeclined, lobbydto.Rematch{LobbyID: lobbyID, Color: string(color), UserID: id.ID})
	return nil
}

// SendChat appends a message from a lobby participant and broadcasts it.
func (c *Coordinator) SendChat(ctx context.Context, lobbyID string, id domain.Identity, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if utf8.RuneCountInString(message) > c.cfg.ChatMaxRunes {
		return fmt.Errorf("%w: message longer than %d characters", ErrInvalidInput, c.cfg.ChatMaxRunes)
	}
	msg := ChatMessage{Identity: id, Message: message}
	_, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		if !l.IsReserved(id.ID) {
			return ErrNotAMember
		}
		msg.SentAt = c.clock.Now()
		l.Chat = append(l.Chat, msg)
		if limit := c.cfg.ChatMaxMessages; limit > 0 && len(l.Chat) > limit {
			l.Chat = append([]ChatMessage(nil), l.Chat[len(l.Chat)-limit:]...)
		}
		l.UpdatedAt = msg.SentAt
		return nil
	})
	if err != nil {
		return err
	}
	c.broadcast(ctx, lobbyID, lobbydto.EventLobbyChat, lobbydto.ChatMessage{
		UserID:  id.ID,
		Name:    id.Name,
		Message: message,
		SentAt:  msg.SentAt,
	})
	return nil
}
