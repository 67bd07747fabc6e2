package lobby

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-lobby/internal/clock"
	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/rating"
	"github.com/park285/cheese-lobby/internal/records"
	"github.com/park285/cheese-lobby/internal/rules"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

// CreateLobby validates opts and stores a new lobby with the creator holding the first seat.
func (c *Coordinator) CreateLobby(ctx context.Context, creator domain.Identity, opts Options) (*Lobby, error) {
	if !creator.Valid() {
		return nil, ErrUnauthenticated
	}
	opts, err := c.normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	if opts.Rated && creator.Guest {
		return nil, fmt.Errorf("%w: guests cannot create rated lobbies", ErrInvalidOptions)
	}
	now := c.clock.Now()
	l := &Lobby{
		ID:          uuid.NewString(),
		Creator:     creator,
		Reserved:    []domain.Identity{creator},
		Connections: []Connection{},
		Options:     opts,
		Chat:        []ChatMessage{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.Create(ctx, l); err != nil {
		return nil, err
	}
	c.logger.Info("lobby_create", zap.String("lobby_id", l.ID), zap.String("creator_id", creator.ID), zap.Bool("rated", opts.Rated))
	return l.Public(now), nil
}

func (c *Coordinator) normalizeOptions(opts Options) (Options, error) {
	if len(opts.TimeControls) == 0 {
		opts.TimeControls = []domain.TimeControl{c.cfg.DefaultTimeControl}
	}
	for _, tc := range opts.TimeControls {
		if tc.InitialMs < 0 || tc.IncrementMs < 0 {
			return opts, fmt.Errorf("%w: negative time control", ErrInvalidOptions)
		}
	}
	if err := rules.ValidateFEN(opts.StartFEN); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	switch opts.Color {
	case "":
		opts.Color = ColorRandom
	case ColorRandom, ColorWhite, ColorBlack:
	default:
		return opts, fmt.Errorf("%w: unknown color %q", ErrInvalidOptions, opts.Color)
	}
	return opts, nil
}

// Connect attaches identity to the lobby over channelID.
//
// A reconnect replaces the identity's previous channel and detaches it. When this
// completes the two-player quorum and no unterminated game exists a game starts. When
// the identity is the side to move in a running game, the move request moves to the
// new channel.
func (c *Coordinator) Connect(ctx context.Context, lobbyID string, id domain.Identity, channelID string) (*Lobby, error) {
	if !id.Valid() {
		return nil, ErrUnauthenticated
	}
	ratings := c.loadRatings(ctx, id)

	var (
		prevChannel string
		startNow    bool
	)
	l, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		prevChannel, startNow = "", false
		before := l.ConnectedPlayers()
		if !l.IsReserved(id.ID) {
			if len(l.Reserved) >= 2 {
				return ErrFull
			}
			l.Reserved = append(l.Reserved, id)
		}
		now := c.clock.Now()
		conn := l.Connection(id.ID)
		if conn == nil {
			l.Connections = append(l.Connections, Connection{Identity: id})
			conn = &l.Connections[len(l.Connections)-1]
		} else if conn.Connected && conn.ChannelID != channelID {
			prevChannel = conn.ChannelID
		}
		conn.Identity = id
		conn.ChannelID = channelID
		conn.Connected = true
		conn.DisconnectedAt = nil
		if ratings != nil {
			conn.Ratings = ratings
		}
		l.UpdatedAt = now

		after := l.ConnectedPlayers()
		startNow = before < 2 && after == 2 && len(l.Reserved) == 2 && !l.CurrentGame.Active()
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.cancelAbandonment(lobbyID, id.ID)
	if prevChannel != "" {
		if ch, ok := c.transport.Lookup(prevChannel); ok {
			_ = ch.Emit(ctx, lobbydto.EventDetached, lobbydto.Detached{Reason: "connected elsewhere"})
			ch.Detach("connected elsewhere")
		}
		_ = c.transport.Leave(ctx, lobbyID, prevChannel)
	}
	if err := c.transport.Join(ctx, lobbyID, channelID); err != nil {
		c.logger.Warn("lobby_join_group_failed", zap.String("lobby_id", lobbyID), zap.String("channel_id", channelID), zap.Error(err))
	}
	c.logger.Info("lobby_connect",
		zap.String("lobby_id", lobbyID),
		zap.String("user_id", id.ID),
		zap.String("channel_id", channelID),
		zap.Bool("start", startNow),
	)
	c.broadcastLobby(ctx, l)

	switch {
	case startNow:
		c.startGame(ctx, lobbyID)
	case l.CurrentGame.Active() && l.CurrentGame.ColorOf(id.ID) == l.CurrentGame.Data.ActiveColor:
		g := l.CurrentGame
		c.armMoveRequest(lobbyID, g.ID, g.Data.Ply(), g.Data.ActiveColor, channelID)
	}
	return l.Public(c.clock.Now()), nil
}

func (c *Coordinator) loadRatings(ctx context.Context, id domain.Identity) map[domain.Category]rating.Rating {
	if id.Guest {
		return nil
	}
	u, err := c.records.FindUserByID(ctx, id.ID)
	if err != nil {
		if !errors.Is(err, records.ErrUserNotFound) {
			c.logger.Warn("lobby_load_ratings_failed", zap.String("user_id", id.ID), zap.Error(err))
		}
		return nil
	}
	return u.Ratings
}

// Disconnect marks the identity offline if channelID is still its current channel and
// arms the abandonment check for a running game.
func (c *Coordinator) Disconnect(ctx context.Context, lobbyID, userID, channelID string) error {
	_ = c.transport.Leave(ctx, lobbyID, channelID)

	var at domain.Color
	l, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		conn := l.Connection(userID)
		if conn == nil || conn.ChannelID != channelID || !conn.Connected {
			return ErrStale
		}
		now := c.clock.Now()
		conn.Connected = false
		conn.DisconnectedAt = &now
		l.UpdatedAt = now
		at = l.CurrentGame.ColorOf(userID)
		return nil
	})
	if err != nil {
		if swallow(err) {
			return nil
		}
		return err
	}
	c.logger.Info("lobby_disconnect", zap.String("lobby_id", lobbyID), zap.String("user_id", userID), zap.String("channel_id", channelID))
	c.broadcastLobby(ctx, l)

	g := l.CurrentGame
	if g.Active() && at != "" {
		conn := l.Connection(userID)
		c.scheduleAbandonment(lobbyID, userID, g.ID, *conn.DisconnectedAt, c.cfg.grace(g.Category))
	}
	return nil
}

// startGame creates the next game once both seats are connected. It logs and gives up
// when a player's channel is not resolvable; the next connect retries.
func (c *Coordinator) startGame(ctx context.Context, lobbyID string) {
	l, err := c.store.Update(ctx, lobbyID, func(l *Lobby) error {
		if len(l.Reserved) != 2 || l.Reserved[0].ID == l.Reserved[1].ID {
			return ErrStale
		}
		if l.CurrentGame.Active() {
			return ErrStale
		}
		for _, id := range l.Reserved {
			conn := l.Connection(id.ID)
			if conn == nil || !conn.Connected {
				return ErrStale
			}
			if _, ok := c.transport.Lookup(conn.ChannelID); !ok {
				return fmt.Errorf("%w: channel %s for %s not resolvable", ErrStale, conn.ChannelID, id.ID)
			}
		}

		tc := c.cfg.DefaultTimeControl
		if len(l.Options.TimeControls) > 0 {
			tc = l.Options.TimeControls[0]
		}
		data, err := rules.CreateGame(l.Options.StartFEN)
		if err != nil {
			return err
		}
		now := c.clock.Now()
		g := &Game{
			ID:          uuid.NewString(),
			Players:     c.assignColors(l),
			Data:        data,
			Clock:       clock.New(tc),
			TimeControl: tc,
			Category:    rules.InferRatingCategory(tc),
			StartedAt:   now,
		}
		// ratings need two registered players
		g.Rated = l.Options.Rated && !g.Players.W.Guest && !g.Players.B.Guest
		l.CurrentGame = g
		l.Rematch = Rematch{}
		l.GamesPlayed++
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		c.logger.Info("lobby_start_skipped", zap.String("lobby_id", lobbyID), zap.Error(err))
		return
	}

	g := l.CurrentGame
	c.logger.Info("game_start",
		zap.String("lobby_id", lobbyID),
		zap.String("game_id", g.ID),
		zap.String("white_id", g.Players.W.ID),
		zap.String("black_id", g.Players.B.ID),
		zap.String("time_control", g.TimeControl.String()),
		zap.String("category", string(g.Category)),
	)
	c.broadcast(ctx, lobbyID, lobbydto.EventGameNew, l.Public(c.clock.Now()))

	mover := l.Connection(g.Players.Of(g.Data.ActiveColor).ID)
	c.armMoveRequest(lobbyID, g.ID, g.Data.Ply(), g.Data.ActiveColor, mover.ChannelID)
}

// assignColors applies the creator's policy on the first game and swaps colors afterwards.
func (c *Coordinator) assignColors(l *Lobby) Players {
	if prev := l.CurrentGame; prev != nil {
		return Players{W: prev.Players.B, B: prev.Players.W}
	}
	creator, other := l.Reserved[0], l.Reserved[1]
	if l.Reserved[1].ID == l.Creator.ID {
		creator, other = l.Reserved[1], l.Reserved[0]
	}
	creatorWhite := false
	switch l.Options.Color {
	case ColorWhite:
		creatorWhite = true
	case ColorBlack:
		creatorWhite = false
	default:
		creatorWhite = c.coinFlip()
	}
	if creatorWhite {
		return Players{W: creator, B: other}
	}
	return Players{W: other, B: creator}
}
