// Package lobby coordinates two-player chess lobbies: membership, the per-ply move
// request cycle, clocks, draw and rematch negotiation, and result finalization.
//
// All authoritative state lives in the Store. Handlers re-read the lobby and check the
// game id and ply before every consequential write.
package lobby

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-lobby/internal/clock"
	"github.com/park285/cheese-lobby/internal/config"
	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/obslog"
	"github.com/park285/cheese-lobby/internal/records"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

// Config holds the tunables a Coordinator needs.
type Config struct {
	DefaultTimeControl domain.TimeControl
	AbandonmentGrace   map[domain.Category]time.Duration
	ChatMaxRunes       int
	ChatMaxMessages    int
}

// ConfigFromPolicy maps the loaded policy onto coordinator settings.
func ConfigFromPolicy(p config.Policy) Config {
	return Config{
		DefaultTimeControl: p.DefaultTimeControl,
		AbandonmentGrace:   p.AbandonmentGrace,
		ChatMaxRunes:       p.Chat.MaxRunes,
		ChatMaxMessages:    p.Chat.MaxMessages,
	}
}

// grace is the abandonment grace for cat; zero disables abandonment.
func (c Config) grace(cat domain.Category) time.Duration {
	return c.AbandonmentGrace[cat]
}

type Coordinator struct {
	store     Store
	records   records.Store
	transport Transport
	clock     clockwork.Clock
	cfg       Config
	logger    *zap.Logger
	coinFlip  func() bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	requestsMu sync.Mutex
	requests   map[string]*pendingRequest // game id -> armed request

	abandonMu sync.Mutex
	abandon   map[string]clockwork.Timer // lobby id + user id -> grace timer
}

type Option func(*Coordinator)

func WithClock(c clockwork.Clock) Option { return func(co *Coordinator) { co.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(co *Coordinator) { co.logger = l } }

// WithCoinFlip replaces the random color draw; true gives the creator white.
func WithCoinFlip(f func() bool) Option { return func(co *Coordinator) { co.coinFlip = f } }

func NewCoordinator(store Store, rec records.Store, transport Transport, cfg Config, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("lobby store is required")
	}
	if rec == nil {
		return nil, errors.New("record store is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.ChatMaxRunes <= 0 {
		cfg.ChatMaxRunes = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:     store,
		records:   rec,
		transport: transport,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		requests:  make(map[string]*pendingRequest),
		abandon:   make(map[string]clockwork.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = obslog.Named("lobby")
	}
	if c.coinFlip == nil {
		c.coinFlip = func() bool { return rand.IntN(2) == 0 }
	}
	return c, nil
}

// Close cancels armed requests and pending timers and waits for background work.
func (c *Coordinator) Close() {
	c.cancel()
	c.abandonMu.Lock()
	for k, t := range c.abandon {
		stopAndDrainTimer(t)
		delete(c.abandon, k)
	}
	c.abandonMu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) goBackground(fn func(ctx context.Context)) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *Coordinator) broadcast(ctx context.Context, lobbyID, event string, payload any) {
	if err := c.transport.Broadcast(ctx, lobbyID, event, payload); err != nil {
		c.logger.Warn("lobby_broadcast_failed", zap.String("lobby_id", lobbyID), zap.String("event", event), zap.Error(err))
	}
}

func (c *Coordinator) emitTo(ctx context.Context, channelID, event string, payload any) {
	if channelID == "" {
		return
	}
	ch, ok := c.transport.Lookup(channelID)
	if !ok {
		return
	}
	if err := ch.Emit(ctx, event, payload); err != nil {
		c.logger.Debug("lobby_emit_failed", zap.String("channel_id", channelID), zap.String("event", event), zap.Error(err))
	}
}

func (c *Coordinator) broadcastLobby(ctx context.Context, l *Lobby) {
	c.broadcast(ctx, l.ID, lobbydto.EventLobbyUpdate, l.Public(c.clock.Now()))
}

// Snapshot returns the lobby as clients see it, with the running clock brought up to date.
func (c *Coordinator) Snapshot(ctx context.Context, lobbyID string) (*Lobby, error) {
	l, err := c.store.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	return l.Public(c.clock.Now()), nil
}

// swallow reports whether err is a staleness race that an internal path should drop.
func swallow(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoActiveGame) || errors.Is(err, ErrStale) || errors.Is(err, ErrAlreadyFinal)
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

func clockDTO(r clock.Remaining) lobbydto.Clock {
	return lobbydto.Clock{W: r.W, B: r.B}
}

func outcomeDTO(o *domain.Outcome) *lobbydto.Outcome {
	if o == nil {
		return nil
	}
	return &lobbydto.Outcome{Result: o.Result, By: o.By}
}
