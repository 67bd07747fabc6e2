// Package transport carries lobby events to WebSocket clients.
//
// A Hub tracks the connections accepted by this process and the lobby groups they
// joined. With a Relay attached, group broadcasts also reach members connected to
// other instances.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-lobby/internal/lobby"
	"github.com/park285/cheese-lobby/internal/obslog"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Relay fans group frames out across instances.
type Relay interface {
	Publish(ctx context.Context, group string, f lobbydto.Frame) error
	// Subscribe delivers frames published by other instances.
	Subscribe(deliver func(group string, f lobbydto.Frame)) error
	Close() error
}

type Hub struct {
	logger       *zap.Logger
	clock        clockwork.Clock
	relay        Relay
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]struct{}
}

type HubOption func(*Hub)

func WithHubLogger(l *zap.Logger) HubOption { return func(h *Hub) { h.logger = l } }

func WithHubClock(c clockwork.Clock) HubOption { return func(h *Hub) { h.clock = c } }

func WithRelay(r Relay) HubOption { return func(h *Hub) { h.relay = r } }

func WithPingInterval(d time.Duration) HubOption { return func(h *Hub) { h.pingInterval = d } }

func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

func NewHub(opts ...HubOption) (*Hub, error) {
	h := &Hub{
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		conns:        make(map[string]*Conn),
		groups:       make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = obslog.Named("transport")
	}
	if h.clock == nil {
		h.clock = clockwork.NewRealClock()
	}
	if h.relay != nil {
		if err := h.relay.Subscribe(h.deliverRemote); err != nil {
			return nil, err
		}
	}
	return h, nil
}

var _ lobby.Transport = (*Hub)(nil)

// Accept upgrades the request and registers the connection. The caller must run
// Serve on the returned Conn and call Release when it returns.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, err
	}
	c := newConn(ws, h)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("ws_accept", zap.String("channel_id", c.id), zap.String("remote", r.RemoteAddr))
	return c, nil
}

// Release drops c from the hub and every group it joined.
func (h *Hub) Release(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for group, members := range h.groups {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()
	c.close(websocket.StatusNormalClosure, "")
}

func (h *Hub) Lookup(channelID string) (lobby.Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[channelID]
	if !ok {
		return nil, false
	}
	return c, true
}

func (h *Hub) Join(ctx context.Context, group, channelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[channelID]; !ok {
		return ErrClosed
	}
	members := h.groups[group]
	if members == nil {
		members = make(map[string]struct{})
		h.groups[group] = members
	}
	members[channelID] = struct{}{}
	return nil
}

func (h *Hub) Leave(ctx context.Context, group, channelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.groups[group]; members != nil {
		delete(members, channelID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	return nil
}

// Broadcast sends the event to local group members and publishes it on the relay.
func (h *Hub) Broadcast(ctx context.Context, group, event string, payload any) error {
	f, err := lobbydto.Event(event, payload)
	if err != nil {
		return err
	}
	h.deliverLocal(ctx, group, f)
	if h.relay == nil {
		return nil
	}
	if err := h.relay.Publish(ctx, group, f); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

func (h *Hub) deliverRemote(group string, f lobbydto.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	h.deliverLocal(ctx, group, f)
}

func (h *Hub) deliverLocal(ctx context.Context, group string, f lobbydto.Frame) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		if err := c.WriteFrame(ctx, f); err != nil {
			h.logger.Debug("ws_broadcast_write_failed",
				zap.String("group", group),
				zap.String("channel_id", c.id),
				zap.String("event", f.Event),
				zap.Error(err),
			)
		}
	}
}

// Members returns the number of local connections in group.
func (h *Hub) Members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Close disconnects every client and closes the relay.
func (h *Hub) Close() error {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	h.groups = make(map[string]map[string]struct{})
	h.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
	if h.relay != nil {
		return h.relay.Close()
	}
	return nil
}
