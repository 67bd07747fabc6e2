package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

var ErrClosed = errors.New("connection closed")

// Handler answers one client call. The returned frame is sent back when the call
// carried an id.
type Handler func(ctx context.Context, c *Conn, f lobbydto.Frame) lobbydto.Frame

// Conn is one accepted WebSocket client. It implements lobby.Channel.
type Conn struct {
	id     string
	ws     *websocket.Conn
	logger *zap.Logger
	clock  clockwork.Clock

	writeTimeout time.Duration
	pingInterval time.Duration

	pendingM sync.Mutex
	pending  map[string]chan lobbydto.Frame

	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, h *Hub) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:           id,
		ws:           ws,
		logger:       h.logger.With(zap.String("channel_id", id)),
		clock:        h.clock,
		writeTimeout: h.writeTimeout,
		pingInterval: h.pingInterval,
		pending:      make(map[string]chan lobbydto.Frame),
		closed:       make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	f, err := lobbydto.Event(event, payload)
	if err != nil {
		return err
	}
	return c.WriteFrame(ctx, f)
}

// WriteFrame sends f, bounded by the write timeout.
func (c *Conn) WriteFrame(ctx context.Context, f lobbydto.Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.ws, f); err != nil {
		return err
	}
	return nil
}

// Request sends event with a fresh id and waits for the matching ack frame.
// An error ack is returned as a lobbydto.DomainError.
func (c *Conn) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	f, err := lobbydto.Event(event, payload)
	if err != nil {
		return nil, err
	}
	f.ID = uuid.NewString()
	reply := make(chan lobbydto.Frame, 1)

	c.pendingM.Lock()
	c.pending[f.ID] = reply
	c.pendingM.Unlock()
	defer func() {
		c.pendingM.Lock()
		delete(c.pending, f.ID)
		c.pendingM.Unlock()
	}()

	if err := c.WriteFrame(ctx, f); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	case ack := <-reply:
		if ack.Status == lobbydto.StatusError {
			if ack.Error != nil {
				return nil, *ack.Error
			}
			return nil, lobbydto.DomainError{Code: lobbydto.CodeInvalid}
		}
		return ack.Payload, nil
	}
}

// Detach closes the connection with reason as the close message.
func (c *Conn) Detach(reason string) {
	c.close(websocket.StatusPolicyViolation, reason)
}

// close marks the connection closed at once; the close handshake runs in the background.
func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		go func() { _ = c.ws.Close(code, reason) }()
	})
}

// Serve reads frames until the connection ends. Acks resolve pending requests; every
// other frame goes to handle, one at a time in arrival order.
func (c *Conn) Serve(ctx context.Context, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.close(websocket.StatusNormalClosure, "")

	go c.pingLoop(ctx)

	for {
		var f lobbydto.Frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if f.Event == lobbydto.EventAck {
			c.resolve(f)
			continue
		}
		reply := handle(ctx, c, f)
		if f.ID == "" {
			continue
		}
		if reply.Ack == "" {
			reply.Ack = f.ID
		}
		if err := c.WriteFrame(ctx, reply); err != nil {
			c.logger.Debug("ws_ack_write_failed", zap.String("event", f.Event), zap.Error(err))
		}
	}
}

func (c *Conn) resolve(f lobbydto.Frame) {
	c.pendingM.Lock()
	reply, ok := c.pending[f.Ack]
	if ok {
		delete(c.pending, f.Ack)
	}
	c.pendingM.Unlock()
	if !ok {
		c.logger.Debug("ws_ack_unmatched", zap.String("ack", f.Ack))
		return
	}
	reply <- f
}

// pingLoop closes the connection after two consecutive failed pings.
func (c *Conn) pingLoop(ctx context.Context) {
	if c.pingInterval <= 0 {
		return
	}
	t := c.clock.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-t.Chan():
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.logger.Info("ws_ping_failed", zap.Error(err))
				c.close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}
