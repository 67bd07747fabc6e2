package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

var errChannelClosed = errors.New("channel closed")

type sentEvent struct {
	group   string
	event   string
	payload any
}

// moveCall is one outstanding game:move-request seen by a fake channel.
type moveCall struct {
	req   lobbydto.MoveRequest
	reply chan json.RawMessage
}

func (mc *moveCall) answer(move string) {
	raw, _ := json.Marshal(lobbydto.MoveResponse{Move: move})
	mc.reply <- raw
}

type fakeChannel struct {
	id    string
	calls chan *moveCall

	mu       sync.Mutex
	events   []sentEvent
	detached string
	closed   chan struct{}
	once     sync.Once
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, calls: make(chan *moveCall, 32), closed: make(chan struct{})}
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	req, _ := payload.(lobbydto.MoveRequest)
	call := &moveCall{req: req, reply: make(chan json.RawMessage, 1)}
	select {
	case <-f.closed:
		return nil, errChannelClosed
	default:
	}
	f.calls <- call
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errChannelClosed
	case raw := <-call.reply:
		return raw, nil
	}
}

func (f *fakeChannel) Detach(reason string) {
	f.mu.Lock()
	f.detached = reason
	f.mu.Unlock()
	f.close()
}

func (f *fakeChannel) close() { f.once.Do(func() { close(f.closed) }) }

func (f *fakeChannel) emitted(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// nextRequest waits for the next move request, skipping requests for other plies.
func (f *fakeChannel) nextRequest(t *testing.T, ply int) *moveCall {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case call := <-f.calls:
			if call.req.Ply == ply {
				return call
			}
		case <-deadline:
			t.Fatalf("channel %s: no move request for ply %d", f.id, ply)
			return nil
		}
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	groups   map[string]map[string]bool
	events   []sentEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{channels: make(map[string]*fakeChannel), groups: make(map[string]map[string]bool)}
}

func (t *fakeTransport) add(id string) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := newFakeChannel(id)
	t.channels[id] = ch
	return ch
}

func (t *fakeTransport) drop(id string) {
	t.mu.Lock()
	ch := t.channels[id]
	delete(t.channels, id)
	t.mu.Unlock()
	if ch != nil {
		ch.close()
	}
}

func (t *fakeTransport) Lookup(channelID string) (Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[channelID]
	if !ok {
		return nil, false
	}
	return ch, true
}

func (t *fakeTransport) Join(ctx context.Context, group, channelID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.groups[group] == nil {
		t.groups[group] = make(map[string]bool)
	}
	t.groups[group][channelID] = true
	return nil
}

func (t *fakeTransport) Leave(ctx context.Context, group, channelID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups[group], channelID)
	return nil
}

func (t *fakeTransport) Broadcast(ctx context.Context, group, event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, sentEvent{group: group, event: event, payload: payload})
	return nil
}

func (t *fakeTransport) broadcasts(event string) []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []any
	for _, e := range t.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}
