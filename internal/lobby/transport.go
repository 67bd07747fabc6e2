package lobby

import (
	"context"
	"encoding/json"
)

// Channel is one client connection as seen by the coordinator.
type Channel interface {
	ID() string
	// Emit sends a one-way event to this connection.
	Emit(ctx context.Context, event string, payload any) error
	// Request sends an event and blocks until the client acknowledges it or ctx is done.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Detach closes the connection after telling the client why.
	Detach(reason string)
}

// Transport resolves channels and fans events out to lobby groups.
type Transport interface {
	Lookup(channelID string) (Channel, bool)
	Join(ctx context.Context, group, channelID string) error
	Leave(ctx context.Context, group, channelID string) error
	Broadcast(ctx context.Context, group, event string, payload any) error
}
