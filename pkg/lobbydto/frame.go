// Package lobbydto defines the JSON frames exchanged with lobby clients over WebSocket.
package lobbydto

import "encoding/json"

// Server-originated events.
const (
	EventLobbyUpdate      = "lobby:update"
	EventLobbyChat        = "lobby:chat"
	EventRematchRequested = "lobby:rematch-requested"
	EventRematchDeclined  = "lobby:rematch-declined"
	EventDetached         = "lobby:detached"
	EventConnected        = "lobby:connected"
	EventGameNew          = "game:new"
	EventGameMove         = "game:move"
	EventGameOutcome      = "game:outcome"
	EventDrawOffered      = "game:draw-offered"
	EventDrawDeclined     = "game:draw-declined"
	EventMoveRejected     = "game:move-rejected"
	EventMoveRequest      = "game:move-request"
	EventAck              = "ack"
)

// Client-originated calls. Each is answered with an EventAck frame carrying the same ID.
const (
	CallConnect        = "connect"
	CallMoveSubmit     = "move-submit"
	CallResign         = "resign"
	CallOfferDraw      = "offer-draw"
	CallAcceptDraw     = "accept-draw"
	CallDeclineDraw    = "decline-draw"
	CallRequestRematch = "request-rematch"
	CallAcceptRematch  = "accept-rematch"
	CallDeclineRematch = "decline-rematch"
	CallChatSend       = "chat-send"
	CallSnapshot       = "snapshot"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Frame is the single envelope used in both directions.
//
// Client calls set Event and ID. Server acks set Event=ack, Ack=<call id> and Status.
// Server requests (game:move-request) set ID and expect the client to answer with an
// ack frame whose Ack matches it.
type Frame struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Ack     string          `json:"ack,omitempty"`
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"data,omitempty"`
	Error   *DomainError    `json:"error,omitempty"`
}

// OK builds a success acknowledgement for call id.
func OK(id string, data any) (Frame, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: EventAck, Ack: id, Status: StatusOK, Payload: raw}, nil
}

// Fail builds an error acknowledgement for call id.
func Fail(id string, e DomainError) Frame {
	return Frame{Event: EventAck, Ack: id, Status: StatusError, Error: &e}
}

// Event builds a server push frame.
func Event(event string, data any) (Frame, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Payload: raw}, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
