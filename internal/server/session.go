package server

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/identity"
	"github.com/park285/cheese-lobby/internal/transport"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

const disconnectTimeout = 5 * time.Second

var errMalformed = lobbydto.DomainError{Code: lobbydto.CodeInvalid, Message: "malformed payload"}

// session is one upgraded connection bound to a lobby. Calls arrive one at a time
// from Conn.Serve, so its fields need no lock.
type session struct {
	server  *Server
	lobbyID string
	id      domain.Identity
	conn    *transport.Conn
}

func (s *session) connect(ctx context.Context) error {
	if _, err := s.server.lobbies.Connect(ctx, s.lobbyID, s.id, s.conn.ID()); err != nil {
		return err
	}
	who, err := s.server.connected(s.lobbyID, s.id)
	if err != nil {
		return err
	}
	return s.conn.Emit(ctx, lobbydto.EventConnected, who)
}

// close releases the connection and marks the seat disconnected.
func (s *session) close() {
	s.server.hub.Release(s.conn)
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := s.server.lobbies.Disconnect(ctx, s.lobbyID, s.id.ID, s.conn.ID()); err != nil {
		s.server.logger.Warn("ws_disconnect_failed",
			zap.String("lobby_id", s.lobbyID),
			zap.String("user_id", s.id.ID),
			zap.Error(err),
		)
	}
}

func (s *session) handle(ctx context.Context, _ *transport.Conn, f lobbydto.Frame) lobbydto.Frame {
	data, err := s.dispatch(ctx, f)
	if err != nil {
		de := domainError(err)
		if de.Code == lobbydto.CodeInternal {
			s.server.logger.Error("ws_call_failed",
				zap.String("lobby_id", s.lobbyID),
				zap.String("user_id", s.id.ID),
				zap.String("event", f.Event),
				zap.Error(err),
			)
		}
		return lobbydto.Fail(f.ID, de)
	}
	ack, err := lobbydto.OK(f.ID, data)
	if err != nil {
		return lobbydto.Fail(f.ID, lobbydto.DomainError{Code: lobbydto.CodeInternal, Message: "internal error"})
	}
	return ack
}

func (s *session) dispatch(ctx context.Context, f lobbydto.Frame) (any, error) {
	l := s.server.lobbies
	switch f.Event {
	case lobbydto.CallConnect:
		return s.reconnect(ctx, f.Payload)
	case lobbydto.CallSnapshot:
		return l.Snapshot(ctx, s.lobbyID)
	case lobbydto.CallMoveSubmit:
		var req lobbydto.MoveSubmit
		if err := decode(f.Payload, &req); err != nil {
			return nil, err
		}
		return l.SubmitMove(ctx, s.lobbyID, s.id, req.Move)
	case lobbydto.CallChatSend:
		var req lobbydto.ChatSend
		if err := decode(f.Payload, &req); err != nil {
			return nil, err
		}
		return nil, l.SendChat(ctx, s.lobbyID, s.id, req.Message)
	case lobbydto.CallResign:
		return nil, l.Resign(ctx, s.lobbyID, s.id)
	case lobbydto.CallOfferDraw:
		return nil, l.OfferDraw(ctx, s.lobbyID, s.id)
	case lobbydto.CallAcceptDraw:
		return nil, l.AcceptDraw(ctx, s.lobbyID, s.id)
	case lobbydto.CallDeclineDraw:
		return nil, l.DeclineDraw(ctx, s.lobbyID, s.id)
	case lobbydto.CallRequestRematch:
		return nil, l.RequestRematch(ctx, s.lobbyID, s.id)
	case lobbydto.CallAcceptRematch:
		return nil, l.AcceptRematch(ctx, s.lobbyID, s.id)
	case lobbydto.CallDeclineRematch:
		return nil, l.DeclineRematch(ctx, s.lobbyID, s.id)
	default:
		return nil, lobbydto.DomainError{Code: lobbydto.CodeInvalid, Message: "unknown call " + f.Event}
	}
}

// reconnect re-runs connect on this channel. Credentials in the payload replace the
// session identity only when they resolve.
func (s *session) reconnect(ctx context.Context, raw json.RawMessage) (any, error) {
	var req lobbydto.Connect
	if len(raw) > 0 {
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
	}
	if req.LobbyID != "" && req.LobbyID != s.lobbyID {
		return nil, lobbydto.DomainError{Code: lobbydto.CodeInvalid, Message: "connection is bound to another lobby"}
	}
	id := s.id
	if req.Token != "" || req.GuestToken != "" {
		resolved, err := s.server.identities.Resolve(ctx, identity.Credentials{
			Token:      req.Token,
			GuestToken: req.GuestToken,
			GuestName:  req.GuestName,
		})
		if err != nil {
			return nil, err
		}
		id = resolved
	}
	if id.ID != s.id.ID {
		// the previous identity's seat is released before the new one connects
		if err := s.server.lobbies.Disconnect(ctx, s.lobbyID, s.id.ID, s.conn.ID()); err != nil {
			return nil, err
		}
	}
	s.id = id
	if _, err := s.server.lobbies.Connect(ctx, s.lobbyID, id, s.conn.ID()); err != nil {
		return nil, err
	}
	return s.server.connected(s.lobbyID, id)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errMalformed
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errMalformed
	}
	return nil
}
