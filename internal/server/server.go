// Package server exposes the lobby coordinator over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/identity"
	"github.com/park285/cheese-lobby/internal/lobby"
	"github.com/park285/cheese-lobby/internal/obslog"
	"github.com/park285/cheese-lobby/internal/transport"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

// Lobbies is the coordinator surface the server drives.
type Lobbies interface {
	CreateLobby(ctx context.Context, creator domain.Identity, opts lobby.Options) (*lobby.Lobby, error)
	Snapshot(ctx context.Context, lobbyID string) (*lobby.Lobby, error)
	Connect(ctx context.Context, lobbyID string, id domain.Identity, channelID string) (*lobby.Lobby, error)
	Disconnect(ctx context.Context, lobbyID, userID, channelID string) error
	SubmitMove(ctx context.Context, lobbyID string, id domain.Identity, move string) (*lobby.Lobby, error)
	Resign(ctx context.Context, lobbyID string, id domain.Identity) error
	OfferDraw(ctx context.Context, lobbyID string, id domain.Identity) error
	AcceptDraw(ctx context.Context, lobbyID string, id domain.Identity) error
	DeclineDraw(ctx context.Context, lobbyID string, id domain.Identity) error
	RequestRematch(ctx context.Context, lobbyID string, id domain.Identity) error
	AcceptRematch(ctx context.Context, lobbyID string, id domain.Identity) error
	DeclineRematch(ctx context.Context, lobbyID string, id domain.Identity) error
	SendChat(ctx context.Context, lobbyID string, id domain.Identity, message string) error
}

var _ Lobbies = (*lobby.Coordinator)(nil)

// Identities resolves credentials and issues guest seat tokens.
type Identities interface {
	identity.Resolver
	GuestToken(id domain.Identity) (string, error)
}

var _ Identities = (*identity.Provider)(nil)

type Server struct {
	lobbies    Lobbies
	hub        *transport.Hub
	identities Identities
	logger     *zap.Logger
	origins    []string
	engine     *gin.Engine
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithAllowedOrigins limits CORS and WebSocket origins. Empty allows any origin.
func WithAllowedOrigins(origins []string) Option { return func(s *Server) { s.origins = origins } }

func New(lobbies Lobbies, hub *transport.Hub, identities Identities, opts ...Option) *Server {
	s := &Server{lobbies: lobbies, hub: hub, identities: identities}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = obslog.Named("server")
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))
	r.GET("/healthz", s.health)
	r.POST("/api/lobbies", s.createLobby)
	r.GET("/api/lobbies/:id", s.getLobby)
	r.GET("/ws/:id", s.serveWS)
	s.engine = r
	return s
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", headerGuestToken, headerGuestName},
		AllowCredentials: true,
	})
	return c.Handler(s.engine)
}

const (
	headerGuestToken = "X-Guest-Token"
	headerGuestName  = "X-Guest-Name"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": lobbydto.StatusOK})
}

func (s *Server) createLobby(c *gin.Context) {
	id, err := s.identities.Resolve(c.Request.Context(), credentialsFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	var req lobbydto.CreateLobby
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, lobbydto.DomainError{Code: lobbydto.CodeInvalid, Message: "malformed request body"})
		return
	}
	l, err := s.lobbies.CreateLobby(c.Request.Context(), id, optionsFrom(req))
	if err != nil {
		s.fail(c, err)
		return
	}
	who, err := s.connected(l.ID, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"status": lobbydto.StatusOK,
		"data": gin.H{
			"lobby":    l,
			"identity": who,
		},
	})
}

func (s *Server) getLobby(c *gin.Context) {
	l, err := s.lobbies.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": lobbydto.StatusOK, "data": l})
}

func (s *Server) serveWS(c *gin.Context) {
	ctx := c.Request.Context()
	lobbyID := c.Param("id")
	id, err := s.identities.Resolve(ctx, credentialsFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.lobbies.Snapshot(ctx, lobbyID); err != nil {
		s.fail(c, err)
		return
	}

	conn, err := s.hub.Accept(c.Writer, c.Request, s.acceptOptions())
	if err != nil {
		s.logger.Info("ws_upgrade_failed", zap.String("lobby_id", lobbyID), zap.Error(err))
		return
	}
	sess := &session{server: s, lobbyID: lobbyID, id: id, conn: conn}
	defer sess.close()

	if err := sess.connect(ctx); err != nil {
		de := domainError(err)
		_ = conn.Emit(ctx, lobbydto.EventDetached, lobbydto.Detached{Reason: de.Code})
		conn.Detach(de.Error())
		return
	}
	if err := conn.Serve(ctx, sess.handle); err != nil {
		s.logger.Debug("ws_serve_ended", zap.String("lobby_id", lobbyID), zap.String("user_id", sess.id.ID), zap.Error(err))
	}
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if len(s.origins) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: originPatterns(s.origins)}
}

// originPatterns turns configured origins ("https://app.example.com") into the host
// patterns the WebSocket handshake checks.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

func credentialsFrom(c *gin.Context) identity.Credentials {
	cred := identity.Credentials{
		Token:      c.GetHeader("Authorization"),
		GuestToken: c.GetHeader(headerGuestToken),
		GuestName:  c.GetHeader(headerGuestName),
	}
	if v := c.Query("token"); v != "" {
		cred.Token = v
	}
	if v := c.Query("guestToken"); v != "" {
		cred.GuestToken = v
	}
	if v := c.Query("guestName"); v != "" {
		cred.GuestName = v
	}
	return cred
}

func optionsFrom(req lobbydto.CreateLobby) lobby.Options {
	opts := lobby.Options{
		StartFEN: req.StartFEN,
		Rated:    req.Rated,
		Color:    lobby.ColorPolicy(strings.ToLower(strings.TrimSpace(req.Color))),
	}
	for _, tc := range req.TimeControls {
		opts.TimeControls = append(opts.TimeControls, domain.TimeControl{InitialMs: tc.InitialMs, IncrementMs: tc.IncrementMs})
	}
	return opts
}

// connected describes id to its own client, with a fresh seat token for guests.
func (s *Server) connected(lobbyID string, id domain.Identity) (lobbydto.Connected, error) {
	seat, err := s.identities.GuestToken(id)
	if err != nil {
		return lobbydto.Connected{}, err
	}
	return lobbydto.Connected{LobbyID: lobbyID, UserID: id.ID, Name: id.Name, Guest: id.Guest, GuestToken: seat}, nil
}

func (s *Server) fail(c *gin.Context, err error) {
	de := domainError(err)
	if de.Code == lobbydto.CodeInternal {
		s.logger.Error("http_request_failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(httpStatus(de.Code), gin.H{"status": lobbydto.StatusError, "error": de})
}

// domainError keeps errors that already carry a wire code and maps the rest.
func domainError(err error) lobbydto.DomainError {
	var de lobbydto.DomainError
	if errors.As(err, &de) {
		return de
	}
	return lobby.DomainErrorOf(err)
}

func httpStatus(code string) int {
	switch code {
	case lobbydto.CodeUnauthenticated:
		return http.StatusUnauthorized
	case lobbydto.CodeNotAMember:
		return http.StatusForbidden
	case lobbydto.CodeNotFound:
		return http.StatusNotFound
	case lobbydto.CodeInvalid:
		return http.StatusBadRequest
	case lobbydto.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}
