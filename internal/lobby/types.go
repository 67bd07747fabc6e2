package lobby

import (
	"time"

	"github.com/park285/cheese-lobby/internal/clock"
	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/rating"
	"github.com/park285/cheese-lobby/internal/rules"
)

// ColorPolicy is the creator's color preference for the first game.
type ColorPolicy string

const (
	ColorRandom ColorPolicy = "random"
	ColorWhite  ColorPolicy = "white"
	ColorBlack  ColorPolicy = "black"
)

// Options configure the games played in a lobby.
type Options struct {
	TimeControls []domain.TimeControl `json:"timeControls"`
	StartFEN     string               `json:"startFen,omitempty"`
	Rated        bool                 `json:"rated"`
	Color        ColorPolicy          `json:"color"`
}

// Connection is a participant attached to the lobby.
type Connection struct {
	Identity       domain.Identity                   `json:"identity"`
	ChannelID      string                            `json:"channelId,omitempty"`
	Connected      bool                              `json:"connected"`
	Score          float64                           `json:"score"`
	DisconnectedAt *time.Time                        `json:"disconnectedAt,omitempty"`
	Ratings        map[domain.Category]rating.Rating `json:"ratings,omitempty"`
	LastDelta      int                               `json:"lastDelta,omitempty"`
}

type ChatMessage struct {
	Identity domain.Identity `json:"identity"`
	Message  string          `json:"message"`
	SentAt   time.Time       `json:"sentAt"`
}

// Rematch is a per-color tri-state: nil unset, true requested, false declined.
type Rematch struct {
	W *bool `json:"w"`
	B *bool `json:"b"`
}

func (r Rematch) Of(c domain.Color) *bool {
	if c == domain.Black {
		return r.B
	}
	return r.W
}

func (r *Rematch) Set(c domain.Color, v bool) {
	if c == domain.Black {
		r.B = &v
	} else {
		r.W = &v
	}
}

// Players maps colors to identities for one game.
type Players struct {
	W domain.Identity `json:"w"`
	B domain.Identity `json:"b"`
}

func (p Players) Of(c domain.Color) domain.Identity {
	if c == domain.Black {
		return p.B
	}
	return p.W
}

// Game is one game instance inside a lobby.
type Game struct {
	ID          string             `json:"id"`
	Players     Players            `json:"players"`
	Data        rules.GameData     `json:"data"`
	Clock       clock.State        `json:"clock"`
	TimeControl domain.TimeControl `json:"timeControl"`
	Category    domain.Category    `json:"category"`
	Rated       bool               `json:"rated"`
	DrawOffered domain.Color       `json:"drawOffered,omitempty"`
	Finalized   bool               `json:"finalized"`
	StartedAt   time.Time          `json:"startedAt"`
	EndedAt     *time.Time         `json:"endedAt,omitempty"`
}

// ColorOf returns the color userID plays, or "" for a non-player.
func (g *Game) ColorOf(userID string) domain.Color {
	switch {
	case g == nil || userID == "":
		return ""
	case g.Players.W.ID == userID:
		return domain.White
	case g.Players.B.ID == userID:
		return domain.Black
	}
	return ""
}

// Active reports whether the game has no outcome yet.
func (g *Game) Active() bool { return g != nil && g.Data.Outcome == nil }

// Timed reports whether the game runs a clock.
func (g *Game) Timed() bool { return g != nil && g.TimeControl.InitialMs > 0 }

func (g *Game) end(o *domain.Outcome, at time.Time) {
	g.Data.Outcome = o
	g.DrawOffered = ""
	t := at
	g.EndedAt = &t
}

// Lobby is the document stored per lobby id.
type Lobby struct {
	ID          string            `json:"id"`
	Creator     domain.Identity   `json:"creator"`
	Reserved    []domain.Identity `json:"reservedConnections"`
	Connections []Connection      `json:"connections"`
	Options     Options           `json:"options"`
	CurrentGame *Game             `json:"currentGame"`
	Rematch     Rematch           `json:"rematchRequested"`
	Chat        []ChatMessage     `json:"chat"`
	GamesPlayed int               `json:"gamesPlayed"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

func (l *Lobby) IsReserved(userID string) bool {
	for _, id := range l.Reserved {
		if id.ID == userID {
			return true
		}
	}
	return false
}

// Connection returns the record for userID, or nil.
func (l *Lobby) Connection(userID string) *Connection {
	for i := range l.Connections {
		if l.Connections[i].Identity.ID == userID {
			return &l.Connections[i]
		}
	}
	return nil
}

// ConnectedPlayers counts reserved identities with a live connection.
func (l *Lobby) ConnectedPlayers() int {
	n := 0
	for _, c := range l.Connections {
		if c.Connected && l.IsReserved(c.Identity.ID) {
			n++
		}
	}
	return n
}

// Public returns a copy safe to send to clients: channel ids are dropped and the
// running clock is brought up to now.
func (l *Lobby) Public(now time.Time) *Lobby {
	if l == nil {
		return nil
	}
	out := *l
	out.Reserved = append([]domain.Identity(nil), l.Reserved...)
	out.Connections = make([]Connection, len(l.Connections))
	for i, c := range l.Connections {
		c.ChannelID = ""
		out.Connections[i] = c
	}
	out.Chat = append([]ChatMessage(nil), l.Chat...)
	if l.CurrentGame != nil {
		g := l.CurrentGame.public(now)
		out.CurrentGame = &g
	}
	return &out
}

func (g *Game) public(now time.Time) Game {
	out := *g
	out.Data = g.Data.Clone()
	if g.Active() && g.Timed() {
		out.Clock.TimeRemainingMs = clock.Snapshot(g.Clock, g.Data.ActiveColor, now)
	}
	return out
}
