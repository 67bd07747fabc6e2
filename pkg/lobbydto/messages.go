package lobbydto

import "time"

type Connect struct {
	LobbyID   string `json:"lobbyId"`
	Token     string `json:"token,omitempty"`
	GuestToken string `json:"guestToken,omitempty"`
	GuestName  string `json:"guestName,omitempty"`
}

// Connected tells a client which identity its connection resolved to. Guests present
// GuestToken to reclaim their seat on reconnect.
type Connected struct {
	LobbyID    string `json:"lobbyId"`
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	Guest      bool   `json:"guest"`
	GuestToken string `json:"guestToken,omitempty"`
}

type MoveSubmit struct {
	Move string `json:"move"`
}

type ChatSend struct {
	Message string `json:"message"`
}

type TimeControl struct {
	InitialMs   int64 `json:"initialMs"`
	IncrementMs int64 `json:"incrementMs"`
}

type CreateLobby struct {
	TimeControls []TimeControl `json:"timeControls"`
	StartFEN     string        `json:"startFen,omitempty"`
	Rated        bool          `json:"rated"`
	Color        string        `json:"color,omitempty"`
}

type Clock struct {
	W int64 `json:"w"`
	B int64 `json:"b"`
}

type Outcome struct {
	Result string `json:"result"`
	By     string `json:"by"`
}

// MoveRequest is sent to the side to move; the client answers with MoveResponse.
type MoveRequest struct {
	LobbyID   string `json:"lobbyId"`
	GameID    string `json:"gameId"`
	Ply       int    `json:"ply"`
	Color     string `json:"color"`
	FEN       string `json:"fen"`
	TimeoutMs int64  `json:"timeoutMs"`
	Clock     Clock  `json:"clock"`
}

type MoveResponse struct {
	Move string `json:"move"`
}

type MovePlayed struct {
	LobbyID     string   `json:"lobbyId"`
	GameID      string   `json:"gameId"`
	Ply         int      `json:"ply"`
	Color       string   `json:"color"`
	UCI         string   `json:"uci"`
	SAN         string   `json:"san"`
	FEN         string   `json:"fen"`
	ActiveColor string   `json:"activeColor"`
	Clock       Clock    `json:"clock"`
	Outcome     *Outcome `json:"outcome,omitempty"`
}

type MoveRejected struct {
	GameID string      `json:"gameId"`
	Move   string      `json:"move"`
	Error  DomainError `json:"error"`
}

type RatingChange struct {
	UserID string  `json:"userId"`
	Rating float64 `json:"rating"`
	Delta  int     `json:"delta"`
}

type GameOutcome struct {
	LobbyID string             `json:"lobbyId"`
	GameID  string             `json:"gameId"`
	Outcome Outcome            `json:"outcome"`
	Scores  map[string]float64 `json:"scores"`
	Ratings []RatingChange     `json:"ratings,omitempty"`
}

type DrawOffer struct {
	GameID string `json:"gameId"`
	Color  string `json:"color"`
}

type Rematch struct {
	LobbyID string `json:"lobbyId"`
	Color   string `json:"color"`
	UserID  string `json:"userId"`
}

type ChatMessage struct {
	UserID  string    `json:"userId"`
	Name    string    `json:"name"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

type Detached struct {
	Reason string `json:"reason"`
}
