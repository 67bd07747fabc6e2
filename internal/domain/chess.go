package domain

import "fmt"

// Color identifies a side. The zero value means "no side".
type Color string

const (
	White Color = "w"
	Black Color = "b"
)

func (c Color) Opp() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return ""
	}
}

func (c Color) Valid() bool { return c == White || c == Black }

// Result values stored in Outcome.Result.
const (
	ResultWhite = "w"
	ResultBlack = "b"
	ResultDraw  = "d"
)

// Termination reasons stored in Outcome.By.
const (
	ByCheckmate            = "checkmate"
	ByStalemate            = "stalemate"
	ByInsufficientMaterial = "insufficient"
	ByRepetition           = "repetition"
	ByMoveRule             = "move-rule"
	ByResignation          = "resignation"
	ByAgreement            = "agreement"
	ByTimeout              = "timeout"
	ByTimeoutInsufficient  = "timeout-w-insufficient"
	ByAbandonment          = "abandonment"
)

// Outcome describes how a game ended.
type Outcome struct {
	Result string `json:"result"`
	By     string `json:"by"`
}

func WinFor(c Color, by string) *Outcome { return &Outcome{Result: string(c), By: by} }

func DrawBy(by string) *Outcome { return &Outcome{Result: ResultDraw, By: by} }

// Winner returns the winning color, or "" for a draw.
func (o *Outcome) Winner() Color {
	if o == nil {
		return ""
	}
	switch o.Result {
	case ResultWhite:
		return White
	case ResultBlack:
		return Black
	}
	return ""
}

func (o *Outcome) IsDraw() bool { return o != nil && o.Result == ResultDraw }

// Score returns the game score from c's point of view (1, 0.5 or 0).
func (o *Outcome) Score(c Color) float64 {
	if o.IsDraw() {
		return 0.5
	}
	if o.Winner() == c {
		return 1
	}
	return 0
}

// PGN returns the PGN result token.
func (o *Outcome) PGN() string {
	if o == nil {
		return "*"
	}
	switch o.Result {
	case ResultWhite:
		return "1-0"
	case ResultBlack:
		return "0-1"
	case ResultDraw:
		return "1/2-1/2"
	}
	return "*"
}

// TimeControl is a base time plus a per-move increment, both in milliseconds.
type TimeControl struct {
	InitialMs   int64 `json:"initialMs" yaml:"initial_ms"`
	IncrementMs int64 `json:"incrementMs" yaml:"increment_ms"`
}

func (tc TimeControl) String() string {
	return fmt.Sprintf("%d+%d", tc.InitialMs/1000, tc.IncrementMs/1000)
}

// Category is a rating bucket derived from a time control.
type Category string

const (
	Bullet         Category = "bullet"
	Blitz          Category = "blitz"
	Rapid          Category = "rapid"
	Classical      Category = "classical"
	Puzzle         Category = "puzzle"
	Correspondence Category = "correspondence"
)

// Identity is a resolved connection principal. Guests carry an ephemeral ID.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Guest bool   `json:"guest"`
}

func (i Identity) Valid() bool { return i.ID != "" }
