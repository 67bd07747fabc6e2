// Package rules adapts github.com/corentings/chess/v2 to the lobby's game data model.
//
// GameData is a plain JSON-serializable value. Every operation rebuilds the engine game
// from the start position and the stored UCI moves, so the engine never owns state
// between calls.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-lobby/internal/domain"
)

var (
	ErrIllegalMove = errors.New("illegal move")
	ErrNotYourTurn = errors.New("not your turn")
	ErrGameOver    = errors.New("game already over")
	ErrInvalidFEN  = errors.New("invalid start position")
)

// GameData is the rules-owned position and history of one game.
type GameData struct {
	StartFEN    string          `json:"startFen,omitempty"`
	FEN         string          `json:"fen"`
	MovesUCI    []string        `json:"movesUci"`
	MovesSAN    []string        `json:"movesSan"`
	ClocksMs    []int64         `json:"clocksMs"`
	ActiveColor domain.Color    `json:"activeColor"`
	Outcome     *domain.Outcome `json:"outcome"`
}

// Ply returns the number of half-moves played.
func (d GameData) Ply() int { return len(d.MovesUCI) }

// Over reports whether an outcome has been recorded.
func (d GameData) Over() bool { return d.Outcome != nil }

// Clone returns a deep copy.
func (d GameData) Clone() GameData {
	out := d
	out.MovesUCI = append([]string(nil), d.MovesUCI...)
	out.MovesSAN = append([]string(nil), d.MovesSAN...)
	out.ClocksMs = append([]int64(nil), d.ClocksMs...)
	if d.Outcome != nil {
		o := *d.Outcome
		out.Outcome = &o
	}
	return out
}

// CreateGame returns fresh game data for startFEN; an empty string means the standard position.
func CreateGame(startFEN string) (GameData, error) {
	startFEN = strings.TrimSpace(startFEN)
	game, err := newEngineGame(startFEN)
	if err != nil {
		return GameData{}, err
	}
	if game.Outcome() != nchess.NoOutcome {
		return GameData{}, fmt.Errorf("%w: position is already decided", ErrInvalidFEN)
	}
	return GameData{
		StartFEN:    startFEN,
		FEN:         game.FEN(),
		MovesUCI:    []string{},
		MovesSAN:    []string{},
		ClocksMs:    []int64{},
		ActiveColor: colorFrom(game.Position().Turn()),
	}, nil
}

// ValidateFEN checks that fen parses into a playable position.
func ValidateFEN(fen string) error {
	_, err := CreateGame(fen)
	return err
}

// ApplyMove plays move for color. The move may be UCI ("e2e4", "e7e8q") or SAN ("Nf3").
// timeRemainingMs is recorded as the mover's clock annotation for the ply.
// The input is not modified.
func ApplyMove(data GameData, color domain.Color, move string, timeRemainingMs int64) (GameData, error) {
	if data.Over() {
		return data, ErrGameOver
	}
	if color != data.ActiveColor {
		return data, ErrNotYourTurn
	}
	raw := strings.TrimSpace(move)
	if raw == "" {
		return data, fmt.Errorf("%w: empty move", ErrIllegalMove)
	}
	game, err := reconstruct(data)
	if err != nil {
		return data, err
	}

	out := data.Clone()
	pos := game.Position()
	if mv, derr := (nchess.UCINotation{}).Decode(pos, strings.ToLower(raw)); derr == nil {
		if !isLegal(game, mv.String()) {
			return data, fmt.Errorf("%w: %s", ErrIllegalMove, raw)
		}
		san := nchess.AlgebraicNotation{}.Encode(pos, mv)
		if err := game.Move(mv, nil); err != nil {
			return data, fmt.Errorf("%w: %s", ErrIllegalMove, raw)
		}
		out.MovesUCI = append(out.MovesUCI, mv.String())
		out.MovesSAN = append(out.MovesSAN, san)
	} else {
		if err := game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
			return data, fmt.Errorf("%w: %s", ErrIllegalMove, raw)
		}
		last := lastMove(game)
		if last == nil {
			return data, fmt.Errorf("%w: %s", ErrIllegalMove, raw)
		}
		out.MovesUCI = append(out.MovesUCI, last.String())
		out.MovesSAN = append(out.MovesSAN, nchess.AlgebraicNotation{}.Encode(pos, last))
	}
	if timeRemainingMs < 0 {
		timeRemainingMs = 0
	}
	out.ClocksMs = append(out.ClocksMs, timeRemainingMs)
	out.FEN = game.FEN()
	out.ActiveColor = colorFrom(game.Position().Turn())
	out.Outcome = outcomeFrom(game)
	return out, nil
}

// LegalMoves lists the legal moves of the side to move in UCI.
func LegalMoves(data GameData) ([]string, error) {
	if data.Over() {
		return []string{}, nil
	}
	game, err := reconstruct(data)
	if err != nil {
		return nil, err
	}
	moves := game.ValidMoves()
	out := make([]string, 0, len(moves))
	for i := range moves {
		out = append(out, moves[i].String())
	}
	return out, nil
}

func isLegal(game *nchess.Game, uci string) bool {
	moves := game.ValidMoves()
	for i := range moves {
		if moves[i].String() == uci {
			return true
		}
	}
	return false
}

func newEngineGame(startFEN string) (*nchess.Game, error) {
	if startFEN == "" || startFEN == "startpos" {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(startFEN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFEN, err)
	}
	return nchess.NewGame(opt), nil
}

func reconstruct(data GameData) (*nchess.Game, error) {
	game, err := newEngineGame(data.StartFEN)
	if err != nil {
		return nil, err
	}
	for _, mv := range data.MovesUCI {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay %q: %w", mv, err)
		}
	}
	return game, nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func colorFrom(c nchess.Color) domain.Color {
	if c == nchess.Black {
		return domain.Black
	}
	return domain.White
}

func outcomeFrom(game *nchess.Game) *domain.Outcome {
	switch game.Outcome() {
	case nchess.WhiteWon:
		return domain.WinFor(domain.White, methodName(game.Method()))
	case nchess.BlackWon:
		return domain.WinFor(domain.Black, methodName(game.Method()))
	case nchess.Draw:
		return domain.DrawBy(methodName(game.Method()))
	}
	return nil
}

func methodName(m nchess.Method) string {
	switch m {
	case nchess.Checkmate:
		return domain.ByCheckmate
	case nchess.Stalemate:
		return domain.ByStalemate
	case nchess.InsufficientMaterial:
		return domain.ByInsufficientMaterial
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return domain.ByRepetition
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return domain.ByMoveRule
	}
	return strings.ToLower(m.String())
}
