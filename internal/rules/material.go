package rules

import (
	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-lobby/internal/domain"
)

// IsSufficientMaterial reports whether color still has material that could deliver mate.
// A bare king or a king with a single minor piece is insufficient.
func IsSufficientMaterial(data GameData, color domain.Color) (bool, error) {
	game, err := reconstruct(data)
	if err != nil {
		return false, err
	}
	board := game.Position().Board()
	minors := 0
	for file := nchess.FileA; file <= nchess.FileH; file++ {
		for rank := nchess.Rank1; rank <= nchess.Rank8; rank++ {
			piece := board.Piece(nchess.NewSquare(file, rank))
			if piece == nchess.NoPiece || colorFrom(piece.Color()) != color {
				continue
			}
			switch piece.Type() {
			case nchess.King:
			case nchess.Knight, nchess.Bishop:
				minors++
			default:
				return true, nil
			}
		}
	}
	return minors >= 2, nil
}
