package lobby

import (
	"errors"

	"github.com/park285/cheese-lobby/internal/identity"
	"github.com/park285/cheese-lobby/internal/rules"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

// Errors
var (
	ErrUnauthenticated = errf("unauthenticated")
	ErrNotAMember      = errf("not a member of this lobby")
	ErrNotFound        = errf("lobby not found or expired")
	ErrExists          = errf("lobby already exists")
	ErrFull            = errf("lobby already has two players")
	ErrNoActiveGame    = errf("no active game")
	ErrStale           = errf("game state changed")
	ErrFlagged         = errf("time already expired")
	ErrInvalidOptions  = errf("invalid lobby options")
	ErrInvalidInput    = errf("invalid input")
	ErrNoDrawOffer     = errf("no draw offer from opponent")
	ErrGameInProgress  = errf("game still in progress")
	ErrRematchDeclined = errf("rematch declined")
	ErrAlreadyFinal    = errf("game already finalized")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// DomainErrorOf maps err onto the code sent to clients.
func DomainErrorOf(err error) lobbydto.DomainError {
	code := lobbydto.CodeInternal
	switch {
	case err == nil:
		return lobbydto.DomainError{}
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, identity.ErrUnauthenticated):
		code = lobbydto.CodeUnauthenticated
	case errors.Is(err, ErrNotAMember):
		code = lobbydto.CodeNotAMember
	case errors.Is(err, ErrNotFound):
		code = lobbydto.CodeNotFound
	case errors.Is(err, ErrNoActiveGame), errors.Is(err, rules.ErrGameOver):
		code = lobbydto.CodeNoActiveGame
	case errors.Is(err, ErrStale), errors.Is(err, ErrAlreadyFinal):
		code = lobbydto.CodeStale
	case errors.Is(err, rules.ErrIllegalMove):
		code = lobbydto.CodeIllegalMove
	case errors.Is(err, rules.ErrNotYourTurn):
		code = lobbydto.CodeNotYourTurn
	case errors.Is(err, ErrFlagged):
		code = lobbydto.CodeFlagged
	case errors.Is(err, ErrFull):
		code = lobbydto.CodeFull
	case errors.Is(err, ErrRematchDeclined):
		code = lobbydto.CodeDeclined
	case errors.Is(err, ErrInvalidOptions), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNoDrawOffer),
		errors.Is(err, ErrGameInProgress), errors.Is(err, rules.ErrInvalidFEN):
		code = lobbydto.CodeInvalid
	}
	if code == lobbydto.CodeInternal {
		return lobbydto.DomainError{Code: code, Message: "internal error"}
	}
	return lobbydto.DomainError{Code: code, Message: err.Error()}
}
