package lobbydto

// Error codes carried in an error acknowledgement.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeNotAMember      = "not_a_member"
	CodeNotFound        = "not_found"
	CodeNoActiveGame    = "no_active_game"
	CodeStale           = "stale"
	CodeIllegalMove     = "illegal_move"
	CodeNotYourTurn     = "not_your_turn"
	CodeFlagged         = "flagged"
	CodeFull            = "full"
	CodeDeclined        = "declined"
	CodeInvalid         = "invalid"
	CodeInternal        = "internal"
)

type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "lobby error"
}
