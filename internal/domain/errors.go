package domain

import "errors"

// Sentinel errors surfaced by the match lifecycle. Callers match on these
// with errors.Is; the HTTP layer maps the categories below onto status codes.
var (
	// Validation failures: the request is well-formed but not allowed.
	ErrStakeBelowMinimum = errors.New("stake below contract minimum")
	ErrSelfJoin          = errors.New("cannot join own match")
	ErrNotYourTurn       = errors.New("not your turn")
	ErrIllegalMove       = errors.New("illegal move")
	ErrNotParticipant    = errors.New("address is not a participant")
	ErrMatchNotStarted   = errors.New("match has not started")
	ErrMatchEnded        = errors.New("match already ended")

	// Lookup failures.
	ErrMatchNotFound = errors.New("match not found")

	// Settlement failures from the escrow contract.
	ErrPayInRejected    = errors.New("stake pay-in rejected")
	ErrSettlementFailed = errors.New("settlement failed")

	// Sync failures from the match store.
	ErrSubscriptionClosed = errors.New("match subscription closed")
	ErrStoreUnavailable   = errors.New("match store unavailable")

	// Concurrency hazard: a concurrent writer won the version race.
	ErrVersionConflict = errors.New("match version conflict")

	// Generic request failures surfaced by the HTTP layer.
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal error")
)

// IsValidationError reports whether err is a rejected-request error rather
// than an infrastructure failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrStakeBelowMinimum) ||
		errors.Is(err, ErrSelfJoin) ||
		errors.Is(err, ErrNotYourTurn) ||
		errors.Is(err, ErrIllegalMove) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrMatchNotStarted) ||
		errors.Is(err, ErrMatchEnded)
}

// IsNotFoundError reports whether err means the match does not exist or is
// no longer visible to the caller.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrMatchNotFound)
}

// IsSettlementError reports whether err originated in the escrow gateway.
func IsSettlementError(err error) bool {
	return errors.Is(err, ErrPayInRejected) || errors.Is(err, ErrSettlementFailed)
}

// IsConflictError reports whether err is a lost optimistic-concurrency race.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
