package domain

import (
	"errors"
	"fmt"
)

// State-conflict errors. All of them mean the caller acted on a stale view of
// the installment and must re-fetch before doing anything else.
var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrVersionConflict        = errors.New("installment was modified concurrently")
	ErrDuplicateActiveVoucher = errors.New("installment already has a pending voucher")
	ErrChargeInFlight         = errors.New("installment already has a charge attempt in flight")
	ErrAlreadyDecided         = errors.New("voucher was already decided")
	ErrAlreadyVerified        = errors.New("installment is already verified")
)

// ValidationError rejects bad input before any state is touched. Fully
// recoverable: the caller fixes the field and retries.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	ErrNotFound = errors.New("not found")

	// ErrSavedCardNeedsToken: the gateway cannot run step-up authentication
	// against a persistent card id. The payer has to re-enter card details so
	// a fresh one-time token can go through the challenge flow.
	ErrSavedCardNeedsToken = errors.New("saved card requires a fresh token for step-up authentication")

	ErrMethodNotChargeable = errors.New("payment method has no gateway card id")

	ErrChallengeExpired   = errors.New("challenge session expired")
	ErrChallengeCancelled = errors.New("challenge session cancelled")
)

// CardDeclinedError keeps the gateway's decline code so it can be shown to
// the payer verbatim. A decline is terminal for the attempt.
type CardDeclinedError struct {
	Code    string
	Message string
}

func (e *CardDeclinedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("card declined (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("card declined (%s)", e.Code)
}

// IsStateConflict reports whether err belongs to the conflict family that maps
// to HTTP 409 and the "refresh to see current status" client behavior.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrDuplicateActiveVoucher) ||
		errors.Is(err, ErrChargeInFlight) ||
		errors.Is(err, ErrAlreadyDecided) ||
		errors.Is(err, ErrAlreadyVerified)
}
