package referral

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrNotEligible        = errors.New("referral: no referral found for wallet")
	ErrAlreadyDistributed = errors.New("referral: signup bonus already distributed")
	ErrExceedsCap         = errors.New("referral: distribution exceeds per-signup cap")
	ErrTreasuryExhausted  = errors.New("referral: treasury exhausted")
	ErrTransferFailed     = errors.New("referral: transfer failed")
	ErrTransferTimeout    = errors.New("referral: transfer outcome unknown")
	ErrTransferInProgress = errors.New("referral: transfer in progress")
	ErrPaused             = errors.New("referral: distribution paused")
	ErrInvalidAddress     = errors.New("referral: invalid wallet address")
	ErrInvalidCode        = errors.New("referral: invalid referral code")
	ErrCodeNotFound       = errors.New("referral: referral code not found")
	ErrSelfReferral       = errors.New("referral: wallet cannot use its own code")
	ErrReferralCycle      = errors.New("referral: referral would create a cycle")
	ErrInvalidChain       = errors.New("referral: invalid referral chain")
	ErrInvalidSchedule    = errors.New("referral: invalid reward schedule")
	ErrNotFound           = errors.New("referral: record not found")
)

// ExceedsCapError reports a computed distribution above MaxPerSignup.
type ExceedsCapError struct {
	Total *big.Int
	Cap   *big.Int
}

func (e *ExceedsCapError) Error() string {
	return fmt.Sprintf("referral: distribution total %s exceeds per-signup cap %s", e.Total, e.Cap)
}

// Is lets errors.Is(err, ErrExceedsCap) match.
func (e *ExceedsCapError) Is(target error) bool {
	return target == ErrExceedsCap
}

// Kind is the stable machine-readable error class surfaced to API callers.
type Kind string

const (
	KindNotEligible       Kind = "not_eligible"
	KindExceedsCap        Kind = "exceeds_cap"
	KindTreasuryExhausted Kind = "treasury_exhausted"
	KindTransferFailed    Kind = "transfer_failed"
	KindTimeout           Kind = "timeout"
	KindInProgress        Kind = "in_progress"
	KindPaused            Kind = "paused"
	KindInvalidInput      Kind = "invalid_input"
	KindInternal          Kind = "internal"
)

// Retriable reports whether repeating the same call may succeed without a
// policy or schedule change.
func (k Kind) Retriable() bool {
	switch k {
	case KindTreasuryExhausted, KindTransferFailed, KindTimeout, KindInProgress, KindPaused, KindInternal:
		return true
	default:
		return false
	}
}

// KindOf classifies err into a Kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotEligible):
		return KindNotEligible
	case errors.Is(err, ErrExceedsCap):
		return KindExceedsCap
	case errors.Is(err, ErrTreasuryExhausted):
		return KindTreasuryExhausted
	case errors.Is(err, ErrTransferTimeout):
		return KindTimeout
	case errors.Is(err, ErrTransferInProgress):
		return KindInProgress
	case errors.Is(err, ErrTransferFailed):
		return KindTransferFailed
	case errors.Is(err, ErrPaused):
		return KindPaused
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidCode), errors.Is(err, ErrCodeNotFound),
		errors.Is(err, ErrSelfReferral), errors.Is(err, ErrReferralCycle):
		return KindInvalidInput
	default:
		return KindInternal
	}
}
