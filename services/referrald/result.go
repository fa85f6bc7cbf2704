package referrald

import (
	"math/big"

	"cgdao/native/referral"
)

// DistributionStatus is the terminal state reported for one distribution call.
type DistributionStatus string

const (
	StatusCompleted         DistributionStatus = "completed"
	StatusAlreadyReceived   DistributionStatus = "already_received"
	StatusPartial           DistributionStatus = "partial"
	StatusInProgress        DistributionStatus = "in_progress"
	StatusNotEligible       DistributionStatus = "not_eligible"
	StatusExceedsCap        DistributionStatus = "exceeds_cap"
	StatusTreasuryExhausted DistributionStatus = "treasury_exhausted"
	StatusPaused            DistributionStatus = "paused"
	StatusFailed            DistributionStatus = "failed"
)

// LegError describes why a leg, or the whole distribution, did not pay.
type LegError struct {
	Kind      referral.Kind `json:"kind"`
	Message   string        `json:"message"`
	Retriable bool          `json:"retriable"`
}

// BonusOutcome reports the new-user bonus leg.
type BonusOutcome struct {
	Paid   bool          `json:"paid"`
	Amount string        `json:"amount"`
	TxHash string        `json:"txHash,omitempty"`
	Error  string        `json:"error,omitempty"`
	Kind   referral.Kind `json:"kind,omitempty"`
}

// CommissionOutcome reports one referrer commission leg.
type CommissionOutcome struct {
	Referrer string        `json:"referrer"`
	Level    int           `json:"level"`
	Amount   string        `json:"amount"`
	Paid     bool          `json:"paid"`
	TxHash   string        `json:"txHash,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     referral.Kind `json:"kind,omitempty"`
}

// DistributionResult is the response body of a signup bonus distribution.
// Success is true only when every expected leg has a persisted record.
type DistributionResult struct {
	Success             bool                `json:"success"`
	Status              DistributionStatus  `json:"status"`
	AlreadyReceived     bool                `json:"alreadyReceived"`
	Wallet              string              `json:"wallet"`
	NewUserBonus        *BonusOutcome       `json:"newUserBonus,omitempty"`
	ReferrerCommissions []CommissionOutcome `json:"referrerCommissions"`
	TotalDistributed    string              `json:"totalDistributed"`
	Errors              []LegError          `json:"errors"`
	Retriable           bool                `json:"retriable"`
}

func newResult(wallet string) *DistributionResult {
	return &DistributionResult{
		Wallet:              wallet,
		ReferrerCommissions: []CommissionOutcome{},
		TotalDistributed:    "0",
		Errors:              []LegError{},
	}
}

func (r *DistributionResult) fail(status DistributionStatus, kind referral.Kind, message string) *DistributionResult {
	r.Status = status
	r.Success = false
	r.addError(kind, message)
	return r
}

func (r *DistributionResult) addError(kind referral.Kind, message string) {
	retriable := kind.Retriable()
	r.Errors = append(r.Errors, LegError{Kind: kind, Message: message, Retriable: retriable})
	if retriable {
		r.Retriable = true
	}
}

// Err returns the sentinel matching the result status, or nil on success.
func (r *DistributionResult) Err() error {
	switch r.Status {
	case StatusCompleted, StatusAlreadyReceived:
		return nil
	case StatusNotEligible:
		return referral.ErrNotEligible
	case StatusExceedsCap:
		return referral.ErrExceedsCap
	case StatusTreasuryExhausted:
		return referral.ErrTreasuryExhausted
	case StatusPaused:
		return referral.ErrPaused
	case StatusInProgress:
		return referral.ErrTransferInProgress
	default:
		return referral.ErrTransferFailed
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
