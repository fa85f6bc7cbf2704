package referral

import (
	"math/big"
	"time"
)

// MaxLevels bounds the depth of a referral chain.
const MaxLevels = 3

// BonusLeg is the journal index of the new-user bonus transfer. Commission legs
// use their level (1..MaxLevels) as index.
const BonusLeg = 0

// Edge links a newly registered wallet to the wallet whose code it used.
// Edges are written once and never mutated.
type Edge struct {
	NewUser   string    `json:"newUser"`
	Referrer  string    `json:"referrer"`
	Level     int       `json:"level"`
	Code      string    `json:"referralCode"`
	Source    string    `json:"source,omitempty"`
	Campaign  string    `json:"campaign,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Code is a shareable referral code owned by a single wallet.
type Code struct {
	Code      string    `json:"code"`
	Owner     string    `json:"owner"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Click records an inbound referral link visit. The client IP is only ever
// kept as a salted hash.
type Click struct {
	ID              string     `json:"clickId"`
	Code            string     `json:"code"`
	IPHash          string     `json:"ipHash"`
	UserAgent       string     `json:"userAgent,omitempty"`
	Device          string     `json:"device"`
	Browser         string     `json:"browser"`
	OS              string     `json:"os"`
	Source          string     `json:"source,omitempty"`
	Medium          string     `json:"medium,omitempty"`
	Campaign        string     `json:"campaign,omitempty"`
	Referer         string     `json:"referer,omitempty"`
	LandingPage     string     `json:"landingPage,omitempty"`
	ConvertedWallet *string    `json:"convertedWallet,omitempty"`
	ConvertedAt     *time.Time `json:"convertedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// SignupBonus is the at-most-once payout record for a referred wallet.
type SignupBonus struct {
	Recipient  string    `json:"recipient"`
	Amount     *big.Int  `json:"-"`
	TxHash     string    `json:"txHash"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Commission is the payout record for one referrer level of one signup.
type Commission struct {
	Referrer     string    `json:"referrer"`
	Level        int       `json:"level"`
	Amount       *big.Int  `json:"-"`
	SourceSignup string    `json:"sourceSignup"`
	TxHash       string    `json:"txHash"`
	PaidAt       time.Time `json:"paidAt"`
}

// LegStatus tracks a single transfer through the journal.
type LegStatus string

const (
	// LegPending means the leg is claimed but nothing was broadcast yet.
	LegPending LegStatus = "pending"
	// LegSubmitted means a transaction may have been broadcast and its outcome is unknown.
	LegSubmitted LegStatus = "submitted"
	// LegConfirmed means the transfer succeeded.
	LegConfirmed LegStatus = "confirmed"
	// LegFailed means the transfer definitely did not happen and may be retried.
	LegFailed LegStatus = "failed"
)

// Leg is the journal entry guarding one transfer of one signup event.
type Leg struct {
	SourceSignup string    `json:"sourceSignup"`
	Index        int       `json:"leg"`
	Recipient    string    `json:"recipient"`
	Amount       *big.Int  `json:"-"`
	Status       LegStatus `json:"status"`
	TxHash       string    `json:"txHash,omitempty"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"lastError,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AttemptStatus labels the terminal state of one distribution invocation.
type AttemptStatus string

const (
	AttemptCompleted         AttemptStatus = "completed"
	AttemptPartial           AttemptStatus = "partial"
	AttemptExceedsCap        AttemptStatus = "exceeds_cap"
	AttemptTreasuryExhausted AttemptStatus = "treasury_exhausted"
	AttemptFailed            AttemptStatus = "failed"
)

// Attempt is the audit trail entry written for every distribution that got
// past the eligibility check.
type Attempt struct {
	ID        string         `json:"id"`
	Wallet    string         `json:"wallet"`
	Status    AttemptStatus  `json:"status"`
	Required  *big.Int       `json:"-"`
	Detail    *AttemptDetail `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AttemptDetail is the structured payload persisted alongside an attempt.
type AttemptDetail struct {
	Chain  []string `json:"chain,omitempty"`
	Total  string   `json:"total,omitempty"`
	Cap    string   `json:"cap,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// TreasuryStatus describes the signup-bonus pool at query time.
type TreasuryStatus struct {
	Balance     *big.Int `json:"-"`
	Pending     *big.Int `json:"-"`
	Distributed *big.Int `json:"-"`
	PoolCap     *big.Int `json:"-"`
	Remaining   *big.Int `json:"-"`
}

// InsertStatus tags the outcome of an insert-if-absent.
type InsertStatus int

const (
	// Inserted means the caller's record was written.
	Inserted InsertStatus = iota
	// AlreadyExists means a record with the same key was already present.
	AlreadyExists
)

func (s InsertStatus) String() string {
	if s == AlreadyExists {
		return "already_exists"
	}
	return "inserted"
}

// InsertResult carries either the inserted record or the one that won the key.
type InsertResult[T any] struct {
	Status InsertStatus
	Record T
}
