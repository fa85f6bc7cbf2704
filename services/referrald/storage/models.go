package storage

import (
	"time"

	"gorm.io/gorm"
)

// detailSchemaVersion versions the JSON stored in Attempt.Detail. Rows carrying
// any other version are read back without a detail.
const detailSchemaVersion = 1

// Code stores a wallet's shareable referral code.
type Code struct {
	Code      string `gorm:"primaryKey;size:32"`
	Owner     string `gorm:"size:42;uniqueIndex"`
	Active    bool   `gorm:"not null"`
	CreatedAt time.Time
}

func (Code) TableName() string { return "referral_codes" }

// Edge stores who referred a wallet. NewUser is the primary key so a wallet
// can be referred at most once.
type Edge struct {
	NewUser   string `gorm:"primaryKey;size:42"`
	Referrer  string `gorm:"size:42;index;not null"`
	Level     int    `gorm:"not null"`
	Code      string `gorm:"size:32;index"`
	Source    string `gorm:"size:128"`
	Campaign  string `gorm:"size:128"`
	CreatedAt time.Time
}

func (Edge) TableName() string { return "referral_edges" }

// Click stores a tracked referral link visit.
type Click struct {
	ID              string  `gorm:"primaryKey;size:36"`
	Code            string  `gorm:"size:32;index:idx_click_match,priority:2"`
	IPHash          string  `gorm:"size:64;index:idx_click_match,priority:1"`
	UserAgent       string  `gorm:"size:512"`
	Device          string  `gorm:"size:16"`
	Browser         string  `gorm:"size:16"`
	OS              string  `gorm:"size:16"`
	Source          string  `gorm:"size:128"`
	Medium          string  `gorm:"size:128"`
	Campaign        string  `gorm:"size:128"`
	Referer         string  `gorm:"size:512"`
	LandingPage     string  `gorm:"size:512"`
	ConvertedWallet *string `gorm:"size:42;index"`
	ConvertedAt     *time.Time
	CreatedAt       time.Time `gorm:"index"`
}

func (Click) TableName() string { return "referral_clicks" }

// SignupBonus is keyed by recipient; the primary key is the idempotency gate.
type SignupBonus struct {
	Recipient  string `gorm:"primaryKey;size:42"`
	Amount     string `gorm:"size:80;not null"`
	TxHash     string `gorm:"size:66"`
	ReceivedAt time.Time
}

func (SignupBonus) TableName() string { return "signup_bonuses" }

// Commission is keyed by (source signup, level).
type Commission struct {
	SourceSignup string `gorm:"primaryKey;size:42"`
	Level        int    `gorm:"primaryKey;autoIncrement:false"`
	Referrer     string `gorm:"size:42;index;not null"`
	Amount       string `gorm:"size:80;not null"`
	TxHash       string `gorm:"size:66"`
	PaidAt       time.Time
}

func (Commission) TableName() string { return "referral_commissions" }

// TransferLeg journals every transfer attempt for one leg of one signup.
type TransferLeg struct {
	SourceSignup string `gorm:"primaryKey;size:42"`
	Leg          int    `gorm:"primaryKey;autoIncrement:false"`
	Recipient    string `gorm:"size:42;not null"`
	Amount       string `gorm:"size:80;not null"`
	Status       string `gorm:"size:16;index;not null"`
	TxHash       string `gorm:"size:66"`
	Attempts     int    `gorm:"not null;default:0"`
	LastError    string `gorm:"size:512"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (TransferLeg) TableName() string { return "referral_transfer_legs" }

// Attempt is the distribution audit trail.
type Attempt struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Wallet    string    `gorm:"size:42;index"`
	Status    string    `gorm:"size:32;index"`
	Required  string    `gorm:"size:80"`
	Detail    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (Attempt) TableName() string { return "referral_attempts" }

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Code{},
		&Edge{},
		&Click{},
		&SignupBonus{},
		&Commission{},
		&TransferLeg{},
		&Attempt{},
	)
}
