package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cgdao/native/referral"
)

// ErrDSNRequired is returned when no database DSN is configured.
var ErrDSNRequired = errors.New("storage: database dsn must be configured")

// Store persists the referral graph, payout ledger and leg journal.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the configured database and applies migrations. Supported
// drivers are "postgres" and "sqlite".
func Open(driver, dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql":
		dialector = postgres.Open(trimmed)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(trimmed)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// WithClock overrides the timestamp source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = func() time.Time { return now().UTC() }
	}
	return s
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) tx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return referral.ErrNotFound
	}
	return err
}

// insertIfAbsent creates row unless its key already exists. It reports
// whether the row was written.
func (s *Store) insertIfAbsent(ctx context.Context, row any) (bool, error) {
	res := s.tx(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Code looks up a referral code.
func (s *Store) Code(ctx context.Context, code string) (*referral.Code, error) {
	var row Code
	if err := s.tx(ctx).First(&row, "code = ?", code).Error; err != nil {
		return nil, notFound(err)
	}
	out := row.toDomain()
	return &out, nil
}

// CodeByOwner returns the code owned by a wallet.
func (s *Store) CodeByOwner(ctx context.Context, owner string) (*referral.Code, error) {
	var row Code
	if err := s.tx(ctx).First(&row, "owner = ?", owner).Error; err != nil {
		return nil, notFound(err)
	}
	out := row.toDomain()
	return &out, nil
}

// InsertCode stores a new code. When the owner already holds a code, or the
// code string is taken, the existing record is returned with AlreadyExists.
func (s *Store) InsertCode(ctx context.Context, code referral.Code) (referral.InsertResult[referral.Code], error) {
	row := codeFromDomain(code)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	inserted, err := s.insertIfAbsent(ctx, &row)
	if err != nil {
		return referral.InsertResult[referral.Code]{}, fmt.Errorf("insert code: %w", err)
	}
	if inserted {
		return referral.InsertResult[referral.Code]{Status: referral.Inserted, Record: row.toDomain()}, nil
	}
	existing, err := s.CodeByOwner(ctx, code.Owner)
	if errors.Is(err, referral.ErrNotFound) {
		existing, err = s.Code(ctx, code.Code)
	}
	if err != nil {
		return referral.InsertResult[referral.Code]{}, fmt.Errorf("load existing code: %w", err)
	}
	return referral.InsertResult[referral.Code]{Status: referral.AlreadyExists, Record: *existing}, nil
}

// SetCodeActive toggles whether a code accepts new clicks and referrals.
func (s *Store) SetCodeActive(ctx context.Context, code string, active bool) error {
	res := s.tx(ctx).Model(&Code{}).Where("code = ?", code).Update("active", active)
	if res.Error != nil {
		return fmt.Errorf("update code: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return referral.ErrNotFound
	}
	return nil
}

// Edge returns the referral edge of a wallet.
func (s *Store) Edge(ctx context.Context, newUser string) (*referral.Edge, error) {
	var row Edge
	if err := s.tx(ctx).First(&row, "new_user = ?", newUser).Error; err != nil {
		return nil, notFound(err)
	}
	out := row.toDomain()
	return &out, nil
}

// InsertEdge stores an edge unless the wallet is already referred, in which
// case the first edge is returned unchanged.
func (s *Store) InsertEdge(ctx context.Context, edge referral.Edge) (referral.InsertResult[referral.Edge], error) {
	row := edgeFromDomain(edge)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	inserted, err := s.insertIfAbsent(ctx, &row)
	if err != nil {
		return referral.InsertResult[referral.Edge]{}, fmt.Errorf("insert edge: %w", err)
	}
	if inserted {
		return referral.InsertResult[referral.Edge]{Status: referral.Inserted, Record: row.toDomain()}, nil
	}
	existing, err := s.Edge(ctx, edge.NewUser)
	if err != nil {
		return referral.InsertResult[referral.Edge]{}, fmt.Errorf("load existing edge: %w", err)
	}
	return referral.InsertResult[referral.Edge]{Status: referral.AlreadyExists, Record: *existing}, nil
}

// InsertClick stores a click event.
func (s *Store) InsertClick(ctx context.Context, click referral.Click) error {
	row := clickFromDomain(click)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	if err := s.tx(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	return nil
}

// Click returns a click by id.
func (s *Store) Click(ctx context.Context, id string) (*referral.Click, error) {
	var row Click
	if err := s.tx(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	out := row.toDomain()
	return &out, nil
}

// LatestUnconvertedClick finds the newest unconverted click for an IP hash and
// code created at or after since.
func (s *Store) LatestUnconvertedClick(ctx context.Context, ipHash, code string, since time.Time) (*referral.Click, error) {
	var row Click
	err := s.tx(ctx).
		Where("ip_hash = ? AND code = ? AND converted_wallet IS NULL AND created_at >= ?", ipHash, code, since.UTC()).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	out := row.toDomain()
	return &out, nil
}

// MarkClickConverted sets the converting wallet on a click that has not been
// converted yet. It reports false when another conversion got there first.
func (s *Store) MarkClickConverted(ctx context.Context, id, wallet string, at time.Time) (bool, error) {
	res := s.tx(ctx).Model(&Click{}).
		Where("id = ? AND converted_wallet IS NULL", id).
		Updates(map[string]any{"converted_wallet": wallet, "converted_at": at.UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("convert click: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CodeStats counts clicks and conversions recorded for a code.
func (s *Store) CodeStats(ctx context.Context, code string) (clicks, conversions int64, err error) {
	if err = s.tx(ctx).Model(&Click{}).Where("code = ?", code).Count(&clicks).Error; err != nil {
		return 0, 0, fmt.Errorf("count clicks: %w", err)
	}
	if err = s.tx(ctx).Model(&Click{}).Where("code = ? AND converted_wallet IS NOT NULL", code).Count(&conversions).Error; err != nil {
		return 0, 0, fmt.Errorf("count conversions: %w", err)
	}
	return clicks, conversions, nil
}

// SignupBonus returns the bonus record of a wallet.
func (s *Store) SignupBonus(ctx context.Context, recipient string) (*referral.SignupBonus, error) {
	var row SignupBonus
	if err := s.tx(ctx).First(&row, "recipient = ?", recipient).Error; err != nil {
		return nil, notFound(err)
	}
	out, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// InsertSignupBonus stores the bonus record unless one already exists.
func (s *Store) InsertSignupBonus(ctx context.Context, bonus referral.SignupBonus) (referral.InsertResult[referral.SignupBonus], error) {
	if bonus.Amount == nil || bonus.Amount.Sign() < 0 {
		return referral.InsertResult[referral.SignupBonus]{}, fmt.Errorf("insert signup bonus: invalid amount")
	}
	row := SignupBonus{
		Recipient:  bonus.Recipient,
		Amount:     bonus.Amount.String(),
		TxHash:     bonus.TxHash,
		ReceivedAt: bonus.ReceivedAt.UTC(),
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = s.now()
	}
	inserted, err := s.insertIfAbsent(ctx, &row)
	if err != nil {
		return referral.InsertResult[referral.SignupBonus]{}, fmt.Errorf("insert signup bonus: %w", err)
	}
	if inserted {
		out, err := row.toDomain()
		return referral.InsertResult[referral.SignupBonus]{Status: referral.Inserted, Record: out}, err
	}
	existing, err := s.SignupBonus(ctx, bonus.Recipient)
	if err != nil {
		return referral.InsertResult[referral.SignupBonus]{}, fmt.Errorf("load existing signup bonus: %w", err)
	}
	return referral.InsertResult[referral.SignupBonus]{Status: referral.AlreadyExists, Record: *existing}, nil
}

// Commission returns the commission paid for one level of a signup.
func (s *Store) Commission(ctx context.Context, sourceSignup string, level int) (*referral.Commission, error) {
	var row Commission
	if err := s.tx(ctx).First(&row, "source_signup = ? AND level = ?", sourceSignup, level).Error; err != nil {
		return nil, notFound(err)
	}
	out, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Commissions lists the commissions paid for a signup, ordered by level.
func (s *Store) Commissions(ctx context.Context, sourceSignup string) ([]referral.Commission, error) {
	var rows []Commission
	if err := s.tx(ctx).Where("source_signup = ?", sourceSignup).Order("level ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	return commissionsToDomain(rows)
}

// CommissionsForReferrer lists the commissions earned by a wallet, newest first.
func (s *Store) CommissionsForReferrer(ctx context.Context, referrer string, limit int) ([]referral.Commission, error) {
	q := s.tx(ctx).Where("referrer = ?", referrer).Order("paid_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Commission
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list referrer commissions: %w", err)
	}
	return commissionsToDomain(rows)
}

// InsertCommission stores a commission unless (source signup, level) exists.
func (s *Store) InsertCommission(ctx context.Context, commission referral.Commission) (referral.InsertResult[referral.Commission], error) {
	if commission.Amount == nil || commission.Amount.Sign() < 0 {
		return referral.InsertResult[referral.Commission]{}, fmt.Errorf("insert commission: invalid amount")
	}
	row := Commission{
		SourceSignup: commission.SourceSignup,
		Level:        commission.Level,
		Referrer:     commission.Referrer,
		Amount:       commission.Amount.String(),
		TxHash:       commission.TxHash,
		PaidAt:       commission.PaidAt.UTC(),
	}
	if row.PaidAt.IsZero() {
		row.PaidAt = s.now()
	}
	inserted, err := s.insertIfAbsent(ctx, &row)
	if err != nil {
		return referral.InsertResult[referral.Commission]{}, fmt.Errorf("insert commission: %w", err)
	}
	if inserted {
		out, err := row.toDomain()
		return referral.InsertResult[referral.Commission]{Status: referral.Inserted, Record: out}, err
	}
	existing, err := s.Commission(ctx, commission.SourceSignup, commission.Level)
	if err != nil {
		return referral.InsertResult[referral.Commission]{}, fmt.Errorf("load existing commission: %w", err)
	}
	return referral.InsertResult[referral.Commission]{Status: referral.AlreadyExists, Record: *existing}, nil
}

// DistributedTotal sums every persisted bonus and commission.
func (s *Store) DistributedTotal(ctx context.Context) (*big.Int, error) {
	total := new(big.Int)
	for _, model := range []any{&SignupBonus{}, &Commission{}} {
		var amounts []string
		if err := s.tx(ctx).Model(model).Pluck("amount", &amounts).Error; err != nil {
			return nil, fmt.Errorf("sum distributed: %w", err)
		}
		for _, raw := range amounts {
			amount, err := parseAmount(raw)
			if err != nil {
				return nil, err
			}
			total.Add(total, amount)
		}
	}
	return total, nil
}

// Leg returns a journal entry.
func (s *Store) Leg(ctx context.Context, sourceSignup string, index int) (*referral.Leg, error) {
	var row TransferLeg
	if err := s.tx(ctx).First(&row, "source_signup = ? AND leg = ?", sourceSignup, index).Error; err != nil {
		return nil, notFound(err)
	}
	out, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimLeg takes ownership of a transfer leg. A fresh leg is inserted as
// pending. An existing failed leg, or a pending leg with no transaction that
// was last touched before staleBefore, is reclaimed by compare-and-swap on its
// attempt counter. In every other case the current entry is returned with
// claimed=false and the caller must not transfer.
func (s *Store) ClaimLeg(ctx context.Context, leg referral.Leg, staleBefore time.Time) (referral.Leg, bool, error) {
	if leg.Amount == nil || leg.Amount.Sign() <= 0 {
		return referral.Leg{}, false, fmt.Errorf("claim leg: invalid amount")
	}
	now := s.now()
	row := TransferLeg{
		SourceSignup: leg.SourceSignup,
		Leg:          leg.Index,
		Recipient:    leg.Recipient,
		Amount:       leg.Amount.String(),
		Status:       string(referral.LegPending),
		Attempts:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	inserted, err := s.insertIfAbsent(ctx, &row)
	if err != nil {
		return referral.Leg{}, false, fmt.Errorf("claim leg: %w", err)
	}
	if inserted {
		out, err := row.toDomain()
		return out, true, err
	}
	existing, err := s.Leg(ctx, leg.SourceSignup, leg.Index)
	if err != nil {
		return referral.Leg{}, false, fmt.Errorf("load leg: %w", err)
	}
	switch {
	case existing.Status == referral.LegFailed:
	case existing.Status == referral.LegPending && existing.TxHash == "" && existing.UpdatedAt.Before(staleBefore):
	default:
		return *existing, false, nil
	}
	return s.ReclaimLeg(ctx, *existing)
}

// ReclaimLeg moves a leg back to pending for a new transfer attempt, provided
// nobody touched it since it was read.
func (s *Store) ReclaimLeg(ctx context.Context, leg referral.Leg) (referral.Leg, bool, error) {
	res := s.tx(ctx).Model(&TransferLeg{}).
		Where("source_signup = ? AND leg = ? AND status = ? AND attempts = ?", leg.SourceSignup, leg.Index, string(leg.Status), leg.Attempts).
		Updates(map[string]any{
			"status":     string(referral.LegPending),
			"tx_hash":    "",
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return referral.Leg{}, false, fmt.Errorf("reclaim leg: %w", res.Error)
	}
	current, err := s.Leg(ctx, leg.SourceSignup, leg.Index)
	if err != nil {
		return referral.Leg{}, false, fmt.Errorf("load leg: %w", err)
	}
	return *current, res.RowsAffected > 0, nil
}

// MarkLegSubmitted records that a transaction may have been broadcast.
func (s *Store) MarkLegSubmitted(ctx context.Context, leg referral.Leg, txHash, reason string) error {
	return s.moveLeg(ctx, leg, map[string]any{
		"status":     string(referral.LegSubmitted),
		"tx_hash":    txHash,
		"last_error": truncate(reason, 512),
	})
}

// ConfirmLeg records a successful transfer.
func (s *Store) ConfirmLeg(ctx context.Context, leg referral.Leg, txHash string) error {
	return s.moveLeg(ctx, leg, map[string]any{
		"status":     string(referral.LegConfirmed),
		"tx_hash":    txHash,
		"last_error": "",
	})
}

// FailLeg records a transfer that definitely did not happen.
func (s *Store) FailLeg(ctx context.Context, leg referral.Leg, reason string) error {
	return s.moveLeg(ctx, leg, map[string]any{
		"status":     string(referral.LegFailed),
		"last_error": truncate(reason, 512),
	})
}

// moveLeg updates a leg only while the caller's attempt still owns it.
func (s *Store) moveLeg(ctx context.Context, leg referral.Leg, fields map[string]any) error {
	fields["updated_at"] = s.now()
	res := s.tx(ctx).Model(&TransferLeg{}).
		Where("source_signup = ? AND leg = ? AND attempts = ?", leg.SourceSignup, leg.Index, leg.Attempts).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update leg: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update leg %s/%d: %w", leg.SourceSignup, leg.Index, referral.ErrTransferInProgress)
	}
	return nil
}

// Legs lists journal entries, optionally filtered by status.
func (s *Store) Legs(ctx context.Context, status referral.LegStatus, limit int) ([]referral.Leg, error) {
	q := s.tx(ctx).Order("updated_at DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []TransferLeg
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list legs: %w", err)
	}
	out := make([]referral.Leg, 0, len(rows))
	for _, row := range rows {
		leg, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, leg)
	}
	return out, nil
}

type attemptDetailEnvelope struct {
	Version int `json:"v"`
	referral.AttemptDetail
}

// RecordAttempt appends an entry to the distribution audit trail.
func (s *Store) RecordAttempt(ctx context.Context, attempt referral.Attempt) error {
	row := Attempt{
		ID:        attempt.ID,
		Wallet:    attempt.Wallet,
		Status:    string(attempt.Status),
		CreatedAt: attempt.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	if attempt.Required != nil {
		row.Required = attempt.Required.String()
	}
	if attempt.Detail != nil {
		raw, err := json.Marshal(attemptDetailEnvelope{Version: detailSchemaVersion, AttemptDetail: *attempt.Detail})
		if err != nil {
			return fmt.Errorf("encode attempt detail: %w", err)
		}
		row.Detail = string(raw)
	}
	if err := s.tx(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// Attempts lists audit entries newest first, optionally filtered by status.
func (s *Store) Attempts(ctx context.Context, status referral.AttemptStatus, limit int) ([]referral.Attempt, error) {
	q := s.tx(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Attempt
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	out := make([]referral.Attempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r Code) toDomain() referral.Code {
	return referral.Code{Code: r.Code, Owner: r.Owner, Active: r.Active, CreatedAt: r.CreatedAt}
}

func codeFromDomain(c referral.Code) Code {
	return Code{Code: c.Code, Owner: c.Owner, Active: c.Active, CreatedAt: c.CreatedAt.UTC()}
}

func (r Edge) toDomain() referral.Edge {
	return referral.Edge{
		NewUser:   r.NewUser,
		Referrer:  r.Referrer,
		Level:     r.Level,
		Code:      r.Code,
		Source:    r.Source,
		Campaign:  r.Campaign,
		CreatedAt: r.CreatedAt,
	}
}

func edgeFromDomain(e referral.Edge) Edge {
	return Edge{
		NewUser:   e.NewUser,
		Referrer:  e.Referrer,
		Level:     e.Level,
		Code:      e.Code,
		Source:    e.Source,
		Campaign:  e.Campaign,
		CreatedAt: e.CreatedAt.UTC(),
	}
}

func (r Click) toDomain() referral.Click {
	return referral.Click{
		ID:              r.ID,
		Code:            r.Code,
		IPHash:          r.IPHash,
		UserAgent:       r.UserAgent,
		Device:          r.Device,
		Browser:         r.Browser,
		OS:              r.OS,
		Source:          r.Source,
		Medium:          r.Medium,
		Campaign:        r.Campaign,
		Referer:         r.Referer,
		LandingPage:     r.LandingPage,
		ConvertedWallet: r.ConvertedWallet,
		ConvertedAt:     r.ConvertedAt,
		CreatedAt:       r.CreatedAt,
	}
}

func clickFromDomain(c referral.Click) Click {
	return Click{
		ID:              c.ID,
		Code:            c.Code,
		IPHash:          c.IPHash,
		UserAgent:       truncate(c.UserAgent, 512),
		Device:          c.Device,
		Browser:         c.Browser,
		OS:              c.OS,
		Source:          truncate(c.Source, 128),
		Medium:          truncate(c.Medium, 128),
		Campaign:        truncate(c.Campaign, 128),
		Referer:         truncate(c.Referer, 512),
		LandingPage:     truncate(c.LandingPage, 512),
		ConvertedWallet: c.ConvertedWallet,
		ConvertedAt:     c.ConvertedAt,
		CreatedAt:       c.CreatedAt.UTC(),
	}
}

func (r SignupBonus) toDomain() (referral.SignupBonus, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return referral.SignupBonus{}, err
	}
	return referral.SignupBonus{Recipient: r.Recipient, Amount: amount, TxHash: r.TxHash, ReceivedAt: r.ReceivedAt}, nil
}

func (r Commission) toDomain() (referral.Commission, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return referral.Commission{}, err
	}
	return referral.Commission{
		Referrer:     r.Referrer,
		Level:        r.Level,
		Amount:       amount,
		SourceSignup: r.SourceSignup,
		TxHash:       r.TxHash,
		PaidAt:       r.PaidAt,
	}, nil
}

func commissionsToDomain(rows []Commission) ([]referral.Commission, error) {
	out := make([]referral.Commission, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r TransferLeg) toDomain() (referral.Leg, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return referral.Leg{}, err
	}
	return referral.Leg{
		SourceSignup: r.SourceSignup,
		Index:        r.Leg,
		Recipient:    r.Recipient,
		Amount:       amount,
		Status:       referral.LegStatus(r.Status),
		TxHash:       r.TxHash,
		Attempts:     r.Attempts,
		LastError:    r.LastError,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func (r Attempt) toDomain() referral.Attempt {
	out := referral.Attempt{
		ID:        r.ID,
		Wallet:    r.Wallet,
		Status:    referral.AttemptStatus(r.Status),
		CreatedAt: r.CreatedAt,
	}
	if r.Required != "" {
		if amount, err := parseAmount(r.Required); err == nil {
			out.Required = amount
		}
	}
	if r.Detail != "" {
		var env attemptDetailEnvelope
		if err := json.Unmarshal([]byte(r.Detail), &env); err == nil && env.Version == detailSchemaVersion {
			detail := env.AttemptDetail
			out.Detail = &detail
		}
	}
	return out
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("storage: invalid stored amount %q", raw)
	}
	return amount, nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
