package storage

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cgdao/native/referral"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInsertEdgeFirstReferralWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.InsertEdge(ctx, referral.Edge{NewUser: "0xnew", Referrer: "0xa", Level: 1, Code: "CG-AAAAAA"})
	require.NoError(t, err)
	require.Equal(t, referral.Inserted, first.Status)

	second, err := store.InsertEdge(ctx, referral.Edge{NewUser: "0xnew", Referrer: "0xb", Level: 1, Code: "CG-BBBBBB"})
	require.NoError(t, err)
	require.Equal(t, referral.AlreadyExists, second.Status)
	require.Equal(t, "0xa", second.Record.Referrer)

	edge, err := store.Edge(ctx, "0xnew")
	require.NoError(t, err)
	require.Equal(t, "0xa", edge.Referrer)

	_, err = store.Edge(ctx, "0xmissing")
	require.ErrorIs(t, err, referral.ErrNotFound)
}

func TestInsertSignupBonusIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	res, err := store.InsertSignupBonus(ctx, referral.SignupBonus{Recipient: "0xnew", Amount: big.NewInt(100), TxHash: "0x01"})
	require.NoError(t, err)
	require.Equal(t, referral.Inserted, res.Status)

	res, err = store.InsertSignupBonus(ctx, referral.SignupBonus{Recipient: "0xnew", Amount: big.NewInt(999), TxHash: "0x02"})
	require.NoError(t, err)
	require.Equal(t, referral.AlreadyExists, res.Status)
	require.Equal(t, "0x01", res.Record.TxHash)
	require.Equal(t, int64(100), res.Record.Amount.Int64())
}

func TestCommissionsAndDistributedTotal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.InsertSignupBonus(ctx, referral.SignupBonus{Recipient: "0xnew", Amount: big.NewInt(100), TxHash: "0x01"})
	require.NoError(t, err)
	for level, amount := range map[int]int64{2: 10, 1: 20} {
		res, err := store.InsertCommission(ctx, referral.Commission{
			SourceSignup: "0xnew",
			Level:        level,
			Referrer:     fmt.Sprintf("0xref%d", level),
			Amount:       big.NewInt(amount),
		})
		require.NoError(t, err)
		require.Equal(t, referral.Inserted, res.Status)
	}
	dup, err := store.InsertCommission(ctx, referral.Commission{SourceSignup: "0xnew", Level: 1, Referrer: "0xother", Amount: big.NewInt(50)})
	require.NoError(t, err)
	require.Equal(t, referral.AlreadyExists, dup.Status)
	require.Equal(t, "0xref1", dup.Record.Referrer)

	list, err := store.Commissions(ctx, "0xnew")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, 1, list[0].Level)
	require.Equal(t, 2, list[1].Level)

	earned, err := store.CommissionsForReferrer(ctx, "0xref2", 10)
	require.NoError(t, err)
	require.Len(t, earned, 1)

	total, err := store.DistributedTotal(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(130), total.Int64())
}

func TestInsertCodeOnePerOwner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	res, err := store.InsertCode(ctx, referral.Code{Code: "CG-AAAAAA", Owner: "0xa", Active: true})
	require.NoError(t, err)
	require.Equal(t, referral.Inserted, res.Status)

	res, err = store.InsertCode(ctx, referral.Code{Code: "CG-BBBBBB", Owner: "0xa", Active: true})
	require.NoError(t, err)
	require.Equal(t, referral.AlreadyExists, res.Status)
	require.Equal(t, "CG-AAAAAA", res.Record.Code)

	res, err = store.InsertCode(ctx, referral.Code{Code: "CG-AAAAAA", Owner: "0xb", Active: true})
	require.NoError(t, err)
	require.Equal(t, referral.AlreadyExists, res.Status)
	require.Equal(t, "0xa", res.Record.Owner)

	require.NoError(t, store.SetCodeActive(ctx, "CG-AAAAAA", false))
	code, err := store.Code(ctx, "CG-AAAAAA")
	require.NoError(t, err)
	require.False(t, code.Active)
	require.ErrorIs(t, store.SetCodeActive(ctx, "CG-ZZZZZZ", false), referral.ErrNotFound)
}

func TestClickConversionMatchesWindow(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := referral.Click{ID: uuid.NewString(), Code: "CG-AAAAAA", IPHash: "hash", CreatedAt: now.Add(-48 * time.Hour)}
	recent := referral.Click{ID: uuid.NewString(), Code: "CG-AAAAAA", IPHash: "hash", CreatedAt: now.Add(-time.Hour)}
	other := referral.Click{ID: uuid.NewString(), Code: "CG-BBBBBB", IPHash: "hash", CreatedAt: now.Add(-time.Minute)}
	for _, c := range []referral.Click{old, recent, other} {
		require.NoError(t, store.InsertClick(ctx, c))
	}

	match, err := store.LatestUnconvertedClick(ctx, "hash", "CG-AAAAAA", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, recent.ID, match.ID)

	ok, err := store.MarkClickConverted(ctx, match.ID, "0xnew", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkClickConverted(ctx, match.ID, "0xother", now)
	require.NoError(t, err)
	require.False(t, ok)

	converted, err := store.Click(ctx, match.ID)
	require.NoError(t, err)
	require.NotNil(t, converted.ConvertedWallet)
	require.Equal(t, "0xnew", *converted.ConvertedWallet)

	_, err = store.LatestUnconvertedClick(ctx, "hash", "CG-AAAAAA", now.Add(-24*time.Hour))
	require.ErrorIs(t, err, referral.ErrNotFound)

	clicks, conversions, err := store.CodeStats(ctx, "CG-AAAAAA")
	require.NoError(t, err)
	require.Equal(t, int64(2), clicks)
	require.Equal(t, int64(1), conversions)
}

func TestClaimLegLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return now })

	want := referral.Leg{SourceSignup: "0xnew", Index: referral.BonusLeg, Recipient: "0xnew", Amount: big.NewInt(100)}
	leg, claimed, err := store.ClaimLeg(ctx, want, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, referral.LegPending, leg.Status)
	require.Equal(t, 1, leg.Attempts)

	_, claimed, err = store.ClaimLeg(ctx, want, now.Add(-time.Minute))
	require.NoError(t, err)
	require.False(t, claimed, "fresh pending leg must not be claimed twice")

	require.NoError(t, store.FailLeg(ctx, leg, "boom"))
	retry, claimed, err := store.ClaimLeg(ctx, want, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, 2, retry.Attempts)
	require.Equal(t, referral.LegPending, retry.Status)

	require.ErrorIs(t, store.FailLeg(ctx, leg, "late"), referral.ErrTransferInProgress)

	require.NoError(t, store.MarkLegSubmitted(ctx, retry, "0xabc", "timeout"))
	current, claimed, err := store.ClaimLeg(ctx, want, now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, claimed, "submitted leg needs reconciliation first")
	require.Equal(t, referral.LegSubmitted, current.Status)
	require.Equal(t, "0xabc", current.TxHash)

	require.NoError(t, store.ConfirmLeg(ctx, current, "0xabc"))
	confirmed, err := store.Leg(ctx, "0xnew", referral.BonusLeg)
	require.NoError(t, err)
	require.Equal(t, referral.LegConfirmed, confirmed.Status)

	legs, err := store.Legs(ctx, referral.LegConfirmed, 10)
	require.NoError(t, err)
	require.Len(t, legs, 1)
}

func TestClaimLegReclaimsStalePending(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return now })

	want := referral.Leg{SourceSignup: "0xnew", Index: 1, Recipient: "0xa", Amount: big.NewInt(20)}
	_, claimed, err := store.ClaimLeg(ctx, want, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	later := now.Add(10 * time.Minute)
	store.WithClock(func() time.Time { return later })
	leg, claimed, err := store.ClaimLeg(ctx, want, later.Add(-5*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, 2, leg.Attempts)
}

func TestClaimLegConcurrentSingleWinner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	want := referral.Leg{SourceSignup: "0xnew", Index: 0, Recipient: "0xnew", Amount: big.NewInt(100)}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		errs    []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := store.ClaimLeg(ctx, want, time.Now().Add(-time.Hour))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if claimed {
				winners++
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Equal(t, 1, winners)
}

func TestAttemptsRoundTripDetail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordAttempt(ctx, referral.Attempt{
		ID:       uuid.NewString(),
		Wallet:   "0xnew",
		Status:   referral.AttemptExceedsCap,
		Required: big.NewInt(135),
		Detail:   &referral.AttemptDetail{Chain: []string{"0xa"}, Total: "135", Cap: "134"},
	}))
	require.NoError(t, store.RecordAttempt(ctx, referral.Attempt{ID: uuid.NewString(), Wallet: "0xnew", Status: referral.AttemptCompleted}))

	// A row written by a future schema version is read back without detail.
	require.NoError(t, store.db.Create(&Attempt{
		ID:        uuid.NewString(),
		Wallet:    "0xnew",
		Status:    string(referral.AttemptExceedsCap),
		Detail:    `{"v":99,"total":"1"}`,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}).Error)

	capped, err := store.Attempts(ctx, referral.AttemptExceedsCap, 10)
	require.NoError(t, err)
	require.Len(t, capped, 2)
	require.NotNil(t, capped[0].Detail)
	require.Equal(t, "134", capped[0].Detail.Cap)
	require.Equal(t, int64(135), capped[0].Required.Int64())
	require.Nil(t, capped[1].Detail)

	all, err := store.Attempts(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
	_, err = Open("sqlite", " ")
	require.ErrorIs(t, err, ErrDSNRequired)
}
