package referrald

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cgdao/native/referral"
	"cgdao/services/referrald/wallet"
)

func TestDistributePaysBonusAndChain(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	code := h.seedChain(t)
	ctx := context.Background()

	res, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, StatusCompleted, res.Status)
	require.False(t, res.AlreadyReceived)
	require.Equal(t, "130", res.TotalDistributed)
	require.Empty(t, res.Errors)

	require.NotNil(t, res.NewUserBonus)
	require.True(t, res.NewUserBonus.Paid)
	require.Equal(t, "100", res.NewUserBonus.Amount)
	require.NotEmpty(t, res.NewUserBonus.TxHash)

	require.Len(t, res.ReferrerCommissions, 2)
	require.Equal(t, bob, res.ReferrerCommissions[0].Referrer)
	require.Equal(t, 1, res.ReferrerCommissions[0].Level)
	require.Equal(t, "20", res.ReferrerCommissions[0].Amount)
	require.Equal(t, alice, res.ReferrerCommissions[1].Referrer)
	require.Equal(t, 2, res.ReferrerCommissions[1].Level)
	require.Equal(t, "10", res.ReferrerCommissions[1].Amount)

	require.Equal(t, 1, h.wallet.sent(newUser))
	require.Equal(t, 1, h.wallet.sent(bob))
	require.Equal(t, 1, h.wallet.sent(alice))

	bonus, err := h.store.SignupBonus(ctx, newUser)
	require.NoError(t, err)
	require.Equal(t, int64(100), bonus.Amount.Int64())
	paid, err := h.store.Commissions(ctx, newUser)
	require.NoError(t, err)
	require.Len(t, paid, 2)

	attempts, err := h.store.Attempts(ctx, referral.AttemptCompleted, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, int64(130), attempts[0].Required.Int64())
}

func TestDistributeIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	code := h.seedChain(t)
	ctx := context.Background()

	first, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	second, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.True(t, second.Success)
	require.True(t, second.AlreadyReceived)
	require.Equal(t, StatusAlreadyReceived, second.Status)
	require.Equal(t, "130", second.TotalDistributed)
	require.Equal(t, first.NewUserBonus.TxHash, second.NewUserBonus.TxHash)

	require.Equal(t, 1, h.wallet.sent(newUser))
	require.Equal(t, 1, h.wallet.sent(bob))
	require.Equal(t, 1, h.wallet.sent(alice))
}

func TestDistributeRetriesOnlyMissingLegs(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	code := h.seedChain(t)
	ctx := context.Background()

	h.wallet.fail(alice, errors.New("nonce too low"), "")
	first, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.False(t, first.Success)
	require.Equal(t, StatusPartial, first.Status)
	require.True(t, first.Retriable)
	require.Equal(t, "120", first.TotalDistributed)
	require.True(t, first.NewUserBonus.Paid)
	require.True(t, first.ReferrerCommissions[0].Paid)
	require.False(t, first.ReferrerCommissions[1].Paid)
	require.Equal(t, referral.KindTransferFailed, first.ReferrerCommissions[1].Kind)
	require.Len(t, first.Errors, 1)
	require.Equal(t, referral.KindTransferFailed, first.Errors[0].Kind)

	h.wallet.heal(alice)
	second, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.True(t, second.Success)
	require.Equal(t, StatusCompleted, second.Status)
	require.Equal(t, "130", second.TotalDistributed)

	require.Equal(t, 1, h.wallet.sent(newUser))
	require.Equal(t, 1, h.wallet.sent(bob))
	require.Equal(t, 1, h.wallet.sent(alice))

	third, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyReceived, third.Status)

	partial, err := h.store.Attempts(ctx, referral.AttemptPartial, 10)
	require.NoError(t, err)
	require.Len(t, partial, 1)
}

func TestDistributeTreasuryExhausted(t *testing.T) {
	h := newHarness(t, harnessConfig{balance: 50})
	code := h.seedChain(t)
	ctx := context.Background()

	res, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, StatusTreasuryExhausted, res.Status)
	require.True(t, res.Retriable)
	require.Equal(t, referral.KindTreasuryExhausted, res.Errors[0].Kind)
	require.Equal(t, "0", res.TotalDistributed)
	require.Equal(t, 0, h.wallet.sent(newUser))

	_, err = h.store.SignupBonus(ctx, newUser)
	require.ErrorIs(t, err, referral.ErrNotFound)

	attempts, err := h.store.Attempts(ctx, referral.AttemptTreasuryExhausted, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
}

func TestDistributeRespectsPoolCap(t *testing.T) {
	h := newHarness(t, harnessConfig{poolCap: big.NewInt(100)})
	code := h.seedChain(t)

	res, err := h.executor.DistributeSignupBonus(context.Background(), newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusTreasuryExhausted, res.Status)
	require.Equal(t, 0, h.wallet.sent(newUser))
}

func TestDistributeExceedsCap(t *testing.T) {
	h := newHarness(t, harnessConfig{maxPer: 125})
	code := h.seedChain(t)
	ctx := context.Background()

	res, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, StatusExceedsCap, res.Status)
	require.False(t, res.Retriable)
	require.Equal(t, referral.KindExceedsCap, res.Errors[0].Kind)
	require.Equal(t, 0, h.wallet.sent(newUser))
	require.Equal(t, 0, h.wallet.sent(bob))

	attempts, err := h.store.Attempts(ctx, referral.AttemptExceedsCap, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].Detail)
	require.Equal(t, "130", attempts[0].Detail.Total)
	require.Equal(t, "125", attempts[0].Detail.Cap)
	require.Equal(t, []string{bob, alice}, attempts[0].Detail.Chain)
}

func TestDistributeNotEligible(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	res, err := h.executor.DistributeSignupBonus(ctx, carol, "")
	require.NoError(t, err)
	require.Equal(t, StatusNotEligible, res.Status)
	require.False(t, res.Retriable)

	res, err = h.executor.DistributeSignupBonus(ctx, carol, "CG-ZZZZZZ")
	require.NoError(t, err)
	require.Equal(t, StatusNotEligible, res.Status)
	require.Equal(t, referral.KindNotEligible, res.Errors[0].Kind)

	attempts, err := h.store.Attempts(ctx, "", 10)
	require.NoError(t, err)
	require.Empty(t, attempts)
}

func TestDistributeRegistersReferralFromCode(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	code, err := h.tracker.IssueCode(ctx, alice)
	require.NoError(t, err)

	res, err := h.executor.DistributeSignupBonus(ctx, carol, code.Code)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, "120", res.TotalDistributed)

	edge, err := h.store.Edge(ctx, carol)
	require.NoError(t, err)
	require.Equal(t, alice, edge.Referrer)
	require.Equal(t, 1, edge.Level)
}

func TestDistributeRejectsMalformedWallet(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := h.executor.DistributeSignupBonus(context.Background(), "not-a-wallet", "CG-ABC123")
	require.ErrorIs(t, err, referral.ErrInvalidAddress)
}

func TestDistributeReconcilesTimedOutTransfer(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	code := h.seedChain(t)
	ctx := context.Background()

	const hash = "0xfeedface"
	h.wallet.fail(newUser, wallet.ErrTimeout, hash)
	first, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, first.Status)
	require.False(t, first.NewUserBonus.Paid)
	require.Equal(t, referral.KindTimeout, first.NewUserBonus.Kind)
	require.Equal(t, hash, first.NewUserBonus.TxHash)

	leg, err := h.store.Leg(ctx, newUser, referral.BonusLeg)
	require.NoError(t, err)
	require.Equal(t, referral.LegSubmitted, leg.Status)

	// still unknown on chain: no re-send
	h.wallet.heal(newUser)
	h.wallet.setStatus(hash, wallet.StatusPending)
	second, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, second.Status)
	require.Equal(t, referral.KindTimeout, second.NewUserBonus.Kind)
	require.Equal(t, 0, h.wallet.sent(newUser))

	h.wallet.setStatus(hash, wallet.StatusSucceeded)
	third, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, third.Status)
	require.Equal(t, hash, third.NewUserBonus.TxHash)
	require.Equal(t, 0, h.wallet.sent(newUser))

	bonus, err := h.store.SignupBonus(ctx, newUser)
	require.NoError(t, err)
	require.Equal(t, hash, bonus.TxHash)
}

func TestDistributeResendsFailedSubmission(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	code := h.seedChain(t)
	ctx := context.Background()

	const hash = "0xdeadbeef"
	h.wallet.fail(newUser, context.DeadlineExceeded, hash)
	first, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, referral.KindTimeout, first.NewUserBonus.Kind)

	h.wallet.heal(newUser)
	h.wallet.setStatus(hash, wallet.StatusFailed)
	second, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, second.Status)
	require.Equal(t, 1, h.wallet.sent(newUser))
	require.NotEqual(t, hash, second.NewUserBonus.TxHash)
}

func TestDistributeResendsDroppedSubmissionAfterClaimTTL(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	code := h.seedChain(t)
	ctx := context.Background()

	h.wallet.fail(newUser, wallet.ErrTimeout, "0x0bad")
	_, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	h.wallet.heal(newUser)

	// not found on chain but still young: wait
	res, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, referral.KindTimeout, res.NewUserBonus.Kind)
	require.Equal(t, 0, h.wallet.sent(newUser))

	h.clock.Advance(2 * time.Minute)
	res, err = h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, 1, h.wallet.sent(newUser))
}

func TestDistributeMapsInsufficientFundsPerLeg(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	code := h.seedChain(t)

	h.wallet.fail(alice, wallet.ErrInsufficientFunds, "")
	res, err := h.executor.DistributeSignupBonus(context.Background(), newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, res.Status)
	require.Equal(t, referral.KindTreasuryExhausted, res.ReferrerCommissions[1].Kind)
	require.True(t, res.Retriable)
}

func TestDistributeAllLegsFailReportsTreasuryExhausted(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	code, err := h.tracker.IssueCode(ctx, alice)
	require.NoError(t, err)
	_, err = h.tracker.RegisterReferral(ctx, carol, code.Code, Attribution{})
	require.NoError(t, err)

	h.wallet.fail(carol, wallet.ErrInsufficientFunds, "")
	h.wallet.fail(alice, wallet.ErrInsufficientFunds, "")
	res, err := h.executor.DistributeSignupBonus(ctx, carol, code.Code)
	require.NoError(t, err)
	require.Equal(t, StatusTreasuryExhausted, res.Status)
	require.Len(t, res.Errors, 2)
}

func TestDistributeConcurrentDuplicatesPayOnce(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	code := h.seedChain(t)
	h.wallet.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []*DistributionResult
	var errs []error
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.executor.DistributeSignupBonus(context.Background(), newUser, code)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			results = append(results, res)
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, results, 8)
	require.Equal(t, 1, h.wallet.sent(newUser))
	require.Equal(t, 1, h.wallet.sent(bob))
	require.Equal(t, 1, h.wallet.sent(alice))

	res, err := h.executor.DistributeSignupBonus(context.Background(), newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyReceived, res.Status)
}

func TestDistributePaused(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	code := h.seedChain(t)
	ctx := context.Background()

	h.executor.Pause()
	require.True(t, h.executor.Paused())
	res, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)
	require.True(t, res.Retriable)
	require.ErrorIs(t, res.Err(), referral.ErrPaused)
	require.Equal(t, 0, h.wallet.sent(newUser))

	h.executor.Resume()
	res, err = h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
}

func TestDistributePausedStillAnswersPaidWallets(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	code := h.seedChain(t)
	ctx := context.Background()

	first, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	h.executor.Pause()
	res, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.AlreadyReceived)
	require.Equal(t, StatusAlreadyReceived, res.Status)
	require.Equal(t, "130", res.TotalDistributed)
	require.Equal(t, 1, h.wallet.sent(newUser))
}

func TestChainIgnoresUpstreamEdgesCreatedLater(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	code := h.refer(t, newUser, bob)
	h.clock.Advance(time.Hour)
	h.refer(t, bob, alice)

	res, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.ReferrerCommissions, 1)
	require.Equal(t, bob, res.ReferrerCommissions[0].Referrer)
	require.Equal(t, 0, h.wallet.sent(alice))
}

func TestChainStopsAtThreeLevels(t *testing.T) {
	h := newHarness(t, harnessConfig{maxPer: 1000})
	ctx := context.Background()

	h.refer(t, carol, dave)
	h.refer(t, alice, carol)
	h.refer(t, bob, alice)
	code := h.refer(t, newUser, bob)

	res, err := h.executor.DistributeSignupBonus(ctx, newUser, code)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.ReferrerCommissions, 3)
	require.Equal(t, carol, res.ReferrerCommissions[2].Referrer)
	require.Equal(t, "135", res.TotalDistributed)
	require.Equal(t, 0, h.wallet.sent(dave))
}

func TestNewExecutorValidatesSchedule(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := NewExecutor(h.store, h.treasury, referral.Schedule{})
	require.ErrorIs(t, err, referral.ErrInvalidSchedule)
	_, err = NewExecutor(nil, h.treasury, testSchedule(140))
	require.Error(t, err)
}
