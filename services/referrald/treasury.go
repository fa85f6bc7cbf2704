package referrald

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"cgdao/native/referral"
	"cgdao/observability"
	"cgdao/services/referrald/cache"
	"cgdao/services/referrald/wallet"
)

// DistributedLedger reports how much the pool has already paid out.
type DistributedLedger interface {
	DistributedTotal(ctx context.Context) (*big.Int, error)
}

// TreasuryCheck is the outcome of CheckAvailable.
type TreasuryCheck struct {
	Sufficient bool
	Required   *big.Int
	Remaining  *big.Int
}

// TreasuryOptions configures a TreasuryGate. Nil caches fall back to process
// memory.
type TreasuryOptions struct {
	PoolCap        *big.Int
	BalanceTTL     time.Duration
	ReservationTTL time.Duration
	Balances       cache.BalanceCache
	Pending        cache.PendingLedger
	Metrics        *observability.ReferralMetrics
	Logger         *slog.Logger
	Clock          func() time.Time
}

// TreasuryGate answers whether the signup bonus pool can cover a payout. It is
// advisory: concurrent callers may both pass, and the token transfer remains
// the final arbiter of available funds.
type TreasuryGate struct {
	wallet         wallet.TokenWallet
	ledger         DistributedLedger
	poolCap        *big.Int
	balanceTTL     time.Duration
	reservationTTL time.Duration
	balances       cache.BalanceCache
	pending        cache.PendingLedger
	metrics        *observability.ReferralMetrics
	logger         *slog.Logger
	now            func() time.Time
}

// NewTreasuryGate constructs a gate reading balances from w and payouts from ledger.
func NewTreasuryGate(w wallet.TokenWallet, ledger DistributedLedger, opts TreasuryOptions) *TreasuryGate {
	g := &TreasuryGate{
		wallet:         w,
		ledger:         ledger,
		balanceTTL:     opts.BalanceTTL,
		reservationTTL: opts.ReservationTTL,
		balances:       opts.Balances,
		pending:        opts.Pending,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		now:            opts.Clock,
	}
	if opts.PoolCap != nil {
		g.poolCap = new(big.Int).Set(opts.PoolCap)
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "treasury")
	if g.balances == nil {
		g.balances = cache.NewMemoryBalanceCache(g.now)
	}
	if g.pending == nil {
		g.pending = cache.NewMemoryPendingLedger(g.now)
	}
	if g.reservationTTL <= 0 {
		g.reservationTTL = 10 * time.Minute
	}
	return g
}

// Status reads the current pool state.
func (g *TreasuryGate) Status(ctx context.Context) (referral.TreasuryStatus, error) {
	balance, err := g.balance(ctx)
	if err != nil {
		return referral.TreasuryStatus{}, err
	}
	pending, err := g.pending.Total(ctx)
	if err != nil {
		return referral.TreasuryStatus{}, fmt.Errorf("treasury pending: %w", err)
	}
	distributed, err := g.ledger.DistributedTotal(ctx)
	if err != nil {
		return referral.TreasuryStatus{}, fmt.Errorf("treasury distributed: %w", err)
	}
	remaining := floorZero(new(big.Int).Sub(balance, pending))
	status := referral.TreasuryStatus{
		Balance:     balance,
		Pending:     pending,
		Distributed: distributed,
		Remaining:   remaining,
	}
	if g.poolCap != nil {
		status.PoolCap = new(big.Int).Set(g.poolCap)
		budget := new(big.Int).Sub(g.poolCap, distributed)
		budget = floorZero(budget.Sub(budget, pending))
		if budget.Cmp(remaining) < 0 {
			status.Remaining = budget
		}
	}
	g.metrics.RecordTreasury(status.Remaining, status.Pending)
	return status, nil
}

// CheckAvailable reports whether required fits in the remaining pool.
func (g *TreasuryGate) CheckAvailable(ctx context.Context, required *big.Int) (TreasuryCheck, error) {
	if required == nil || required.Sign() < 0 {
		return TreasuryCheck{}, fmt.Errorf("treasury: required amount must be non-negative")
	}
	status, err := g.Status(ctx)
	if err != nil {
		return TreasuryCheck{}, err
	}
	return TreasuryCheck{
		Sufficient: status.Remaining.Cmp(required) >= 0,
		Required:   new(big.Int).Set(required),
		Remaining:  status.Remaining,
	}, nil
}

// Reserve marks amount as in flight under key until Release or expiry.
func (g *TreasuryGate) Reserve(ctx context.Context, key string, amount *big.Int) {
	if err := g.pending.Reserve(ctx, key, amount, g.reservationTTL); err != nil {
		g.logger.Warn("reserve pending transfer failed", "key", key, "error", err)
	}
}

// Release drops a reservation. A confirmed transfer also invalidates the
// balance snapshot so the spend is visible before the cache expires.
func (g *TreasuryGate) Release(ctx context.Context, key string, spent bool) {
	if err := g.pending.Release(ctx, key); err != nil {
		g.logger.Warn("release pending transfer failed", "key", key, "error", err)
	}
	if spent {
		if err := g.balances.Invalidate(ctx); err != nil {
			g.logger.Warn("invalidate balance snapshot failed", "error", err)
		}
	}
}

func (g *TreasuryGate) balance(ctx context.Context) (*big.Int, error) {
	if g.balanceTTL > 0 {
		snapshot, ok, err := g.balances.Load(ctx)
		if err != nil {
			g.logger.Warn("balance snapshot unavailable", "error", err)
		} else if ok {
			return snapshot.Balance, nil
		}
	}
	balance, err := g.wallet.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("treasury balance: %w", err)
	}
	if balance == nil {
		balance = new(big.Int)
	}
	if g.balanceTTL > 0 {
		if err := g.balances.Store(ctx, cache.BalanceSnapshot{Balance: balance, ObservedAt: g.now()}, g.balanceTTL); err != nil {
			g.logger.Warn("store balance snapshot failed", "error", err)
		}
	}
	return new(big.Int).Set(balance), nil
}

func floorZero(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return v.SetInt64(0)
	}
	return v
}
