package referrald

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cgdao/native/referral"
	"cgdao/observability"
	"cgdao/services/referrald/wallet"
)

// Ledger is the persistence surface the executor depends on.
type Ledger interface {
	DistributedLedger
	Edge(ctx context.Context, newUser string) (*referral.Edge, error)
	SignupBonus(ctx context.Context, recipient string) (*referral.SignupBonus, error)
	Commissions(ctx context.Context, sourceSignup string) ([]referral.Commission, error)
	InsertSignupBonus(ctx context.Context, bonus referral.SignupBonus) (referral.InsertResult[referral.SignupBonus], error)
	InsertCommission(ctx context.Context, commission referral.Commission) (referral.InsertResult[referral.Commission], error)
	ClaimLeg(ctx context.Context, leg referral.Leg, staleBefore time.Time) (referral.Leg, bool, error)
	ReclaimLeg(ctx context.Context, leg referral.Leg) (referral.Leg, bool, error)
	MarkLegSubmitted(ctx context.Context, leg referral.Leg, txHash, reason string) error
	ConfirmLeg(ctx context.Context, leg referral.Leg, txHash string) error
	FailLeg(ctx context.Context, leg referral.Leg, reason string) error
	RecordAttempt(ctx context.Context, attempt referral.Attempt) error
}

// Registrar creates the referral edge when a signup bonus request arrives
// with a code for a wallet that was never registered.
type Registrar interface {
	RegisterReferral(ctx context.Context, wallet, code string, attr Attribution) (*referral.Edge, error)
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithWallet sets the token wallet used for transfers.
func WithWallet(w wallet.TokenWallet) ExecutorOption {
	return func(e *Executor) {
		e.wallet = w
	}
}

// WithRegistrar enables edge registration on the direct signup bonus path.
func WithRegistrar(r Registrar) ExecutorOption {
	return func(e *Executor) {
		e.registrar = r
	}
}

// WithMetrics overrides the Prometheus collectors.
func WithMetrics(m *observability.ReferralMetrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithTransferTimeout bounds every single token transfer.
func WithTransferTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.transferTimeout = d
		}
	}
}

// WithClaimTTL sets how long a leg claim without a broadcast transaction
// blocks other callers.
func WithClaimTTL(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.claimTTL = d
		}
	}
}

// Executor distributes signup bonuses and referrer commissions.
type Executor struct {
	store           Ledger
	treasury        *TreasuryGate
	schedule        referral.Schedule
	wallet          wallet.TokenWallet
	registrar       Registrar
	metrics         *observability.ReferralMetrics
	logger          *slog.Logger
	tracer          trace.Tracer
	now             func() time.Time
	transferTimeout time.Duration
	claimTTL        time.Duration

	mu     sync.RWMutex
	paused bool
}

// NewExecutor builds an executor over the supplied store, treasury gate and
// reward schedule.
func NewExecutor(store Ledger, treasury *TreasuryGate, schedule referral.Schedule, opts ...ExecutorOption) (*Executor, error) {
	if store == nil {
		return nil, fmt.Errorf("referrald: store required")
	}
	if treasury == nil {
		return nil, fmt.Errorf("referrald: treasury gate required")
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		store:           store,
		treasury:        treasury,
		schedule:        schedule,
		logger:          slog.Default(),
		tracer:          otel.Tracer("cgdao/referrald"),
		now:             time.Now,
		transferTimeout: 90 * time.Second,
		claimTTL:        10 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor")
	return e, nil
}

// Pause halts new distributions. Requests already past the pause check run to
// completion.
func (e *Executor) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.metrics.SetPaused(true)
	e.logger.Warn("signup bonus distribution paused")
}

// Resume re-enables distributions.
func (e *Executor) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.metrics.SetPaused(false)
	e.logger.Info("signup bonus distribution resumed")
}

// Paused reports whether the pause guard is engaged.
func (e *Executor) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// DistributeSignupBonus pays the new-user bonus for wallet together with the
// commissions of its referral chain. Every outcome is reported through the
// result; the error is reserved for a malformed wallet address.
func (e *Executor) DistributeSignupBonus(ctx context.Context, rawWallet, code string) (*DistributionResult, error) {
	addr, err := referral.NormalizeAddress(rawWallet)
	if err != nil {
		return nil, err
	}
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "referral.distribute", trace.WithAttributes(attribute.String("referral.wallet", addr)))
	defer span.End()

	result := e.distribute(ctx, addr, strings.TrimSpace(code))

	span.SetAttributes(
		attribute.String("referral.status", string(result.Status)),
		attribute.String("referral.total_distributed", result.TotalDistributed),
	)
	if !result.Success {
		span.SetStatus(codes.Error, string(result.Status))
	}
	e.metrics.RecordDistribution(string(result.Status), e.now().Sub(start))

	log := e.logger.With("wallet", addr, "status", string(result.Status), "total", result.TotalDistributed)
	switch result.Status {
	case StatusCompleted, StatusAlreadyReceived, StatusNotEligible:
		log.Info("signup bonus distribution finished")
	default:
		log.Warn("signup bonus distribution incomplete", "errors", len(result.Errors), "retriable", result.Retriable)
	}
	return result, nil
}

type legPlan struct {
	index     int
	recipient string
	amount    *big.Int
	paid      bool
	txHash    string
	kind      referral.Kind
	err       error
}

func (p *legPlan) name() string {
	if p.index == referral.BonusLeg {
		return "bonus"
	}
	return "commission"
}

func (e *Executor) distribute(ctx context.Context, addr, code string) *DistributionResult {
	result := newResult(addr)

	bonus, err := e.store.SignupBonus(ctx, addr)
	if err != nil && !errors.Is(err, referral.ErrNotFound) {
		return e.internal(result, "load signup bonus", err)
	}
	if errors.Is(err, referral.ErrNotFound) {
		bonus = nil
	}

	edge, err := e.eligibility(ctx, addr, code, bonus != nil)
	if err != nil {
		if errors.Is(err, referral.ErrNotEligible) || referral.KindOf(err) == referral.KindInvalidInput {
			return result.fail(StatusNotEligible, referral.KindNotEligible, err.Error())
		}
		return e.internal(result, "load referral", err)
	}
	if edge == nil {
		return e.alreadyReceived(result, bonus, nil)
	}

	chain, err := e.chain(ctx, edge)
	if err != nil {
		return e.internal(result, "resolve referral chain", err)
	}

	recorded, err := e.store.Commissions(ctx, addr)
	if err != nil {
		return e.internal(result, "load commissions", err)
	}
	if bonus != nil && coversChain(recorded, len(chain)) {
		return e.alreadyReceived(result, bonus, recorded)
	}
	// paid wallets are answered above even while paused; only new transfers stop here
	if e.Paused() {
		return result.fail(StatusPaused, referral.KindPaused, referral.ErrPaused.Error())
	}

	breakdown, err := referral.Calculate(chain, e.schedule)
	if err != nil {
		var capErr *referral.ExceedsCapError
		if errors.As(err, &capErr) {
			e.metrics.RecordCapRejection()
			e.logger.Warn("signup bonus exceeds per-signup cap", "wallet", addr, "total", capErr.Total.String(), "cap", capErr.Cap.String())
			e.recordAttempt(ctx, addr, referral.AttemptExceedsCap, capErr.Total, &referral.AttemptDetail{
				Chain: chain,
				Total: capErr.Total.String(),
				Cap:   capErr.Cap.String(),
			})
			return result.fail(StatusExceedsCap, referral.KindExceedsCap, err.Error())
		}
		e.recordAttempt(ctx, addr, referral.AttemptFailed, nil, &referral.AttemptDetail{Chain: chain, Errors: []string{err.Error()}})
		return e.internal(result, "calculate distribution", err)
	}

	plans := planLegs(addr, chain, breakdown, bonus, recorded)
	required := new(big.Int)
	for _, plan := range plans {
		if !plan.paid {
			required.Add(required, plan.amount)
		}
	}
	detail := &referral.AttemptDetail{Chain: chain, Total: breakdown.Total.String()}

	if required.Sign() > 0 {
		check, err := e.treasury.CheckAvailable(ctx, required)
		if err != nil {
			detail.Errors = []string{err.Error()}
			e.recordAttempt(ctx, addr, referral.AttemptFailed, required, detail)
			e.fillLegs(result, plans)
			return e.internal(result, "check treasury", err)
		}
		if !check.Sufficient {
			msg := fmt.Sprintf("%s: remaining %s below required %s", referral.ErrTreasuryExhausted, check.Remaining, required)
			detail.Errors = []string{msg}
			e.recordAttempt(ctx, addr, referral.AttemptTreasuryExhausted, required, detail)
			e.fillLegs(result, plans)
			return result.fail(StatusTreasuryExhausted, referral.KindTreasuryExhausted, msg)
		}
	}

	for _, plan := range plans {
		if plan.paid {
			continue
		}
		e.runLeg(ctx, addr, plan)
	}

	e.fillLegs(result, plans)
	e.finish(result, plans)
	for _, le := range result.Errors {
		detail.Errors = append(detail.Errors, string(le.Kind)+": "+le.Message)
	}
	e.recordAttempt(ctx, addr, attemptStatus(result.Status), required, detail)
	return result
}

func (e *Executor) eligibility(ctx context.Context, addr, code string, paid bool) (*referral.Edge, error) {
	edge, err := e.store.Edge(ctx, addr)
	if err == nil {
		return edge, nil
	}
	if !errors.Is(err, referral.ErrNotFound) {
		return nil, err
	}
	if paid {
		// bonus recorded without an edge: nothing left to pay
		return nil, nil
	}
	if code == "" || e.registrar == nil {
		return nil, referral.ErrNotEligible
	}
	if _, err := e.registrar.RegisterReferral(ctx, addr, code, Attribution{Source: "signup_bonus"}); err != nil {
		return nil, err
	}
	edge, err = e.store.Edge(ctx, addr)
	if errors.Is(err, referral.ErrNotFound) {
		return nil, referral.ErrNotEligible
	}
	return edge, err
}

// chain walks referral edges upward from edge. Only upstream edges that
// existed when edge was created count, so the chain of a signup never grows
// after the fact.
func (e *Executor) chain(ctx context.Context, edge *referral.Edge) ([]string, error) {
	chain := []string{edge.Referrer}
	seen := map[string]struct{}{edge.NewUser: {}, edge.Referrer: {}}
	cursor := edge.Referrer
	for len(chain) < referral.MaxLevels {
		up, err := e.store.Edge(ctx, cursor)
		if errors.Is(err, referral.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if up.CreatedAt.After(edge.CreatedAt) {
			break
		}
		if _, dup := seen[up.Referrer]; dup {
			e.logger.Warn("referral cycle detected", "wallet", edge.NewUser, "at", cursor)
			break
		}
		seen[up.Referrer] = struct{}{}
		chain = append(chain, up.Referrer)
		cursor = up.Referrer
	}
	return chain, nil
}

func coversChain(recorded []referral.Commission, levels int) bool {
	have := make(map[int]struct{}, len(recorded))
	for _, c := range recorded {
		have[c.Level] = struct{}{}
	}
	for level := 1; level <= levels; level++ {
		if _, ok := have[level]; !ok {
			return false
		}
	}
	return true
}

func planLegs(addr string, chain []string, breakdown referral.Breakdown, bonus *referral.SignupBonus, recorded []referral.Commission) []*legPlan {
	plans := make([]*legPlan, 0, len(chain)+1)
	bonusPlan := &legPlan{index: referral.BonusLeg, recipient: addr, amount: breakdown.NewUserBonus}
	if bonus != nil {
		bonusPlan.paid = true
		bonusPlan.txHash = bonus.TxHash
		bonusPlan.amount = bonus.Amount
	}
	plans = append(plans, bonusPlan)

	byLevel := make(map[int]referral.Commission, len(recorded))
	for _, c := range recorded {
		byLevel[c.Level] = c
	}
	for _, share := range breakdown.Commissions {
		plan := &legPlan{index: share.Level, recipient: share.Referrer, amount: share.Amount}
		if c, ok := byLevel[share.Level]; ok {
			plan.paid = true
			plan.txHash = c.TxHash
			plan.recipient = c.Referrer
			plan.amount = c.Amount
		}
		plans = append(plans, plan)
	}
	return plans
}

// runLeg drives one leg to a settled, failed or unknown state. A leg owned by
// another caller is reported in progress and never transferred twice.
func (e *Executor) runLeg(ctx context.Context, source string, plan *legPlan) {
	leg, claimed, err := e.store.ClaimLeg(ctx, referral.Leg{
		SourceSignup: source,
		Index:        plan.index,
		Recipient:    plan.recipient,
		Amount:       plan.amount,
	}, e.now().Add(-e.claimTTL))
	if err != nil {
		plan.kind, plan.err = referral.KindInternal, err
		return
	}
	if !claimed {
		switch leg.Status {
		case referral.LegConfirmed:
			e.settle(ctx, source, plan, leg.TxHash)
			return
		case referral.LegSubmitted:
			next, ok := e.reconcile(ctx, source, plan, leg)
			if !ok {
				return
			}
			leg = next
		default:
			e.metrics.RecordLeg(plan.name(), "in_progress", nil)
			plan.kind = referral.KindInProgress
			plan.err = fmt.Errorf("%w: leg %d of %s", referral.ErrTransferInProgress, plan.index, source)
			return
		}
	}
	e.transfer(ctx, source, plan, leg)
}

// reconcile resolves a leg whose transaction outcome was unknown. It returns
// a reclaimed leg when a fresh transfer is safe.
func (e *Executor) reconcile(ctx context.Context, source string, plan *legPlan, leg referral.Leg) (referral.Leg, bool) {
	if e.wallet == nil {
		plan.kind, plan.err = referral.KindInternal, errors.New("referrald: wallet not configured")
		return leg, false
	}
	plan.txHash = leg.TxHash
	status := wallet.StatusNotFound
	if leg.TxHash != "" {
		var err error
		status, err = e.wallet.TransferStatus(ctx, leg.TxHash)
		if err != nil {
			plan.kind = referral.KindTimeout
			plan.err = fmt.Errorf("%w: status of %s: %v", referral.ErrTransferTimeout, leg.TxHash, err)
			return leg, false
		}
	}
	log := e.logger.With("wallet", source, "leg", plan.index, "tx_hash", leg.TxHash, "tx_status", string(status))
	switch status {
	case wallet.StatusSucceeded:
		if err := e.store.ConfirmLeg(ctx, leg, leg.TxHash); err != nil {
			log.Warn("confirm reconciled leg failed", "error", err)
		}
		e.settle(ctx, source, plan, leg.TxHash)
		return leg, false
	case wallet.StatusFailed:
		log.Info("previous transfer failed, retrying")
		return e.reclaim(ctx, plan, leg)
	case wallet.StatusNotFound:
		if leg.UpdatedAt.Before(e.now().Add(-e.claimTTL)) {
			log.Info("previous transfer dropped, retrying")
			return e.reclaim(ctx, plan, leg)
		}
	}
	plan.kind = referral.KindTimeout
	plan.err = fmt.Errorf("%w: transaction %s not final", referral.ErrTransferTimeout, leg.TxHash)
	return leg, false
}

func (e *Executor) reclaim(ctx context.Context, plan *legPlan, leg referral.Leg) (referral.Leg, bool) {
	next, ok, err := e.store.ReclaimLeg(ctx, leg)
	if err != nil {
		plan.kind, plan.err = referral.KindInternal, err
		return leg, false
	}
	if !ok {
		plan.kind = referral.KindInProgress
		plan.err = fmt.Errorf("%w: leg %d of %s", referral.ErrTransferInProgress, plan.index, leg.SourceSignup)
		return leg, false
	}
	plan.txHash = ""
	return next, true
}

func (e *Executor) transfer(ctx context.Context, source string, plan *legPlan, leg referral.Leg) {
	persist := context.WithoutCancel(ctx)
	if e.wallet == nil {
		e.failLeg(persist, leg, "wallet not configured")
		plan.kind, plan.err = referral.KindInternal, errors.New("referrald: wallet not configured")
		return
	}
	key := reservationKey(source, plan.index)
	e.treasury.Reserve(ctx, key, plan.amount)

	tctx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	txHash, err := e.wallet.Transfer(tctx, plan.recipient, plan.amount)
	cancel()

	log := e.logger.With("wallet", source, "leg", plan.index, "recipient", plan.recipient, "amount", plan.amount.String())
	if err == nil {
		e.treasury.Release(persist, key, true)
		if cerr := e.store.ConfirmLeg(persist, leg, txHash); cerr != nil {
			log.Warn("confirm leg failed", "tx_hash", txHash, "error", cerr)
		}
		e.settle(persist, source, plan, txHash)
		return
	}

	plan.txHash = txHash
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		e.treasury.Release(persist, key, false)
		e.failLeg(persist, leg, err.Error())
		e.metrics.RecordLeg(plan.name(), "treasury_exhausted", nil)
		plan.kind = referral.KindTreasuryExhausted
		plan.err = fmt.Errorf("%w: %v", referral.ErrTreasuryExhausted, err)
	case errors.Is(err, wallet.ErrReverted):
		e.treasury.Release(persist, key, false)
		e.failLeg(persist, leg, err.Error())
		e.metrics.RecordLeg(plan.name(), "failed", nil)
		plan.kind = referral.KindTransferFailed
		plan.err = fmt.Errorf("%w: %v", referral.ErrTransferFailed, err)
	case txHash != "":
		// broadcast may have happened; the reservation stays until it expires
		if merr := e.store.MarkLegSubmitted(persist, leg, txHash, err.Error()); merr != nil {
			log.Error("journal submitted leg failed", "tx_hash", txHash, "error", merr)
		}
		e.metrics.RecordLeg(plan.name(), "unknown", nil)
		log.Warn("transfer outcome unknown", "tx_hash", txHash, "error", err)
		plan.kind = referral.KindTimeout
		plan.err = fmt.Errorf("%w: %v", referral.ErrTransferTimeout, err)
	case errors.Is(err, wallet.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		e.treasury.Release(persist, key, false)
		e.failLeg(persist, leg, err.Error())
		e.metrics.RecordLeg(plan.name(), "timeout", nil)
		plan.kind = referral.KindTimeout
		plan.err = fmt.Errorf("%w: %v", referral.ErrTransferTimeout, err)
	default:
		e.treasury.Release(persist, key, false)
		e.failLeg(persist, leg, err.Error())
		e.metrics.RecordLeg(plan.name(), "failed", nil)
		plan.kind = referral.KindTransferFailed
		plan.err = fmt.Errorf("%w: %v", referral.ErrTransferFailed, err)
	}
	log.Warn("transfer leg failed", "kind", string(plan.kind), "error", err)
}

// settle persists the payout record of a leg whose transfer succeeded.
func (e *Executor) settle(ctx context.Context, source string, plan *legPlan, txHash string) {
	plan.txHash = txHash
	var inserted bool
	if plan.index == referral.BonusLeg {
		res, err := e.store.InsertSignupBonus(ctx, referral.SignupBonus{
			Recipient:  plan.recipient,
			Amount:     plan.amount,
			TxHash:     txHash,
			ReceivedAt: e.now(),
		})
		if err != nil {
			e.recordLost(source, plan, txHash, err)
			return
		}
		inserted = res.Status == referral.Inserted
		plan.txHash = res.Record.TxHash
	} else {
		res, err := e.store.InsertCommission(ctx, referral.Commission{
			Referrer:     plan.recipient,
			Level:        plan.index,
			Amount:       plan.amount,
			SourceSignup: source,
			TxHash:       txHash,
			PaidAt:       e.now(),
		})
		if err != nil {
			e.recordLost(source, plan, txHash, err)
			return
		}
		inserted = res.Status == referral.Inserted
		plan.txHash = res.Record.TxHash
	}
	plan.paid = true
	if inserted {
		e.metrics.RecordLeg(plan.name(), "paid", plan.amount)
	}
}

func (e *Executor) recordLost(source string, plan *legPlan, txHash string, err error) {
	e.logger.Error("transfer succeeded but payout record write failed",
		"wallet", source, "leg", plan.index, "tx_hash", txHash, "error", err)
	plan.kind = referral.KindInternal
	plan.err = fmt.Errorf("record payout %s: %w", txHash, err)
}

func (e *Executor) failLeg(ctx context.Context, leg referral.Leg, reason string) {
	if err := e.store.FailLeg(ctx, leg, reason); err != nil {
		e.logger.Warn("journal failed leg", "wallet", leg.SourceSignup, "leg", leg.Index, "error", err)
	}
}

func (e *Executor) fillLegs(result *DistributionResult, plans []*legPlan) {
	total := new(big.Int)
	result.ReferrerCommissions = result.ReferrerCommissions[:0]
	for _, plan := range plans {
		var msg string
		if plan.err != nil {
			msg = plan.err.Error()
		}
		if plan.paid {
			total.Add(total, plan.amount)
		}
		if plan.index == referral.BonusLeg {
			result.NewUserBonus = &BonusOutcome{
				Paid:   plan.paid,
				Amount: amountString(plan.amount),
				TxHash: plan.txHash,
				Error:  msg,
				Kind:   plan.kind,
			}
			continue
		}
		result.ReferrerCommissions = append(result.ReferrerCommissions, CommissionOutcome{
			Referrer: plan.recipient,
			Level:    plan.index,
			Amount:   amountString(plan.amount),
			Paid:     plan.paid,
			TxHash:   plan.txHash,
			Error:    msg,
			Kind:     plan.kind,
		})
	}
	result.TotalDistributed = total.String()
}

func (e *Executor) finish(result *DistributionResult, plans []*legPlan) {
	anyPaid, allPaid := false, true
	kinds := make(map[referral.Kind]struct{})
	for _, plan := range plans {
		if plan.paid {
			anyPaid = true
			continue
		}
		allPaid = false
		kind := plan.kind
		if kind == "" {
			kind = referral.KindInternal
		}
		kinds[kind] = struct{}{}
		msg := "leg not paid"
		if plan.err != nil {
			msg = plan.err.Error()
		}
		result.addError(kind, fmt.Sprintf("%s level %d: %s", plan.name(), plan.index, msg))
	}
	_, onlyExhausted := kinds[referral.KindTreasuryExhausted]
	onlyExhausted = onlyExhausted && len(kinds) == 1
	_, onlyInProgress := kinds[referral.KindInProgress]
	onlyInProgress = onlyInProgress && len(kinds) == 1

	switch {
	case allPaid:
		result.Status = StatusCompleted
		result.Success = true
	case anyPaid:
		result.Status = StatusPartial
	case onlyExhausted:
		result.Status = StatusTreasuryExhausted
	case onlyInProgress:
		result.Status = StatusInProgress
	default:
		result.Status = StatusFailed
	}
}

func (e *Executor) alreadyReceived(result *DistributionResult, bonus *referral.SignupBonus, recorded []referral.Commission) *DistributionResult {
	total := new(big.Int)
	if bonus != nil {
		result.NewUserBonus = &BonusOutcome{Paid: true, Amount: amountString(bonus.Amount), TxHash: bonus.TxHash}
		if bonus.Amount != nil {
			total.Add(total, bonus.Amount)
		}
	}
	for _, c := range recorded {
		result.ReferrerCommissions = append(result.ReferrerCommissions, CommissionOutcome{
			Referrer: c.Referrer,
			Level:    c.Level,
			Amount:   amountString(c.Amount),
			Paid:     true,
			TxHash:   c.TxHash,
		})
		if c.Amount != nil {
			total.Add(total, c.Amount)
		}
	}
	result.Status = StatusAlreadyReceived
	result.AlreadyReceived = true
	result.Success = true
	result.TotalDistributed = total.String()
	return result
}

func (e *Executor) internal(result *DistributionResult, op string, err error) *DistributionResult {
	e.logger.Error("signup bonus distribution error", "wallet", result.Wallet, "op", op, "error", err)
	return result.fail(StatusFailed, referral.KindInternal, fmt.Sprintf("%s: %v", op, err))
}

func (e *Executor) recordAttempt(ctx context.Context, addr string, status referral.AttemptStatus, required *big.Int, detail *referral.AttemptDetail) {
	attempt := referral.Attempt{
		ID:        uuid.NewString(),
		Wallet:    addr,
		Status:    status,
		Required:  required,
		Detail:    detail,
		CreatedAt: e.now(),
	}
	if err := e.store.RecordAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		e.logger.Warn("record distribution attempt failed", "wallet", addr, "error", err)
	}
}

func attemptStatus(status DistributionStatus) referral.AttemptStatus {
	switch status {
	case StatusCompleted:
		return referral.AttemptCompleted
	case StatusPartial:
		return referral.AttemptPartial
	case StatusTreasuryExhausted:
		return referral.AttemptTreasuryExhausted
	default:
		return referral.AttemptFailed
	}
}

func reservationKey(source string, index int) string {
	return fmt.Sprintf("%s/%d", source, index)
}
