package referrald

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
	"cgdao/services/referrald/storage"
	"cgdao/services/referrald/wallet"
)

const (
	newUser = "0x1111111111111111111111111111111111111111"
	alice   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob     = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	carol   = "0xcccccccccccccccccccccccccccccccccccccccc"
	dave    = "0xdddddddddddddddddddddddddddddddddddddddd"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transferCall struct {
	to     string
	amount *big.Int
	hash   string
}

// fakeWallet is an in-memory token wallet. failFor makes transfers to a
// recipient fail with the given error, returning hashFor[recipient] as the
// hash of a possibly broadcast transaction.
type fakeWallet struct {
	mu        sync.Mutex
	balance   *big.Int
	seq       int
	transfers []transferCall
	failFor   map[string]error
	hashFor   map[string]string
	statuses  map[string]wallet.Status
	delay     time.Duration
}

func newFakeWallet(balance int64) *fakeWallet {
	return &fakeWallet{
		balance:  big.NewInt(balance),
		failFor:  make(map[string]error),
		hashFor:  make(map[string]string),
		statuses: make(map[string]wallet.Status),
	}
}

func (f *fakeWallet) Transfer(ctx context.Context, destination string, amount *big.Int) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[destination]; ok {
		return f.hashFor[destination], err
	}
	if f.balance.Cmp(amount) < 0 {
		return "", wallet.ErrInsufficientFunds
	}
	f.seq++
	hash := fmt.Sprintf("0x%064x", f.seq)
	f.balance.Sub(f.balance, amount)
	f.transfers = append(f.transfers, transferCall{to: destination, amount: new(big.Int).Set(amount), hash: hash})
	f.statuses[hash] = wallet.StatusSucceeded
	return hash, nil
}

func (f *fakeWallet) TransferStatus(_ context.Context, txHash string) (wallet.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[txHash]; ok {
		return status, nil
	}
	return wallet.StatusNotFound, nil
}

func (f *fakeWallet) Balance(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeWallet) sent(to string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.transfers {
		if call.to == to {
			n++
		}
	}
	return n
}

func (f *fakeWallet) fail(to string, err error, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[to] = err
	f.hashFor[to] = hash
}

func (f *fakeWallet) heal(to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failFor, to)
	delete(f.hashFor, to)
}

func (f *fakeWallet) setStatus(hash string, status wallet.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[hash] = status
}

func setupTestStore(t *testing.T, clock *testClock) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := storage.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store.WithClock(clock.Now)
}

// testSchedule pays 100 to the new user and 20/10/5 up the chain.
func testSchedule(maxPerSignup int64) referral.Schedule {
	return referral.Schedule{
		NewUserBonus: big.NewInt(100),
		Levels: [referral.MaxLevels]referral.LevelReward{
			{Amount: big.NewInt(20)},
			{Amount: big.NewInt(10)},
			{Amount: big.NewInt(5)},
		},
		MaxPerSignup: big.NewInt(maxPerSignup),
	}
}

type harness struct {
	clock    *testClock
	store    *storage.Store
	wallet   *fakeWallet
	treasury *TreasuryGate
	tracker  *Tracker
	executor *Executor
}

type harnessConfig struct {
	balance  int64
	maxPer   int64
	poolCap  *big.Int
	executor []ExecutorOption
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.balance == 0 {
		cfg.balance = 10_000
	}
	if cfg.maxPer == 0 {
		cfg.maxPer = 140
	}
	clock := newTestClock()
	store := setupTestStore(t, clock)
	w := newFakeWallet(cfg.balance)
	treasury := NewTreasuryGate(w, store, TreasuryOptions{PoolCap: cfg.poolCap, Clock: clock.Now})
	tracker := NewTracker(store, TrackerOptions{Hasher: NewIPHasher("test-salt"), Clock: clock.Now})
	opts := append([]ExecutorOption{
		WithWallet(w),
		WithRegistrar(tracker),
		WithClock(clock.Now),
		WithTransferTimeout(time.Second),
		WithClaimTTL(time.Minute),
	}, cfg.executor...)
	executor, err := NewExecutor(store, treasury, testSchedule(cfg.maxPer), opts...)
	require.NoError(t, err)
	return &harness{clock: clock, store: store, wallet: w, treasury: treasury, tracker: tracker, executor: executor}
}

// refer registers wallet under the code of referrer and returns the code.
func (h *harness) refer(t *testing.T, wallet, referrer string) string {
	t.Helper()
	ctx := context.Background()
	code, err := h.tracker.IssueCode(ctx, referrer)
	require.NoError(t, err)
	edge, err := h.tracker.RegisterReferral(ctx, wallet, code.Code, Attribution{})
	require.NoError(t, err)
	require.NotNil(t, edge)
	return code.Code
}

// seedChain builds alice <- bob <- newUser and returns bob's code.
func (h *harness) seedChain(t *testing.T) string {
	t.Helper()
	h.refer(t, bob, alice)
	return h.refer(t, newUser, bob)
}
