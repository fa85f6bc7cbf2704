package cache

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// BalanceSnapshot is a cached distributor balance reading.
type BalanceSnapshot struct {
	Balance    *big.Int
	ObservedAt time.Time
}

// BalanceCache stores the most recent balance reading for a bounded time.
type BalanceCache interface {
	Load(ctx context.Context) (BalanceSnapshot, bool, error)
	Store(ctx context.Context, snapshot BalanceSnapshot, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

// PendingLedger sums the amounts of transfers that are in flight.
type PendingLedger interface {
	Reserve(ctx context.Context, key string, amount *big.Int, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	Total(ctx context.Context) (*big.Int, error)
}

// MemoryBalanceCache is a process-local BalanceCache.
type MemoryBalanceCache struct {
	mu       sync.Mutex
	now      func() time.Time
	snapshot *BalanceSnapshot
	expires  time.Time
}

// NewMemoryBalanceCache returns an empty cache. A nil clock uses time.Now.
func NewMemoryBalanceCache(now func() time.Time) *MemoryBalanceCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryBalanceCache{now: now}
}

func (c *MemoryBalanceCache) Load(context.Context) (BalanceSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil || !c.now().Before(c.expires) {
		return BalanceSnapshot{}, false, nil
	}
	return BalanceSnapshot{Balance: new(big.Int).Set(c.snapshot.Balance), ObservedAt: c.snapshot.ObservedAt}, true, nil
}

func (c *MemoryBalanceCache) Store(_ context.Context, snapshot BalanceSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := BalanceSnapshot{Balance: new(big.Int).Set(snapshot.Balance), ObservedAt: snapshot.ObservedAt}
	c.snapshot = &copied
	c.expires = c.now().Add(ttl)
	return nil
}

func (c *MemoryBalanceCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = nil
	return nil
}

type reservation struct {
	amount  *big.Int
	expires time.Time
}

// MemoryPendingLedger is a process-local PendingLedger.
type MemoryPendingLedger struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]reservation
}

// NewMemoryPendingLedger returns an empty ledger. A nil clock uses time.Now.
func NewMemoryPendingLedger(now func() time.Time) *MemoryPendingLedger {
	if now == nil {
		now = time.Now
	}
	return &MemoryPendingLedger{now: now, entries: make(map[string]reservation)}
}

func (l *MemoryPendingLedger) Reserve(_ context.Context, key string, amount *big.Int, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = reservation{amount: new(big.Int).Set(amount), expires: l.now().Add(ttl)}
	return nil
}

func (l *MemoryPendingLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

func (l *MemoryPendingLedger) Total(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	total := new(big.Int)
	for key, r := range l.entries {
		if !now.Before(r.expires) {
			delete(l.entries, key)
			continue
		}
		total.Add(total, r.amount)
	}
	return total, nil
}
