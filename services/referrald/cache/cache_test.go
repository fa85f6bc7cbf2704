package cache

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDecodeAmountRejectsUnknownVersion(t *testing.T) {
	raw, err := encodeAmount(big.NewInt(42), time.Unix(0, 0))
	require.NoError(t, err)
	amount, _, ok := decodeAmount(raw)
	require.True(t, ok)
	require.Equal(t, int64(42), amount.Int64())

	_, _, ok = decodeAmount([]byte(`{"v":2,"amount":"42"}`))
	require.False(t, ok)
	_, _, ok = decodeAmount([]byte(`{"v":1,"amount":"-1"}`))
	require.False(t, ok)
	_, _, ok = decodeAmount([]byte(`garbage`))
	require.False(t, ok)
}

func TestMemoryBalanceCacheExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryBalanceCache(func() time.Time { return now })
	ctx := context.Background()

	_, ok, err := c.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Store(ctx, BalanceSnapshot{Balance: big.NewInt(500), ObservedAt: now}, time.Minute))
	snap, ok, err := c.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(500), snap.Balance.Int64())

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryPendingLedger(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryPendingLedger(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "a", big.NewInt(10), time.Minute))
	require.NoError(t, l.Reserve(ctx, "b", big.NewInt(5), time.Hour))
	total, err := l.Total(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(15), total.Int64())

	require.NoError(t, l.Release(ctx, "b"))
	now = now.Add(2 * time.Minute)
	total, err = l.Total(ctx)
	require.NoError(t, err)
	require.Zero(t, total.Sign())
}

// TestRedisPendingLedger runs against a live server when REDIS_TEST_URL is set.
func TestRedisPendingLedger(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	prefix := "referrald-test:" + uuid.NewString() + ":"
	ledger := NewRedisPendingLedger(client, prefix)
	require.NoError(t, ledger.Reserve(ctx, "0xnew/0", big.NewInt(100), time.Minute))
	require.NoError(t, ledger.Reserve(ctx, "0xnew/1", big.NewInt(20), time.Minute))
	total, err := ledger.Total(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(120), total.Int64())
	require.NoError(t, ledger.Release(ctx, "0xnew/0"))
	require.NoError(t, ledger.Release(ctx, "0xnew/1"))

	balances := NewRedisBalanceCache(client, prefix)
	require.NoError(t, balances.Store(ctx, BalanceSnapshot{Balance: big.NewInt(7), ObservedAt: time.Now()}, time.Minute))
	snap, ok, err := balances.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), snap.Balance.Int64())
	require.NoError(t, balances.Invalidate(ctx))
}
