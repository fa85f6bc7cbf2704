package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// valueSchemaVersion versions every JSON value referrald writes to Redis.
// Values carrying another version are treated as missing.
const valueSchemaVersion = 1

// Connect initialises a Redis client from a redis:// URL or a host:port pair
// and checks it answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	trimmed := strings.TrimSpace(redisURL)
	if trimmed == "" {
		return nil, fmt.Errorf("redis url required")
	}
	var client *redis.Client
	if strings.HasPrefix(trimmed, "redis://") || strings.HasPrefix(trimmed, "rediss://") {
		opt, err := redis.ParseURL(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: trimmed})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type amountValue struct {
	Version    int       `json:"v"`
	Amount     string    `json:"amount"`
	ObservedAt time.Time `json:"observedAt"`
}

func encodeAmount(amount *big.Int, observed time.Time) ([]byte, error) {
	return json.Marshal(amountValue{Version: valueSchemaVersion, Amount: amount.String(), ObservedAt: observed.UTC()})
}

// decodeAmount returns ok=false for values that are malformed or written by
// another schema version.
func decodeAmount(raw []byte) (*big.Int, time.Time, bool) {
	var v amountValue
	if err := json.Unmarshal(raw, &v); err != nil || v.Version != valueSchemaVersion {
		return nil, time.Time{}, false
	}
	amount, ok := new(big.Int).SetString(v.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, time.Time{}, false
	}
	return amount, v.ObservedAt, true
}

// RedisBalanceCache keeps the last observed distributor balance.
type RedisBalanceCache struct {
	client *redis.Client
	key    string
}

// NewRedisBalanceCache stores the snapshot under prefix + "treasury:balance".
func NewRedisBalanceCache(client *redis.Client, prefix string) *RedisBalanceCache {
	return &RedisBalanceCache{client: client, key: prefix + "treasury:balance"}
}

func (c *RedisBalanceCache) Load(ctx context.Context) (BalanceSnapshot, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return BalanceSnapshot{}, false, nil
	}
	if err != nil {
		return BalanceSnapshot{}, false, fmt.Errorf("load balance snapshot: %w", err)
	}
	amount, observed, ok := decodeAmount(raw)
	if !ok {
		return BalanceSnapshot{}, false, nil
	}
	return BalanceSnapshot{Balance: amount, ObservedAt: observed}, true, nil
}

func (c *RedisBalanceCache) Store(ctx context.Context, snapshot BalanceSnapshot, ttl time.Duration) error {
	if snapshot.Balance == nil {
		return fmt.Errorf("balance snapshot missing amount")
	}
	raw, err := encodeAmount(snapshot.Balance, snapshot.ObservedAt)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store balance snapshot: %w", err)
	}
	return nil
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}

// RedisPendingLedger tracks in-flight transfer reservations as expiring keys
// so a crashed worker cannot hold budget forever.
type RedisPendingLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisPendingLedger stores reservations under prefix + "treasury:pending:".
func NewRedisPendingLedger(client *redis.Client, prefix string) *RedisPendingLedger {
	return &RedisPendingLedger{client: client, prefix: prefix + "treasury:pending:"}
}

func (l *RedisPendingLedger) Reserve(ctx context.Context, key string, amount *big.Int, ttl time.Duration) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("reservation amount must be positive")
	}
	raw, err := encodeAmount(amount, time.Now())
	if err != nil {
		return err
	}
	if err := l.client.Set(ctx, l.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("reserve %s: %w", key, err)
	}
	return nil
}

func (l *RedisPendingLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (l *RedisPendingLedger) Total(ctx context.Context) (*big.Int, error) {
	total := new(big.Int)
	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, l.prefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan reservations: %w", err)
		}
		if len(keys) > 0 {
			values, err := l.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("load reservations: %w", err)
			}
			for _, v := range values {
				s, ok := v.(string)
				if !ok {
					// expired between SCAN and MGET
					continue
				}
				if amount, _, ok := decodeAmount([]byte(s)); ok {
					total.Add(total, amount)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}
