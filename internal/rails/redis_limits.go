package rails

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisLimitStore shares daily-limit counters across processes.
// Amounts are stored in paise so the counters stay integral.
type RedisLimitStore struct {
	rdb *redis.Client
}

// NewRedisLimitStore connects to Redis and verifies connectivity.
// Callers fall back to in-process counters when this fails.
func NewRedisLimitStore(addr, password string, db int) (*RedisLimitStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &RedisLimitStore{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (s *RedisLimitStore) Close() error { return s.rdb.Close() }

func limitKey(railName string) string { return "payflow:rail_limit:" + railName }

func toPaise(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}

func fromPaise(p int64) decimal.Decimal {
	return decimal.NewFromInt(p).Div(decimal.NewFromInt(100))
}

// Debit decrements the shared counter and returns the remainder.
func (s *RedisLimitStore) Debit(ctx context.Context, railName string, amount decimal.Decimal) (decimal.Decimal, error) {
	remaining, err := s.rdb.DecrBy(ctx, limitKey(railName), toPaise(amount)).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis debit %s: %w", railName, err)
	}
	return fromPaise(remaining), nil
}

// Reset restores the shared counter to the full daily limit.
func (s *RedisLimitStore) Reset(ctx context.Context, railName string, limit decimal.Decimal) error {
	if err := s.rdb.Set(ctx, limitKey(railName), toPaise(limit), 0).Err(); err != nil {
		return fmt.Errorf("redis reset %s: %w", railName, err)
	}
	return nil
}

var _ LimitStore = (*RedisLimitStore)(nil)
