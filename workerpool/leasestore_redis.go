package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLeaseStore records each in-flight batch's deadline in a Redis sorted
// set (score = deadline unix time), so a second pool manager process (or
// an operator script) can tell which batches are overdue without sharing
// this process's in-memory pendingRequests.
type RedisLeaseStore struct {
	client *redis.Client
	prefix string
}

// RedisLeaseStoreConfig configures a RedisLeaseStore.
type RedisLeaseStoreConfig struct {
	RedisURL  string
	KeyPrefix string
}

// NewRedisLeaseStore connects to Redis and returns a lease store scoped to
// cfg.KeyPrefix (defaults to "counters:leases:").
func NewRedisLeaseStore(ctx context.Context, cfg RedisLeaseStoreConfig) (*RedisLeaseStore, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("workerpool: redis lease store requires a URL")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("workerpool: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("workerpool: connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "counters:leases:"
	}
	return &RedisLeaseStore{client: client, prefix: prefix}, nil
}

func (s *RedisLeaseStore) key() string { return s.prefix + "batches" }

// Close closes the Redis connection.
func (s *RedisLeaseStore) Close() error { return s.client.Close() }

// Acquire records batchID as leased until deadline.
func (s *RedisLeaseStore) Acquire(ctx context.Context, batchID string, deadline time.Time) error {
	return s.client.ZAdd(ctx, s.key(), redis.Z{Score: float64(deadline.Unix()), Member: batchID}).Err()
}

// Release removes batchID's lease, marking it resolved.
func (s *RedisLeaseStore) Release(ctx context.Context, batchID string) error {
	return s.client.ZRem(ctx, s.key(), batchID).Err()
}

// IsLeased reports whether batchID still has an unexpired lease.
func (s *RedisLeaseStore) IsLeased(ctx context.Context, batchID string) (bool, error) {
	score, err := s.client.ZScore(ctx, s.key(), batchID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("workerpool: check lease: %w", err)
	}
	return time.Now().Before(time.Unix(int64(score), 0)), nil
}

// Overdue returns every batch ID whose lease deadline has passed, so the
// pool manager (or an operator) can reconcile them.
func (s *RedisLeaseStore) Overdue(ctx context.Context) ([]string, error) {
	now := float64(time.Now().Unix())
	ids, err := s.client.ZRangeByScore(ctx, s.key(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return nil, fmt.Errorf("workerpool: list overdue leases: %w", err)
	}
	return ids, nil
}
