// Package redisstore implements the usage store on Redis hashes.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/repvault/ai-backend/internal/domain"
)

const keyUsage = "usage:user:%s"

// UsageStore keeps one hash per identity. Reset sets an expiry of one
// window so idle counters are dropped by Redis.
type UsageStore struct {
	client redis.Cmdable
	expiry time.Duration
}

// NewClient creates a client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewUsageStore creates a UsageStore. An expiry of zero keeps hashes forever.
func NewUsageStore(client redis.Cmdable, expiry time.Duration) *UsageStore {
	return &UsageStore{client: client, expiry: expiry}
}

func usageKey(id string) string {
	return fmt.Sprintf(keyUsage, id)
}

// GetUsage returns nil, nil when the hash does not exist.
func (s *UsageStore) GetUsage(ctx context.Context, id string) (*domain.UsageRecord, error) {
	fields, err := s.client.HGetAll(ctx, usageKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage hash: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &domain.UsageRecord{ID: id, Tier: domain.Tier(fields["subscriptionTier"])}
	if rec.RequestCount, err = intField(fields, "requestCount"); err != nil {
		return nil, err
	}
	if rec.WindowStartEpochMs, err = intField(fields, "windowStartEpochMs"); err != nil {
		return nil, err
	}
	return rec, nil
}

func intField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse usage field %s: %w", name, err)
	}
	return v, nil
}

// ResetUsage overwrites the hash in a MULTI/EXEC block.
func (s *UsageStore) ResetUsage(ctx context.Context, id string, windowStartMs int64, tier domain.Tier) error {
	key := usageKey(id)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"requestCount", 1,
			"windowStartEpochMs", windowStartMs,
			"subscriptionTier", string(tier))
		if s.expiry > 0 {
			pipe.PExpire(ctx, key, s.expiry)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset usage hash: %w", err)
	}
	return nil
}

// IncrementUsage uses HINCRBY, which treats a missing field as zero.
func (s *UsageStore) IncrementUsage(ctx context.Context, id string) error {
	if err := s.client.HIncrBy(ctx, usageKey(id), "requestCount", 1).Err(); err != nil {
		return fmt.Errorf("failed to increment usage hash: %w", err)
	}
	return nil
}
