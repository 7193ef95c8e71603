// Package quota enforces per-identity request ceilings over a fixed window.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/repvault/ai-backend/internal/apierr"
	"github.com/repvault/ai-backend/internal/domain"
)

// DefaultWindow is the window length used when none is configured.
const DefaultWindow = 8 * time.Hour

// Store holds usage records. Each method must be a single atomic operation
// against the backing store.
type Store interface {
	// GetUsage returns nil, nil when no record exists.
	GetUsage(ctx context.Context, id string) (*domain.UsageRecord, error)
	// ResetUsage sets requestCount to 1, windowStart and tier in one write.
	ResetUsage(ctx context.Context, id string, windowStartMs int64, tier domain.Tier) error
	// IncrementUsage adds one to requestCount, initialising it to 0 first.
	IncrementUsage(ctx context.Context, id string) error
}

// Limits are the per-tier ceilings and the shared window length.
type Limits struct {
	Window  time.Duration
	Free    int64
	Premium int64
}

// Ceiling returns the request ceiling for tier.
func (l Limits) Ceiling(tier domain.Tier) int64 {
	if tier == domain.TierPremium {
		return l.Premium
	}
	return l.Free
}

// Ledger counts requests per identity. It is a best-effort limiter: racing
// requests at a window boundary may be over-admitted by at most the number
// of racers.
type Ledger struct {
	store  Store
	limits Limits
	clock  quartz.Clock
	logger *zap.Logger
}

// NewLedger creates a Ledger.
func NewLedger(store Store, limits Limits, clock quartz.Clock, logger *zap.Logger) *Ledger {
	if limits.Window <= 0 {
		limits.Window = DefaultWindow
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, limits: limits, clock: clock, logger: logger.Named("quota")}
}

// CheckAndConsume spends one unit of id's quota, or returns a
// RateLimitExceeded error without writing anything.
func (l *Ledger) CheckAndConsume(ctx context.Context, id string, tier domain.Tier) error {
	now := l.clock.Now().UnixMilli()
	windowMs := l.limits.Window.Milliseconds()

	rec, err := l.store.GetUsage(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read usage: %w", err)
	}

	var count, windowStart int64
	if rec != nil {
		count, windowStart = rec.RequestCount, rec.WindowStartEpochMs
	}

	if windowStart == 0 || now-windowStart >= windowMs {
		if err := l.store.ResetUsage(ctx, id, now, tier); err != nil {
			return fmt.Errorf("failed to reset usage window: %w", err)
		}
		return nil
	}

	limit := l.limits.Ceiling(tier)
	if count >= limit {
		l.logger.Warn("rate_limit_exceeded",
			zap.String("userId", id),
			zap.String("tier", string(tier)),
			zap.Int64("limit", limit),
			zap.Int64("currentCount", count),
			zap.Int64("windowStartEpochMs", windowStart),
			zap.Int64("nowEpochMs", now),
			zap.Int64("windowMs", windowMs))
		return apierr.RateLimitExceeded(fmt.Sprintf("Rate limit exceeded for this %s window.", windowLabel(l.limits.Window)))
	}

	if err := l.store.IncrementUsage(ctx, id); err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

func windowLabel(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d-hour", d/time.Hour)
	}
	return d.String()
}
