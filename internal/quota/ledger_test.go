package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repvault/ai-backend/internal/apierr"
	"github.com/repvault/ai-backend/internal/domain"
	"github.com/repvault/ai-backend/internal/store/memstore"
)

var testLimits = Limits{Window: 8 * time.Hour, Free: 2, Premium: 25}

func newTestLedger(t *testing.T) (*Ledger, *memstore.Store, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 2, 21, 18, 20, 0, 0, time.UTC))
	store := memstore.New()
	return NewLedger(store, testLimits, clock, nil), store, clock
}

func TestCheckAndConsume_CeilingPerTier(t *testing.T) {
	tests := []struct {
		name  string
		tier  domain.Tier
		limit int
	}{
		{"free", domain.TierFree, 2},
		{"premium", domain.TierPremium, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, _, _ := newTestLedger(t)
			ctx := context.Background()

			for i := 0; i < tt.limit; i++ {
				require.NoError(t, ledger.CheckAndConsume(ctx, "user-1", tt.tier), "request %d", i+1)
			}
			err := ledger.CheckAndConsume(ctx, "user-1", tt.tier)
			assert.True(t, errors.Is(err, apierr.ErrRateLimitExceeded), "request %d: got %v", tt.limit+1, err)
		})
	}
}

func TestCheckAndConsume_RejectionDoesNotIncrement(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierFree))
	require.NoError(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierFree))
	for i := 0; i < 3; i++ {
		require.Error(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierFree))
	}

	rec, err := store.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(2), rec.RequestCount)
}

func TestCheckAndConsume_WindowExpiryResets(t *testing.T) {
	ledger, store, clock := newTestLedger(t)
	ctx := context.Background()
	start := clock.Now()

	require.NoError(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierFree))
	require.NoError(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierFree))
	require.Error(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierFree))

	// One millisecond short of the window is still the old window.
	clock.Set(start.Add(8*time.Hour - time.Millisecond))
	require.Error(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierFree))

	clock.Set(start.Add(8 * time.Hour))
	require.NoError(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierFree))

	rec, err := store.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.RequestCount)
	assert.Equal(t, start.Add(8*time.Hour).UnixMilli(), rec.WindowStartEpochMs)
}

func TestCheckAndConsume_ResetRecordsTier(t *testing.T) {
	ledger, store, clock := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierFree))
	clock.Advance(9 * time.Hour)
	require.NoError(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierPremium))

	rec, err := store.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierPremium, rec.Tier)
}

func TestCheckAndConsume_ZeroWindowStartTreatedAsExpired(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	ctx := context.Background()

	// A counter created by a racing increment has no window start.
	require.NoError(t, store.IncrementUsage(ctx, "user-1"))
	require.NoError(t, store.IncrementUsage(ctx, "user-1"))

	require.NoError(t, ledger.CheckAndConsume(ctx, "user-1", domain.TierFree))
	rec, err := store.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.RequestCount)
}

func TestCheckAndConsume_IdentitiesAreIndependent(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.CheckAndConsume(ctx, "a", domain.TierFree))
	require.NoError(t, ledger.CheckAndConsume(ctx, "a", domain.TierFree))
	require.Error(t, ledger.CheckAndConsume(ctx, "a", domain.TierFree))
	require.NoError(t, ledger.CheckAndConsume(ctx, "b", domain.TierFree))
}

type failingStore struct{ memstore.Store }

func (failingStore) GetUsage(context.Context, string) (*domain.UsageRecord, error) {
	return nil, errors.New("connection reset")
}

func TestCheckAndConsume_StoreErrorIsNotRateLimit(t *testing.T) {
	ledger := NewLedger(&failingStore{}, testLimits, quartz.NewMock(t), nil)
	err := ledger.CheckAndConsume(context.Background(), "user-1", domain.TierFree)
	require.Error(t, err)
	assert.False(t, errors.Is(err, apierr.ErrRateLimitExceeded))
	assert.Equal(t, apierr.CodeInternal, apierr.From(err).Code)
}

func TestLimitsCeiling(t *testing.T) {
	assert.Equal(t, int64(2), testLimits.Ceiling(domain.TierFree))
	assert.Equal(t, int64(25), testLimits.Ceiling(domain.TierPremium))
	assert.Equal(t, int64(2), testLimits.Ceiling(domain.Tier("unknown")))
}
