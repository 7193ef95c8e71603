package telemetry

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/repvault/ai-backend/internal/apierr"
	"github.com/repvault/ai-backend/internal/domain"
	"github.com/repvault/ai-backend/internal/identity"
)

// DefaultStatsDays is the trailing window used when a query omits days.
const DefaultStatsDays = 30

// Page is one page of a migration status scan. An empty NextToken means the
// scan is complete.
type Page struct {
	Records   []domain.MigrationStatus
	NextToken string
}

// Scanner pages through every migration status record.
type Scanner interface {
	ScanMigrationStatus(ctx context.Context, pageToken string) (Page, error)
}

// Aggregator computes migration statistics for administrators.
type Aggregator struct {
	store  Scanner
	clock  quartz.Clock
	logger *zap.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(store Scanner, clock quartz.Clock, logger *zap.Logger) *Aggregator {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: store, clock: clock, logger: logger.Named("telemetry")}
}

type statsInput struct {
	Days any `json:"days" validate:"positive_number"`
}

// ParseDays reads the days argument from a stats request body. An absent
// value yields DefaultStatsDays; an explicit null is rejected. Fractional
// values are floored.
func ParseDays(fields map[string]any) (float64, error) {
	raw, present := fields["days"]
	if !present {
		return DefaultStatsDays, nil
	}
	in := statsInput{Days: raw}
	if err := validationError(&in); err != nil {
		return 0, err
	}
	days, _ := numberValue(reflect.ValueOf(in.Days))
	return math.Floor(days), nil
}

// Stats returns statistics over records seen within the trailing days taken
// from the request fields. Callers without administrator claims are rejected
// before days is checked.
func (a *Aggregator) Stats(ctx context.Context, claims identity.Claims, fields map[string]any) (domain.MigrationStats, error) {
	if !identity.IsAdmin(claims) {
		return domain.MigrationStats{}, apierr.Forbidden("Admin privileges are required.")
	}
	days, err := ParseDays(fields)
	if err != nil {
		return domain.MigrationStats{}, err
	}

	cutoffMs := float64(a.clock.Now().UnixMilli()) - days*float64(24*time.Hour/time.Millisecond)
	stats := domain.MigrationStats{OK: true, SchemaDistribution: map[string]int{}}

	token, pages := "", 0
	for {
		page, err := a.store.ScanMigrationStatus(ctx, token)
		if err != nil {
			return domain.MigrationStats{}, apierr.Internal(fmt.Errorf("failed to scan migration status: %w", err))
		}
		pages++
		for _, rec := range page.Records {
			seenAt, err := time.Parse(time.RFC3339Nano, rec.LastSeenAt)
			if err != nil || float64(seenAt.UnixMilli()) < cutoffMs {
				continue
			}
			stats.ActiveInstalls++
			if rec.IsGoodToGo {
				stats.MigratedInstalls++
			}
			stats.SchemaDistribution[versionKey(rec.SchemaVersion)]++
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	if stats.ActiveInstalls > 0 {
		pct := float64(stats.MigratedInstalls) / float64(stats.ActiveInstalls) * 100
		stats.PercentMigrated = math.Round(pct*100) / 100
	}

	a.logger.Info("migration stats computed",
		zap.Float64("days", days),
		zap.Int("pages", pages),
		zap.Int("activeInstalls", stats.ActiveInstalls))
	return stats, nil
}

// versionKey renders a schema version the way JSON clients print numbers:
// shortest decimal form, exponent notation at 1e21 and above or below 1e-6,
// and negative zero as "0".
func versionKey(v float64) string {
	if v == 0 {
		return "0"
	}
	if abs := math.Abs(v); abs < 1e21 && abs >= 1e-6 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(v, 'e', -1, 64), "e")
	return mantissa + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
}
