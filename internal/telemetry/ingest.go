package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/repvault/ai-backend/internal/apierr"
	"github.com/repvault/ai-backend/internal/domain"
	"github.com/repvault/ai-backend/internal/identity"
)

// ErrStaleReport is returned by a Writer when the stored record already has
// an equal or later lastSeenAt.
var ErrStaleReport = errors.New("migration status is not newer than stored record")

// Writer performs the conditional migration status upsert. The write must
// succeed when no record exists or when rec.LastSeenAt is strictly greater
// than the stored value, and return ErrStaleReport otherwise.
type Writer interface {
	PutIfNewer(ctx context.Context, rec domain.MigrationStatus) error
}

const secondsPerDay = 24 * 60 * 60

// Ingestor records migration status reports.
type Ingestor struct {
	store   Writer
	ttlDays int
	logger  *zap.Logger
}

// NewIngestor creates an Ingestor. A ttlDays of zero or less stores records
// without an expiry.
func NewIngestor(store Writer, ttlDays int, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{store: store, ttlDays: ttlDays, logger: logger.Named("telemetry")}
}

// Ingest validates and records one report. Reports older than or equal to
// the stored one are accepted without changing state.
func (i *Ingestor) Ingest(ctx context.Context, claims identity.Claims, fields map[string]any) error {
	report, err := ParseReport(fields)
	if err != nil {
		return err
	}

	rec := i.record(report, claims)
	err = i.store.PutIfNewer(ctx, rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleReport):
		i.logger.Debug("stale migration report ignored",
			zap.String("installId", report.InstallID),
			zap.String("timestamp", report.Timestamp))
		return nil
	default:
		return apierr.Internal(fmt.Errorf("failed to store migration status: %w", err))
	}
}

func (i *Ingestor) record(r Report, claims identity.Claims) domain.MigrationStatus {
	rec := domain.MigrationStatus{
		PK:                  domain.InstallKey(r.InstallID),
		InstallID:           r.InstallID,
		Platform:            r.Platform,
		AppVersion:          r.AppVersion,
		SchemaVersion:       r.SchemaVersion,
		LatestSchemaVersion: r.LatestSchemaVersion,
		IsGoodToGo:          r.SchemaVersion >= r.LatestSchemaVersion,
		LastSeenAt:          r.Timestamp,
	}
	if userID, ok := identity.Subject(claims); ok {
		rec.UserID = &userID
	}
	if i.ttlDays > 0 {
		expires := r.ReportedAt.Unix() + int64(i.ttlDays)*secondsPerDay
		rec.ExpiresAt = &expires
	}
	return rec
}
