// Package memstore provides in-process implementations of the usage,
// profile and migration status stores for local runs and tests.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/repvault/ai-backend/internal/domain"
	"github.com/repvault/ai-backend/internal/telemetry"
)

// DefaultPageSize bounds the number of records returned per scan page.
const DefaultPageSize = 100

// Store keeps every record in memory behind a single mutex, so each method
// is atomic in the same way a single DynamoDB item update is.
type Store struct {
	mu        sync.Mutex
	usage     map[string]domain.UsageRecord
	profiles  map[string]domain.Profile
	migration map[string]domain.MigrationStatus
	PageSize  int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		usage:     map[string]domain.UsageRecord{},
		profiles:  map[string]domain.Profile{},
		migration: map[string]domain.MigrationStatus{},
		PageSize:  DefaultPageSize,
	}
}

// GetUsage returns the usage record for id, or nil if there is none.
func (s *Store) GetUsage(_ context.Context, id string) (*domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.usage[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ResetUsage starts a new window with a count of one.
func (s *Store) ResetUsage(_ context.Context, id string, windowStartMs int64, tier domain.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[id] = domain.UsageRecord{ID: id, RequestCount: 1, WindowStartEpochMs: windowStartMs, Tier: tier}
	return nil
}

// IncrementUsage adds one to the request count, treating a missing count as zero.
func (s *Store) IncrementUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.usage[id]
	rec.ID = id
	rec.RequestCount++
	s.usage[id] = rec
	return nil
}

// PutProfile stores a profile.
func (s *Store) PutProfile(p domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// GetProfile returns the profile for id, or nil if there is none.
func (s *Store) GetProfile(_ context.Context, id string) (*domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// PutIfNewer writes rec when no record exists for its key or when its
// LastSeenAt sorts strictly after the stored one.
func (s *Store) PutIfNewer(_ context.Context, rec domain.MigrationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.migration[rec.PK]; ok && rec.LastSeenAt <= cur.LastSeenAt {
		return telemetry.ErrStaleReport
	}
	s.migration[rec.PK] = rec
	return nil
}

// GetMigrationStatus returns the stored record for installID, or nil.
func (s *Store) GetMigrationStatus(_ context.Context, installID string) (*domain.MigrationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.migration[domain.InstallKey(installID)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ScanMigrationStatus returns records in key order starting after pageToken.
func (s *Store) ScanMigrationStatus(_ context.Context, pageToken string) (telemetry.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.migration))
	for k := range s.migration {
		if k > pageToken {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	size := s.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	var page telemetry.Page
	for i, k := range keys {
		if i == size {
			page.NextToken = keys[i-1]
			break
		}
		page.Records = append(page.Records, s.migration[k])
	}
	return page, nil
}
