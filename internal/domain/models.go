// Package domain contains the core domain types for the generation backend.
package domain

// Tier is the entitlement tier of a caller.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// TierSource records where a resolved tier came from.
type TierSource string

const (
	TierSourceTrustedClaim  TierSource = "trusted_claim"
	TierSourceProfileRecord TierSource = "profile_record"
	TierSourceDefault       TierSource = "default"
)

// Identity is the resolved caller for one request. It is never persisted.
type Identity struct {
	ID         string     `json:"id"`
	Tier       Tier       `json:"tier"`
	TierSource TierSource `json:"tierSource"`
}

// UsageRecord is the per-identity request counter for the current window.
type UsageRecord struct {
	ID                 string `dynamodbav:"userId"`
	RequestCount       int64  `dynamodbav:"requestCount"`
	WindowStartEpochMs int64  `dynamodbav:"windowStartEpochMs"`
	Tier               Tier   `dynamodbav:"subscriptionTier"`
}

// Profile is the externally owned user profile consulted for tier lookups.
type Profile struct {
	ID               string `dynamodbav:"userId"`
	SubscriptionTier string `dynamodbav:"subscriptionTier,omitempty"`
	Plan             string `dynamodbav:"plan,omitempty"`
	IsPremium        *bool  `dynamodbav:"isPremium,omitempty"`
}

// Platform is the client platform reporting migration status.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// InstallKeyPrefix prefixes the primary key of migration status records.
const InstallKeyPrefix = "INSTALL#"

// InstallKey returns the migration status primary key for an install.
func InstallKey(installID string) string {
	return InstallKeyPrefix + installID
}

// MigrationStatus is the last reported migration state of one install.
type MigrationStatus struct {
	PK                  string   `dynamodbav:"pk"`
	InstallID           string   `dynamodbav:"installId"`
	UserID              *string  `dynamodbav:"userId"`
	Platform            Platform `dynamodbav:"platform"`
	AppVersion          string   `dynamodbav:"appVersion"`
	SchemaVersion       float64  `dynamodbav:"schemaVersion"`
	LatestSchemaVersion float64  `dynamodbav:"latestSchemaVersion"`
	IsGoodToGo          bool     `dynamodbav:"isGoodToGo"`
	LastSeenAt          string   `dynamodbav:"lastSeenAt"`
	ExpiresAt           *int64   `dynamodbav:"ttl"`
}

// MigrationStats summarises migration status over a trailing window.
type MigrationStats struct {
	OK                 bool           `json:"ok"`
	ActiveInstalls     int            `json:"activeInstalls"`
	MigratedInstalls   int            `json:"migratedInstalls"`
	PercentMigrated    float64        `json:"percentMigrated"`
	SchemaDistribution map[string]int `json:"schemaDistribution"`
}
