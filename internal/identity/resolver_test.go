package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repvault/ai-backend/internal/apierr"
	"github.com/repvault/ai-backend/internal/domain"
)

// countingProfiles records how often the profile store is consulted.
type countingProfiles struct {
	profiles map[string]domain.Profile
	calls    int
	err      error
}

func (c *countingProfiles) GetProfile(_ context.Context, id string) (*domain.Profile, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func boolPtr(b bool) *bool { return &b }

func TestResolve(t *testing.T) {
	profiles := map[string]domain.Profile{
		"flagged":  {ID: "flagged", IsPremium: boolPtr(true), Plan: "free"},
		"planned":  {ID: "planned", Plan: "Gold"},
		"tiered":   {ID: "tiered", SubscriptionTier: "basic", Plan: "pro"},
		"unflag":   {ID: "unflag", IsPremium: boolPtr(false), SubscriptionTier: "plus"},
		"nonsense": {ID: "nonsense", Plan: "platinum"},
	}

	tests := []struct {
		name        string
		claims      Claims
		callerID    string
		want        domain.Identity
		wantLookups int
	}{
		{
			name:        "trusted subject without tier falls back to default",
			claims:      Claims{"sub": "user-123"},
			want:        domain.Identity{ID: "user-123", Tier: domain.TierFree, TierSource: domain.TierSourceDefault},
			wantLookups: 1,
		},
		{
			name:        "tier claim skips profile lookup",
			claims:      Claims{"sub": "flagged", "custom:tier": "PRO"},
			want:        domain.Identity{ID: "flagged", Tier: domain.TierPremium, TierSource: domain.TierSourceTrustedClaim},
			wantLookups: 0,
		},
		{
			name:        "free tier claim is authoritative",
			claims:      Claims{"sub": "flagged", "plan": "basic"},
			want:        domain.Identity{ID: "flagged", Tier: domain.TierFree, TierSource: domain.TierSourceTrustedClaim},
			wantLookups: 0,
		},
		{
			name:        "boolean premium claim",
			claims:      Claims{"sub": "u", "isPremium": true},
			want:        domain.Identity{ID: "u", Tier: domain.TierPremium, TierSource: domain.TierSourceTrustedClaim},
			wantLookups: 0,
		},
		{
			name:        "string boolean claim",
			claims:      Claims{"sub": "u", "custom:isPremium": "false"},
			want:        domain.Identity{ID: "u", Tier: domain.TierFree, TierSource: domain.TierSourceTrustedClaim},
			wantLookups: 0,
		},
		{
			name:        "unrecognised tier claim falls through",
			claims:      Claims{"sub": "planned", "tier": "enterprise"},
			want:        domain.Identity{ID: "planned", Tier: domain.TierPremium, TierSource: domain.TierSourceProfileRecord},
			wantLookups: 1,
		},
		{
			name:        "premium flag wins over plan",
			claims:      Claims{"sub": "flagged"},
			want:        domain.Identity{ID: "flagged", Tier: domain.TierPremium, TierSource: domain.TierSourceProfileRecord},
			wantLookups: 1,
		},
		{
			name:        "subscription tier wins over plan",
			callerID:    "tiered",
			want:        domain.Identity{ID: "tiered", Tier: domain.TierFree, TierSource: domain.TierSourceProfileRecord},
			wantLookups: 1,
		},
		{
			name:        "false flag defers to text fields",
			callerID:    "unflag",
			want:        domain.Identity{ID: "unflag", Tier: domain.TierPremium, TierSource: domain.TierSourceProfileRecord},
			wantLookups: 1,
		},
		{
			name:        "unknown plan text defaults",
			callerID:    "nonsense",
			want:        domain.Identity{ID: "nonsense", Tier: domain.TierFree, TierSource: domain.TierSourceDefault},
			wantLookups: 1,
		},
		{
			name:        "matching caller id is accepted",
			claims:      Claims{"sub": "u", "tier": "premium"},
			callerID:    "u",
			want:        domain.Identity{ID: "u", Tier: domain.TierPremium, TierSource: domain.TierSourceTrustedClaim},
			wantLookups: 0,
		},
		{
			name:        "cognito username used when sub missing",
			claims:      Claims{"cognito:username": "  alice  "},
			want:        domain.Identity{ID: "alice", Tier: domain.TierFree, TierSource: domain.TierSourceDefault},
			wantLookups: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &countingProfiles{profiles: profiles}
			r := NewResolver(store, false, nil)

			got, err := r.Resolve(context.Background(), tt.claims, tt.callerID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantLookups, store.calls, "profile lookups")
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name           string
		requireTrusted bool
		claims         Claims
		callerID       string
		want           error
	}{
		{"trusted identity required", true, nil, "user-1", apierr.ErrUnauthorized},
		{"claims without subject when required", true, Claims{"tier": "pro"}, "user-1", apierr.ErrUnauthorized},
		{"mismatch", false, Claims{"sub": "user-1"}, "user-2", apierr.ErrIdentityMismatch},
		{"mismatch when required", true, Claims{"sub": "user-1"}, "user-2", apierr.ErrIdentityMismatch},
		{"padded caller id does not match subject", false, Claims{"sub": "user-1"}, " user-1 ", apierr.ErrIdentityMismatch},
		{"whitespace caller id with subject", false, Claims{"sub": "user-1"}, "  ", apierr.ErrIdentityMismatch},
		{"no identifier", false, nil, "", apierr.ErrInvalidInput},
		{"blank identifier", false, Claims{"sub": "   "}, "  ", apierr.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &countingProfiles{}
			r := NewResolver(store, tt.requireTrusted, nil)

			_, err := r.Resolve(context.Background(), tt.claims, tt.callerID)
			if !errors.Is(err, tt.want) {
				t.Errorf("Resolve() error = %v, want %v", err, tt.want)
			}
			assert.Zero(t, store.calls)
		})
	}
}

func TestResolve_ProfileStoreFailure(t *testing.T) {
	store := &countingProfiles{err: errors.New("throttled")}
	r := NewResolver(store, false, nil)

	_, err := r.Resolve(context.Background(), Claims{"sub": "u"}, "")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInternal, apierr.From(err).Code)
}

func TestIsAdmin(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
		want   bool
	}{
		{"nil claims", nil, false},
		{"no signal", Claims{"sub": "u"}, false},
		{"comma groups", Claims{"cognito:groups": "users, Admin"}, true},
		{"bracketed groups", Claims{"cognito:groups": "[users admin]"}, true},
		{"json list string", Claims{"cognito:groups": `["users","admin"]`}, true},
		{"list groups", Claims{"cognito:groups": []any{"admin"}}, true},
		{"groups without admin", Claims{"cognito:groups": "administrators,users"}, false},
		{"role admin", Claims{"role": "ADMIN"}, true},
		{"custom role", Claims{"custom:role": "admin"}, true},
		{"flag yes", Claims{"isAdmin": "yes"}, true},
		{"flag one", Claims{"custom:isAdmin": "1"}, true},
		{"bool true", Claims{"isAdmin": true}, true},
		{"bool false then role", Claims{"isAdmin": false, "role": "admin"}, true},
		{"role user", Claims{"role": "user"}, false},
		{"flag no", Claims{"isAdmin": "no"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAdmin(tt.claims); got != tt.want {
				t.Errorf("IsAdmin(%v) = %v, want %v", tt.claims, got, tt.want)
			}
		})
	}
}

func TestNormalizeTier(t *testing.T) {
	tests := []struct {
		value  any
		want   domain.Tier
		wantOK bool
	}{
		{"premium", domain.TierPremium, true},
		{" Plus ", domain.TierPremium, true},
		{"paid", domain.TierPremium, true},
		{"GOLD", domain.TierPremium, true},
		{"true", domain.TierPremium, true},
		{true, domain.TierPremium, true},
		{"free", domain.TierFree, true},
		{"Basic", domain.TierFree, true},
		{"false", domain.TierFree, true},
		{false, domain.TierFree, true},
		{"", "", false},
		{"silver", "", false},
		{1.0, "", false},
		{nil, "", false},
	}

	for _, tt := range tests {
		got, ok := NormalizeTier(tt.value)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("NormalizeTier(%v) = (%q, %v), want (%q, %v)", tt.value, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestFirstMatch_PriorityOrder(t *testing.T) {
	claims := Claims{"plan": "free", "custom:tier": "premium", "tier": "basic"}
	tier, name, ok := FirstMatch(claims, TierExtractors)
	require.True(t, ok)
	assert.Equal(t, domain.TierPremium, tier)
	assert.Equal(t, "custom:tier", name)
}
