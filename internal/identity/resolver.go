// Package identity resolves the caller identity and entitlement tier of a
// request from trusted authorizer claims, a caller supplied id and the user
// profile store.
package identity

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/repvault/ai-backend/internal/apierr"
	"github.com/repvault/ai-backend/internal/domain"
)

// ProfileStore looks up user profiles. Get returns nil, nil when no profile
// exists for id.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*domain.Profile, error)
}

// Resolver derives an Identity for each request.
type Resolver struct {
	profiles       ProfileStore
	requireTrusted bool
	logger         *zap.Logger
}

// NewResolver creates a Resolver. When requireTrusted is set, requests
// without a trusted subject claim are rejected.
func NewResolver(profiles ProfileStore, requireTrusted bool, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		profiles:       profiles,
		requireTrusted: requireTrusted,
		logger:         logger.Named("identity"),
	}
}

// Resolve returns the caller identity. callerID is the id supplied in the
// request body and may be empty. It is compared with the trusted subject
// exactly as sent.
func (r *Resolver) Resolve(ctx context.Context, claims Claims, callerID string) (domain.Identity, error) {
	trustedID, hasTrusted := Subject(claims)

	if r.requireTrusted && !hasTrusted {
		return domain.Identity{}, apierr.Unauthorized("A valid Cognito token is required.")
	}
	if hasTrusted && callerID != "" && trustedID != callerID {
		return domain.Identity{}, apierr.IdentityMismatch("Authenticated user does not match request userId.")
	}

	id := trustedID
	if id == "" {
		id = callerID
	}
	if strings.TrimSpace(id) == "" {
		return domain.Identity{}, apierr.InvalidInput("Missing required field: userId.")
	}

	if tier, source, ok := FirstMatch(claims, TierExtractors); ok {
		r.logger.Debug("tier from claims", zap.String("userId", id), zap.String("claim", source))
		return domain.Identity{ID: id, Tier: tier, TierSource: domain.TierSourceTrustedClaim}, nil
	}

	tier, ok, err := r.profileTier(ctx, id)
	if err != nil {
		return domain.Identity{}, err
	}
	if ok {
		return domain.Identity{ID: id, Tier: tier, TierSource: domain.TierSourceProfileRecord}, nil
	}

	return domain.Identity{ID: id, Tier: domain.TierFree, TierSource: domain.TierSourceDefault}, nil
}

func (r *Resolver) profileTier(ctx context.Context, id string) (domain.Tier, bool, error) {
	if r.profiles == nil {
		return "", false, nil
	}
	profile, err := r.profiles.GetProfile(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return "", false, nil
	}
	if profile.IsPremium != nil && *profile.IsPremium {
		return domain.TierPremium, true, nil
	}
	if tier, ok := NormalizeTier(profile.SubscriptionTier); ok {
		return tier, true, nil
	}
	if tier, ok := NormalizeTier(profile.Plan); ok {
		return tier, true, nil
	}
	return "", false, nil
}
