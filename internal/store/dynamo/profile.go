package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/repvault/ai-backend/internal/domain"
)

// ProfileStore reads user profiles. The table is owned by another service.
type ProfileStore struct {
	api   API
	table string
}

// NewProfileStore creates a ProfileStore on table.
func NewProfileStore(api API, table string) *ProfileStore {
	return &ProfileStore{api: api, table: table}
}

// GetProfile returns the profile for id, or nil if there is none.
func (s *ProfileStore) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  userKey(id),
		ProjectionExpression: aws.String("userId, subscriptionTier, #plan, isPremium"),
		ExpressionAttributeNames: map[string]string{
			"#plan": "plan",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get profile item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	// Decode loosely: attribute types are not guaranteed by the owning service.
	var raw map[string]any
	if err := attributevalue.UnmarshalMap(out.Item, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode profile item: %w", err)
	}
	p := &domain.Profile{ID: id}
	p.SubscriptionTier, _ = raw["subscriptionTier"].(string)
	p.Plan, _ = raw["plan"].(string)
	if b, ok := raw["isPremium"].(bool); ok {
		p.IsPremium = &b
	}
	return p, nil
}
