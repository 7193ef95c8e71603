package dynamo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/repvault/ai-backend/internal/domain"
)

// UsageStore keeps one item per identity keyed by userId.
type UsageStore struct {
	api   API
	table string
}

// NewUsageStore creates a UsageStore on table.
func NewUsageStore(api API, table string) *UsageStore {
	return &UsageStore{api: api, table: table}
}

func userKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"userId": &types.AttributeValueMemberS{Value: id}}
}

// GetUsage reads the usage item with a strongly consistent read.
func (s *UsageStore) GetUsage(ctx context.Context, id string) (*domain.UsageRecord, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            userKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get usage item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var rec domain.UsageRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode usage item: %w", err)
	}
	return &rec, nil
}

// ResetUsage opens a new window in a single UpdateItem.
func (s *UsageStore) ResetUsage(ctx context.Context, id string, windowStartMs int64, tier domain.Tier) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              userKey(id),
		UpdateExpression: aws.String("SET requestCount = :one, windowStartEpochMs = :now, subscriptionTier = :tier"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(windowStartMs, 10)},
			":tier": &types.AttributeValueMemberS{Value: string(tier)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to reset usage item: %w", err)
	}
	return nil
}

// IncrementUsage adds one to requestCount, creating it at zero if absent.
func (s *UsageStore) IncrementUsage(ctx context.Context, id string) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              userKey(id),
		UpdateExpression: aws.String("SET requestCount = if_not_exists(requestCount, :start) + :inc"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":start": &types.AttributeValueMemberN{Value: "0"},
			":inc":   &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to increment usage item: %w", err)
	}
	return nil
}
