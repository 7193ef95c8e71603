package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/repvault/ai-backend/internal/domain"
	"github.com/repvault/ai-backend/internal/telemetry"
)

const newerThanStored = "attribute_not_exists(#lastSeenAt) OR :lastSeenAt > #lastSeenAt"

// MigrationStore keeps one item per install keyed by pk.
type MigrationStore struct {
	api   API
	table string
}

// NewMigrationStore creates a MigrationStore on table.
func NewMigrationStore(api API, table string) *MigrationStore {
	return &MigrationStore{api: api, table: table}
}

func installKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: pk}}
}

// PutIfNewer writes every attribute of rec in one conditional UpdateItem.
// A failed condition is reported as telemetry.ErrStaleReport.
func (s *MigrationStore) PutIfNewer(ctx context.Context, rec domain.MigrationStatus) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to encode migration status: %w", err)
	}
	delete(item, "pk")

	names := make([]string, 0, len(item))
	for name := range item {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	attrNames := make(map[string]string, len(names))
	attrValues := make(map[string]types.AttributeValue, len(names))
	for _, name := range names {
		sets = append(sets, fmt.Sprintf("#%s = :%s", name, name))
		attrNames["#"+name] = name
		attrValues[":"+name] = item[name]
	}

	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       installKey(rec.PK),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String(newerThanStored),
		ExpressionAttributeNames:  attrNames,
		ExpressionAttributeValues: attrValues,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return telemetry.ErrStaleReport
		}
		return fmt.Errorf("failed to update migration status: %w", err)
	}
	return nil
}

// GetMigrationStatus returns the stored record for installID, or nil.
func (s *MigrationStore) GetMigrationStatus(ctx context.Context, installID string) (*domain.MigrationStatus, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       installKey(domain.InstallKey(installID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec domain.MigrationStatus
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode migration status: %w", err)
	}
	return &rec, nil
}

// ScanMigrationStatus returns one Scan page. The page token is the pk of the
// last evaluated item.
func (s *MigrationStore) ScanMigrationStatus(ctx context.Context, pageToken string) (telemetry.Page, error) {
	in := &dynamodb.ScanInput{TableName: aws.String(s.table)}
	if pageToken != "" {
		in.ExclusiveStartKey = installKey(pageToken)
	}

	out, err := s.api.Scan(ctx, in)
	if err != nil {
		return telemetry.Page{}, fmt.Errorf("failed to scan migration status: %w", err)
	}

	var page telemetry.Page
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &page.Records); err != nil {
		return telemetry.Page{}, fmt.Errorf("failed to decode migration status page: %w", err)
	}
	if pk, ok := out.LastEvaluatedKey["pk"].(*types.AttributeValueMemberS); ok {
		page.NextToken = pk.Value
	}
	return page, nil
}
