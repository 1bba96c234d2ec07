package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/model"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type dynamoLock struct {
	ItemID     string `dynamodbav:"item_id"`
	Holder     string `dynamodbav:"holder"`
	AcquiredAt int64  `dynamodbav:"acquired_at"`
	// ExpiresAt lets a DynamoDB TTL on the table drop abandoned rows.
	ExpiresAt int64 `dynamodbav:"expires_at"`
}

// DynamoStore keeps locks in a dedicated DynamoDB table keyed by item_id.
// Writes are conditional on the row the caller last read, so two
// participants racing on the same lock cannot both win.
type DynamoStore struct {
	client  DynamoAPI
	table   string
	timeout time.Duration
}

// NewDynamoStore returns a DynamoStore on table. timeout must match the
// Coordinator's lock timeout.
func NewDynamoStore(client DynamoAPI, table string, timeout time.Duration) *DynamoStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DynamoStore{client: client, table: table, timeout: timeout}
}

func itemKey(itemID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"item_id": &types.AttributeValueMemberS{Value: itemID},
	}
}

// ReadLock implements Store.ReadLock.
func (s *DynamoStore) ReadLock(ctx context.Context, itemID string) (*model.Lock, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(itemID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec dynamoLock
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock: %w", err)
	}
	return &model.Lock{Holder: rec.Holder, AcquiredAt: time.UnixMilli(rec.AcquiredAt).UTC()}, nil
}

// WriteLock implements Store.WriteLock. A failed condition is reported as a
// LOCKED error.
func (s *DynamoStore) WriteLock(ctx context.Context, itemID string, l model.Lock, prev *model.Lock) error {
	rec := dynamoLock{
		ItemID:     itemID,
		Holder:     l.Holder,
		AcquiredAt: l.AcquiredAt.UnixMilli(),
		ExpiresAt:  l.AcquiredAt.Add(s.timeout).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}
	in := &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(item_id)"),
	}
	if prev != nil {
		in.ConditionExpression = aws.String("holder = :holder AND acquired_at = :acquired")
		in.ExpressionAttributeValues = matchValues(prev.Holder, prev.AcquiredAt)
	}
	if _, err := s.client.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return huddleerrors.Locked("")
		}
		return fmt.Errorf("failed to write lock: %w", err)
	}
	return nil
}

func matchValues(holder string, acquiredAt time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":holder":   &types.AttributeValueMemberS{Value: holder},
		":acquired": &types.AttributeValueMemberN{Value: strconv.FormatInt(acquiredAt.UnixMilli(), 10)},
	}
}

// ClearLock implements Store.ClearLock.
func (s *DynamoStore) ClearLock(ctx context.Context, itemID, holder string, acquiredAt time.Time) (bool, error) {
	in := &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(itemID),
		ConditionExpression: aws.String("holder = :holder"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":holder": &types.AttributeValueMemberS{Value: holder},
		},
	}
	if !acquiredAt.IsZero() {
		in.ConditionExpression = aws.String("holder = :holder AND acquired_at = :acquired")
		in.ExpressionAttributeValues = matchValues(holder, acquiredAt)
	}
	if _, err := s.client.DeleteItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("failed to clear lock: %w", err)
	}
	return true, nil
}

// ListLocks implements Store.ListLocks.
func (s *DynamoStore) ListLocks(ctx context.Context) (map[string]model.Lock, error) {
	out := make(map[string]model.Lock)
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{TableName: aws.String(s.table)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan locks: %w", err)
		}
		var recs []dynamoLock
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal locks: %w", err)
		}
		for _, rec := range recs {
			out[rec.ItemID] = model.Lock{Holder: rec.Holder, AcquiredAt: time.UnixMilli(rec.AcquiredAt).UTC()}
		}
	}
	return out, nil
}
