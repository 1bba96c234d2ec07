package lock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mirkobrombin/go-huddle/v1/clock"
	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/model"
)

// fakeDynamo understands the condition expressions DynamoStore issues.
type fakeDynamo struct {
	mu   sync.Mutex
	rows map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{rows: make(map[string]map[string]types.AttributeValue)}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.rows[str(in.Key["item_id"])]}, nil
}

// matches evaluates "holder = :holder [AND acquired_at = :acquired]" against
// row; an absent :holder stands for attribute_not_exists(item_id).
func matches(row map[string]types.AttributeValue, values map[string]types.AttributeValue) bool {
	holder, ok := values[":holder"]
	if !ok {
		return row == nil
	}
	if row == nil || str(row["holder"]) != str(holder) {
		return false
	}
	if acquired, ok := values[":acquired"]; ok {
		return num(row["acquired_at"]) == num(acquired)
	}
	return true
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := str(in.Item["item_id"])
	if !matches(f.rows[id], in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.rows[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := str(in.Key["item_id"])
	if !matches(f.rows[id], in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	delete(f.rows, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.ScanOutput{}
	for _, row := range f.rows {
		out.Items = append(out.Items, row)
	}
	return out, nil
}

func TestDynamoStoreConditionalAcquire(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	store := NewDynamoStore(newFakeDynamo(), "huddle_locks", time.Minute)
	c := NewCoordinator(store, WithClock(clk), WithTimeout(time.Minute))
	ctx := context.Background()

	l, err := c.Acquire(ctx, "item", "alice")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got, err := store.ReadLock(ctx, "item")
	if err != nil || got == nil || got.Holder != "alice" || !got.AcquiredAt.Equal(l.AcquiredAt) {
		t.Fatalf("unexpected stored lock %+v %v", got, err)
	}

	// Writes judged against an outdated read lose.
	bob := model.Lock{Holder: "bob", AcquiredAt: clk.Now()}
	if err := store.WriteLock(ctx, "item", bob, nil); !errors.Is(err, huddleerrors.ErrLocked) {
		t.Fatalf("expected LOCKED from conditional put, got %v", err)
	}
	stale := model.Lock{Holder: "alice", AcquiredAt: got.AcquiredAt.Add(-time.Second)}
	if err := store.WriteLock(ctx, "item", bob, &stale); !errors.Is(err, huddleerrors.ErrLocked) {
		t.Fatalf("expected LOCKED on stale prev, got %v", err)
	}
	if err := store.WriteLock(ctx, "item", l, got); err != nil {
		t.Fatalf("same holder rewrite: %v", err)
	}

	clk.Advance(time.Minute + time.Second)
	if _, err := c.Acquire(ctx, "item", "bob"); err != nil {
		t.Fatalf("bob acquire after expiry: %v", err)
	}
}

func TestDynamoStoreClearAndSweep(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	store := NewDynamoStore(newFakeDynamo(), "huddle_locks", time.Minute)
	c := NewCoordinator(store, WithClock(clk), WithTimeout(time.Minute))
	ctx := context.Background()

	_, _ = c.Acquire(ctx, "a", "alice")
	_, _ = c.Acquire(ctx, "b", "bob")
	if ok, err := store.ClearLock(ctx, "a", "bob", time.Time{}); err != nil || ok {
		t.Fatalf("non-holder clear must fail quietly: %v %v", ok, err)
	}
	if ok, err := store.ClearLock(ctx, "a", "alice", clk.Now().Add(-time.Second)); err != nil || ok {
		t.Fatalf("clear of an older acquisition must fail quietly: %v %v", ok, err)
	}
	locks, err := store.ListLocks(ctx)
	if err != nil || len(locks) != 2 {
		t.Fatalf("unexpected locks %+v %v", locks, err)
	}

	clk.Advance(2 * time.Minute)
	n, err := c.SweepExpired(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 swept, got %d %v", n, err)
	}
	if locks, _ := store.ListLocks(ctx); len(locks) != 0 {
		t.Fatalf("expected empty table, got %+v", locks)
	}
}
