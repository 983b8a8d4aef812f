package pointer

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/opensource-observer/goldsky-ingest/internal/checkpoint"
)

type mockDynamo struct {
	items          map[string]map[string]types.AttributeValue // worker -> item
	tableExists    bool
	transactCalls  int
	createCalled   bool
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: make(map[string]map[string]types.AttributeValue), tableExists: true}
}

func (m *mockDynamo) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	return &dynamodb.BatchWriteItemOutput{}, nil
}
func (m *mockDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.transactCalls++
	for _, ti := range params.TransactItems {
		if ti.Delete != nil {
			var key struct{ Worker string }
			_ = attributevalue.UnmarshalMap(ti.Delete.Key, &key)
			delete(m.items, key.Worker)
		}
		if ti.Put != nil {
			var row Row
			_ = attributevalue.UnmarshalMap(ti.Put.Item, &row)
			m.items[row.Worker] = ti.Put.Item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (m *mockDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	var out []map[string]types.AttributeValue
	for _, item := range m.items {
		out = append(out, item)
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func (m *mockDynamo) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	m.createCalled = true
	m.tableExists = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *mockDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if !m.tableExists {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockDynamo) DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	return &dynamodb.DeleteTableOutput{}, nil
}

func TestEnsureCreatesMissingTable(t *testing.T) {
	m := newMockDynamo()
	m.tableExists = false
	s := NewDynamoStore(m, "pointer_state")

	if err := s.Ensure(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.createCalled {
		t.Error("expected CreateTable to be called for a missing table")
	}
}

func TestEnsureNoOpWhenTablePresent(t *testing.T) {
	m := newMockDynamo()
	s := NewDynamoStore(m, "pointer_state")

	if err := s.Ensure(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.createCalled {
		t.Error("expected CreateTable not to be called when table already exists")
	}
}

func TestCommitThenReadAll(t *testing.T) {
	m := newMockDynamo()
	s := NewDynamoStore(m, "pointer_state")

	cp := checkpoint.Checkpoint{Timestamp: 100, JobID: "job-a", WorkerCheckpoint: 2}
	if err := s.Commit(context.Background(), "0", cp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := s.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := rows["0"]
	if !ok {
		t.Fatal("expected a row for worker 0")
	}
	if got != cp {
		t.Errorf("got %+v, want %+v", got, cp)
	}
}

func TestCommitReplacesPreviousRow(t *testing.T) {
	m := newMockDynamo()
	s := NewDynamoStore(m, "pointer_state")

	first := checkpoint.Checkpoint{Timestamp: 100, JobID: "job-a", WorkerCheckpoint: 1}
	second := checkpoint.Checkpoint{Timestamp: 100, JobID: "job-a", WorkerCheckpoint: 2}

	if err := s.Commit(context.Background(), "0", first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Commit(context.Background(), "0", second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := s.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 row for worker 0, got %d", len(rows))
	}
	if rows["0"] != second {
		t.Errorf("expected latest commit to win, got %+v", rows["0"])
	}
	if m.transactCalls != 2 {
		t.Errorf("expected 2 transact calls (one per commit), got %d", m.transactCalls)
	}
}

func TestReadAllEmptyWhenNoRows(t *testing.T) {
	m := newMockDynamo()
	s := NewDynamoStore(m, "pointer_state")

	rows, err := s.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected empty mapping, got %d rows", len(rows))
	}
}

func TestTableNameBackfillSuffix(t *testing.T) {
	if got := TableName("transactions", ""); got != "transactions_pointer_state" {
		t.Errorf("got %q", got)
	}
	if got := TableName("transactions", "q1"); got != "transactions_pointer_state_q1" {
		t.Errorf("got %q", got)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	cp := checkpoint.Checkpoint{Timestamp: 1, JobID: "a", WorkerCheckpoint: 1}
	if err := s.Commit(context.Background(), "w", cp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows, err := s.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows["w"] != cp {
		t.Errorf("got %+v, want %+v", rows["w"], cp)
	}
}
