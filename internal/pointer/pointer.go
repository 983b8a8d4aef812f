// Package pointer implements the durable per-worker pointer table: one row
// per worker recording the highest checkpoint committed so far. Commits
// are atomic DELETE-then-INSERT, guarded by both a process-local mutex and
// the warehouse transaction itself, since the warehouse gives no per-row
// mutual exclusion on its own.
package pointer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/opensource-observer/goldsky-ingest/internal/awsclient"
	"github.com/opensource-observer/goldsky-ingest/internal/checkpoint"
	"github.com/opensource-observer/goldsky-ingest/internal/retry"
)

// commitRetries and commitJitter bound the pointer-commit contention
// retry: a handful of short randomized sleeps, not a growing backoff.
const (
	commitRetries = 3
	commitJitter  = time.Second
)

// Row is one durable pointer record.
type Row struct {
	Worker     string
	Timestamp  int64
	JobID      string
	Checkpoint int64
}

// AsCheckpoint reconstructs the checkpoint.Checkpoint carried by this row.
func (r Row) AsCheckpoint() checkpoint.Checkpoint {
	return checkpoint.Checkpoint{Timestamp: r.Timestamp, JobID: r.JobID, WorkerCheckpoint: r.Checkpoint}
}

// Store is the durable pointer table: at most one row per worker, mutated
// transactionally.
type Store interface {
	// Ensure creates the table if it doesn't exist; a no-op if it's already present.
	Ensure(ctx context.Context) error
	// ReadAll returns the checkpoint committed for every worker with a row.
	// A missing table is equivalent to an empty mapping, never an error.
	ReadAll(ctx context.Context) (map[string]checkpoint.Checkpoint, error)
	// Commit atomically replaces worker's row with newCheckpoint.
	Commit(ctx context.Context, worker string, newCheckpoint checkpoint.Checkpoint) error
}

// TableName returns the pointer table name for destinationTable, suffixed
// for an isolated backfill run when backfillLabel is non-empty.
func TableName(destinationTable, backfillLabel string) string {
	name := destinationTable + "_pointer_state"
	if backfillLabel == "" {
		return name
	}
	return name + "_" + backfillLabel
}

// DynamoStore is a Store backed by a DynamoDB table, keyed on worker.
type DynamoStore struct {
	client    awsclient.DynamoDBClient
	tableName string
	mu        sync.Mutex
}

// NewDynamoStore creates a DynamoStore for the given table name.
func NewDynamoStore(client awsclient.DynamoDBClient, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// Ensure creates the pointer table if it's missing.
func (s *DynamoStore) Ensure(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("pointer: describe table %s: %w", s.tableName, err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("worker"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("worker"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("pointer: create table %s: %w", s.tableName, err)
	}
	return nil
}

// ReadAll scans the pointer table. A missing table reads as an empty
// mapping rather than an error, since "no pointer table yet" means "no
// worker has ever advanced."
func (s *DynamoStore) ReadAll(ctx context.Context) (map[string]checkpoint.Checkpoint, error) {
	result := make(map[string]checkpoint.Checkpoint)

	var lastKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			var notFound *types.ResourceNotFoundException
			if errors.As(err, &notFound) {
				return map[string]checkpoint.Checkpoint{}, nil
			}
			return nil, fmt.Errorf("pointer: scan %s: %w", s.tableName, err)
		}

		for _, item := range out.Items {
			var row Row
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				return nil, fmt.Errorf("pointer: unmarshal row: %w", err)
			}
			result[row.Worker] = row.AsCheckpoint()
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		lastKey = out.LastEvaluatedKey
	}

	return result, nil
}

// Commit atomically replaces worker's pointer row with newCheckpoint via a
// single DELETE-then-INSERT transaction, unconditionally (including the
// very first commit for a worker, where there is no existing row to
// delete) for uniform safety across all callers. The process-local mutex
// and the transaction are both required: the warehouse gives no per-row
// mutual exclusion across concurrent statements on its own.
func (s *DynamoStore) Commit(ctx context.Context, worker string, newCheckpoint checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := Row{
		Worker:     worker,
		Timestamp:  newCheckpoint.Timestamp,
		JobID:      newCheckpoint.JobID,
		Checkpoint: newCheckpoint.WorkerCheckpoint,
	}
	item, err := attributevalue.MarshalMap(row)
	if err != nil {
		return fmt.Errorf("pointer: marshal row: %w", err)
	}

	key, err := attributevalue.MarshalMap(struct{ Worker string }{Worker: worker})
	if err != nil {
		return fmt.Errorf("pointer: marshal key: %w", err)
	}

	return retry.Jittered(ctx, commitRetries, commitJitter, func(ctx context.Context) error {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Delete: &types.Delete{TableName: aws.String(s.tableName), Key: key}},
				{Put: &types.Put{TableName: aws.String(s.tableName), Item: item}},
			},
		})
		return err
	})
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]checkpoint.Checkpoint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]checkpoint.Checkpoint)}
}

func (s *MemoryStore) Ensure(ctx context.Context) error { return nil }

func (s *MemoryStore) ReadAll(ctx context.Context) (map[string]checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]checkpoint.Checkpoint, len(s.rows))
	for k, v := range s.rows {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Commit(ctx context.Context, worker string, newCheckpoint checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[worker] = newCheckpoint
	return nil
}
