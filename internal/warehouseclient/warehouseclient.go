// Package warehouseclient is the thin abstraction over the warehouse
// substrate: ensuring tables exist, bulk-loading Parquet blobs into a raw
// table, and running the transactional statements the pointer advance and
// dedupe/merge stages depend on. It plays the role the teacher's
// writer.DynamoDBWriter plays for PITR restores, generalized from
// streamed JSON-line operations to Parquet-sourced row batches.
package warehouseclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/parquet-go/parquet-go"

	"github.com/opensource-observer/goldsky-ingest/internal/awsclient"
	"github.com/opensource-observer/goldsky-ingest/internal/objectstore"
	"github.com/opensource-observer/goldsky-ingest/internal/rowcodec"
	"github.com/opensource-observer/goldsky-ingest/internal/schema"
)

// ErrNotFound signals a missing table; callers treat this as "first time"
// rather than as a failure, the same way the teacher's checkpoint store
// treats a missing S3 object as empty state.
var ErrNotFound = errors.New("warehouseclient: table not found")

// batchWriteLimit is DynamoDB's BatchWriteItem request-item cap.
const batchWriteLimit = 25

// Client is the warehouse substrate's capability surface: dataset/table
// lifecycle, bulk loading from object-store URIs, and transactional
// multi-statement writes.
type Client interface {
	EnsureDataset(ctx context.Context) error
	GetTable(ctx context.Context, table string) error // returns ErrNotFound if missing
	CreateTable(ctx context.Context, table string) error
	DeleteTable(ctx context.Context, table string) error
	// LoadFromURIs downloads and decodes every blob in uris, appending the
	// rows into table. fields, when non-nil, is the inferred/overridden
	// schema for this run, used to reformat NUMERIC and DECIMAL columns
	// instead of relying on the default marshaler. checkpointStamp, when
	// non-nil, is stamped onto every row as the _checkpoint column (the
	// Parallel Loader's remote rewrite).
	LoadFromURIs(ctx context.Context, uris []string, table string, fields []schema.Field, checkpointStamp *int64, timeout time.Duration) (rowsLoaded int64, err error)
	// Transact executes items as a single all-or-nothing write.
	Transact(ctx context.Context, items []types.TransactWriteItem) error
}

// DynamoClient implements Client against DynamoDB, reading source rows
// from an object store.
type DynamoClient struct {
	dynamo  awsclient.DynamoDBClient
	objects objectstore.Client
	decoder rowcodec.Decoder
}

// New creates a DynamoClient.
func New(dynamo awsclient.DynamoDBClient, objects objectstore.Client, decoder rowcodec.Decoder) *DynamoClient {
	return &DynamoClient{dynamo: dynamo, objects: objects, decoder: decoder}
}

// EnsureDataset is a no-op: DynamoDB has no dataset/schema grouping
// concept above the table level, so there is nothing to ensure here.
func (c *DynamoClient) EnsureDataset(ctx context.Context) error {
	return nil
}

// GetTable reports whether table exists, returning ErrNotFound if not.
func (c *DynamoClient) GetTable(ctx context.Context, table string) error {
	_, err := c.dynamo.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return ErrNotFound
		}
		return fmt.Errorf("warehouseclient: describe table %s: %w", table, err)
	}
	return nil
}

// CreateTable creates table keyed on a string partition key named "id",
// the column every destination and staging table in this system is keyed
// on for dedupe/merge purposes.
func (c *DynamoClient) CreateTable(ctx context.Context, table string) error {
	_, err := c.dynamo.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("warehouseclient: create table %s: %w", table, err)
	}
	return nil
}

// DeleteTable drops table. Used to clean up ephemeral raw_{worker}_{job_id}
// load targets once their rows have been merged into the long-lived raw table.
func (c *DynamoClient) DeleteTable(ctx context.Context, table string) error {
	_, err := c.dynamo.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(table)})
	if err != nil {
		return fmt.Errorf("warehouseclient: delete table %s: %w", table, err)
	}
	return nil
}

// LoadFromURIs downloads each blob uri, decodes its Parquet rows, and
// writes them into table in batches of batchWriteLimit through
// writeBatchWithRetry: throttling errors and unprocessed items retry with
// exponential backoff until ctx ends, and any other error is retried up to
// 5 times before it fails the load (grounded on
// writer.DynamoDBWriter.WriteBatch). When fields
// is non-nil, rows are decoded with a schema-aware decoder instead of the
// client's default one, so NUMERIC/DECIMAL overrides take effect.
func (c *DynamoClient) LoadFromURIs(ctx context.Context, uris []string, table string, fields []schema.Field, checkpointStamp *int64, timeout time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	decoder := c.decoder
	if fields != nil {
		decoder = rowcodec.NewSchemaAwareDecoder(fields)
	}

	var rowsLoaded int64

	for _, uri := range uris {
		_, key, err := objectstore.ParseURI(uri)
		if err != nil {
			return rowsLoaded, err
		}

		data, err := c.objects.Download(ctx, key)
		if err != nil {
			return rowsLoaded, fmt.Errorf("warehouseclient: download %s: %w", uri, err)
		}

		rows, err := readParquetRows(data)
		if err != nil {
			return rowsLoaded, fmt.Errorf("warehouseclient: read %s: %w", uri, err)
		}

		for i := 0; i < len(rows); i += batchWriteLimit {
			end := i + batchWriteLimit
			if end > len(rows) {
				end = len(rows)
			}
			batch := rows[i:end]

			requests := make([]types.WriteRequest, 0, len(batch))
			for _, row := range batch {
				if checkpointStamp != nil {
					row = rowcodec.WithCheckpoint(row, *checkpointStamp)
				}
				item, err := decoder.Decode(row)
				if err != nil {
					return rowsLoaded, fmt.Errorf("warehouseclient: decode row from %s: %w", uri, err)
				}
				requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
			}

			if err := c.writeBatchWithRetry(ctx, table, requests); err != nil {
				return rowsLoaded, err
			}
			rowsLoaded += int64(len(batch))
		}
	}

	return rowsLoaded, nil
}

// writeBatchWithRetry mirrors writer.DynamoDBWriter.WriteBatch: throttling
// errors and unprocessed items retry indefinitely (bounded only by ctx),
// any other error fails after maxRetries.
func (c *DynamoClient) writeBatchWithRetry(ctx context.Context, table string, requests []types.WriteRequest) error {
	if len(requests) == 0 {
		return nil
	}

	const maxRetries = 5
	input := &dynamodb.BatchWriteItemInput{RequestItems: map[string][]types.WriteRequest{table: requests}}
	attempt := 0

	for {
		output, err := c.dynamo.BatchWriteItem(ctx, input)
		if err != nil {
			if isThrottlingError(err) {
				if !backoffWait(ctx, attempt) {
					return ctx.Err()
				}
				attempt++
				continue
			}
			if attempt < maxRetries {
				if !backoffWait(ctx, attempt) {
					return ctx.Err()
				}
				attempt++
				continue
			}
			return fmt.Errorf("warehouseclient: write batch after %d retries: %w", maxRetries, err)
		}

		if len(output.UnprocessedItems) > 0 {
			input.RequestItems = output.UnprocessedItems
			if !backoffWait(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		return nil
	}
}

// Transact executes items as a single TransactWriteItems call.
func (c *DynamoClient) Transact(ctx context.Context, items []types.TransactWriteItem) error {
	_, err := c.dynamo.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("warehouseclient: transact write: %w", err)
	}
	return nil
}

func isThrottlingError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	return errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr)
}

func backoffWait(ctx context.Context, attempt int) bool {
	base := 100 * time.Millisecond
	maxDelay := 30 * time.Second

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay)))
	delay += jitter

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// readParquetRows decodes every row of a Parquet blob into a generic map
// keyed by column name.
func readParquetRows(data []byte) ([]map[string]any, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	reader := parquet.NewReader(file)
	defer reader.Close()

	var rows []map[string]any
	for {
		row := make(map[string]any)
		if err := reader.Read(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return rows, fmt.Errorf("read parquet row: %w", err)
		}
		rows = append(rows, row)
	}

	return rows, nil
}
