package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/parquet-go/parquet-go"

	"github.com/opensource-observer/goldsky-ingest/internal/cbt"
	"github.com/opensource-observer/goldsky-ingest/internal/checkpoint"
	"github.com/opensource-observer/goldsky-ingest/internal/config"
	"github.com/opensource-observer/goldsky-ingest/internal/objectstore"
	"github.com/opensource-observer/goldsky-ingest/internal/pointer"
	"github.com/opensource-observer/goldsky-ingest/internal/queue"
	"github.com/opensource-observer/goldsky-ingest/internal/schema"
)

// sampleRow is the fixed row shape encoded into every fakeObjects blob, just
// enough columns to exercise the schema inferrer's load-time wiring.
type sampleRow struct {
	ID     string  `parquet:"id"`
	Amount float64 `parquet:"amount"`
}

func encodeSampleBlob() []byte {
	buf := &bytes.Buffer{}
	writer := parquet.NewGenericWriter[sampleRow](buf)
	if _, err := writer.Write([]sampleRow{{ID: "1", Amount: 12.5}}); err != nil {
		panic(err)
	}
	if err := writer.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type fakeObjects struct {
	blobs []objectstore.Blob
}

func (o *fakeObjects) List(ctx context.Context, prefix string) ([]objectstore.Blob, error) {
	return o.blobs, nil
}
func (o *fakeObjects) Download(ctx context.Context, key string) ([]byte, error) {
	return encodeSampleBlob(), nil
}
func (o *fakeObjects) Upload(ctx context.Context, key string, data []byte) error { return nil }
func (o *fakeObjects) DeleteBatch(ctx context.Context, keys []string) error      { return nil }

type fakeWarehouse struct {
	mu            sync.Mutex
	deletedTables []string
}

func (w *fakeWarehouse) EnsureDataset(ctx context.Context) error   { return nil }
func (w *fakeWarehouse) GetTable(ctx context.Context, t string) error { return nil }
func (w *fakeWarehouse) CreateTable(ctx context.Context, t string) error { return nil }
func (w *fakeWarehouse) DeleteTable(ctx context.Context, t string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deletedTables = append(w.deletedTables, t)
	return nil
}
func (w *fakeWarehouse) LoadFromURIs(ctx context.Context, uris []string, table string, fields []schema.Field, checkpointStamp *int64, timeout time.Duration) (int64, error) {
	return int64(len(uris)), nil
}
func (w *fakeWarehouse) Transact(ctx context.Context, items []types.TransactWriteItem) error {
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	drained  map[string][]queue.Item
	err      error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{drained: make(map[string][]queue.Item)}
}

func (b *fakeBackend) Run(ctx context.Context, worker string, q *queue.Queue, pointerSize int, fields []schema.Field) error {
	if b.err != nil {
		return b.err
	}
	var items []queue.Item
	for {
		item, ok := q.Dequeue()
		if !ok {
			break
		}
		items = append(items, item)
	}
	b.mu.Lock()
	b.drained[worker] = items
	b.mu.Unlock()
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		SourceName:                    "mysource",
		SourceBucketName:              "source-bucket",
		SourceGoldskyDir:              "goldsky",
		DestinationBucketName:         "dest-bucket",
		DestinationDatasetName:        "dataset",
		WorkingDestinationDatasetName: "working",
		WorkingDestinationPreloadPath: "preload",
		DestinationTableName:          "events",
		ProjectID:                     "proj",
		PointerSize:                   100,
		MaxObjectsToLoad:              1000,
		LoadTableTimeout:              time.Minute,
		TransformTimeout:              time.Minute,
		DedupeModel:                   "dedupe_model",
		MergeWorkersModel:             "merge_model",
		DedupeUniqueColumn:            "id",
		DedupeOrderColumn:             "ts",
		RetentionFiles:                5,
		Region:                        "us-east-1",
	}
}

func blob(key string) objectstore.Blob { return objectstore.Blob{Key: key} }

func TestRunHappyPath(t *testing.T) {
	objects := &fakeObjects{blobs: []objectstore.Blob{
		blob("goldsky/mysource/100-11111111-1111-1111-1111-111111111111-0-1.parquet"),
		blob("goldsky/mysource/100-11111111-1111-1111-1111-111111111111-0-2.parquet"),
	}}
	wh := &fakeWarehouse{}
	backend := newFakeBackend()
	transformer := cbt.NewFakeTransformer()
	ps := pointer.NewMemoryStore()

	o := New(testConfig(), objects, ps, wh, backend, transformer, nil)
	err := o.Run(context.Background(), "job-1", checkpoint.NewOpenRange(checkpoint.Zero))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.State() != StateDone {
		t.Errorf("expected StateDone, got %s", o.State())
	}

	if len(backend.drained["0"]) != 2 {
		t.Fatalf("expected worker 0 to drain 2 items, got %d", len(backend.drained["0"]))
	}
	if len(transformer.Invocations) != 2 {
		t.Fatalf("expected 2 transform invocations (dedupe + merge), got %d", len(transformer.Invocations))
	}
	if len(wh.deletedTables) != 2 {
		t.Errorf("expected cleanup to drop raw and deduped tables, got %v", wh.deletedTables)
	}
}

func TestRunSkipsBlobsAlreadyCovered(t *testing.T) {
	objects := &fakeObjects{blobs: []objectstore.Blob{
		blob("goldsky/mysource/100-11111111-1111-1111-1111-111111111111-0-1.parquet"),
		blob("goldsky/mysource/100-11111111-1111-1111-1111-111111111111-0-2.parquet"),
	}}
	wh := &fakeWarehouse{}
	backend := newFakeBackend()
	transformer := cbt.NewFakeTransformer()
	ps := pointer.NewMemoryStore()
	if err := ps.Commit(context.Background(), "0", checkpoint.Checkpoint{Timestamp: 100, JobID: "11111111-1111-1111-1111-111111111111", WorkerCheckpoint: 1}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	o := New(testConfig(), objects, ps, wh, backend, transformer, nil)
	if err := o.Run(context.Background(), "job-1", checkpoint.NewOpenRange(checkpoint.Zero)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(backend.drained["0"]) != 1 {
		t.Fatalf("expected only the uncommitted blob to be drained, got %d", len(backend.drained["0"]))
	}
}

func TestRunSkipsOutOfRangeCheckpoints(t *testing.T) {
	objects := &fakeObjects{blobs: []objectstore.Blob{
		blob("goldsky/mysource/100-11111111-1111-1111-1111-111111111111-0-1.parquet"),
		blob("goldsky/mysource/100-11111111-1111-1111-1111-111111111111-0-2.parquet"),
	}}
	wh := &fakeWarehouse{}
	backend := newFakeBackend()
	transformer := cbt.NewFakeTransformer()
	ps := pointer.NewMemoryStore()

	bounded := checkpoint.NewBoundedRange(checkpoint.Zero, checkpoint.Checkpoint{Timestamp: 100, JobID: "11111111-1111-1111-1111-111111111111", WorkerCheckpoint: 2})

	o := New(testConfig(), objects, ps, wh, backend, transformer, nil)
	if err := o.Run(context.Background(), "job-1", bounded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(backend.drained["0"]) != 1 {
		t.Fatalf("expected only the in-range blob to be drained, got %d", len(backend.drained["0"]))
	}
}

func TestRunSkipsUnparsableBlobNames(t *testing.T) {
	objects := &fakeObjects{blobs: []objectstore.Blob{
		blob("goldsky/mysource/not-a-valid-name.parquet"),
	}}
	wh := &fakeWarehouse{}
	backend := newFakeBackend()
	transformer := cbt.NewFakeTransformer()
	ps := pointer.NewMemoryStore()

	o := New(testConfig(), objects, ps, wh, backend, transformer, nil)
	if err := o.Run(context.Background(), "job-1", checkpoint.NewOpenRange(checkpoint.Zero)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.State() != StateDone {
		t.Errorf("expected StateDone for an all-unparsable listing, got %s", o.State())
	}
}

func TestRunFailsWhenLoadErrors(t *testing.T) {
	objects := &fakeObjects{blobs: []objectstore.Blob{
		blob("goldsky/mysource/100-11111111-1111-1111-1111-111111111111-0-1.parquet"),
	}}
	wh := &fakeWarehouse{}
	backend := newFakeBackend()
	backend.err = errors.New("load failed")
	transformer := cbt.NewFakeTransformer()
	ps := pointer.NewMemoryStore()

	o := New(testConfig(), objects, ps, wh, backend, transformer, nil)
	err := o.Run(context.Background(), "job-1", checkpoint.NewOpenRange(checkpoint.Zero))
	if err == nil {
		t.Fatal("expected error")
	}
	if o.State() != StateFailed {
		t.Errorf("expected StateFailed, got %s", o.State())
	}
	if len(transformer.Invocations) != 0 {
		t.Error("expected no dedupe/merge invocations after a load failure")
	}
}

func TestRunEmptyDiscoverySkipsToDone(t *testing.T) {
	objects := &fakeObjects{}
	wh := &fakeWarehouse{}
	backend := newFakeBackend()
	transformer := cbt.NewFakeTransformer()
	ps := pointer.NewMemoryStore()

	o := New(testConfig(), objects, ps, wh, backend, transformer, nil)
	if err := o.Run(context.Background(), "job-1", checkpoint.NewOpenRange(checkpoint.Zero)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.State() != StateDone {
		t.Errorf("expected StateDone, got %s", o.State())
	}
	if len(transformer.Invocations) != 0 {
		t.Error("expected no dedupe/merge invocations when nothing was loaded")
	}
	if len(wh.deletedTables) != 0 {
		t.Error("expected no cleanup when nothing was loaded")
	}
}

func TestDedupedTableName(t *testing.T) {
	if got := DedupedTableName("0"); got != "deduped_0" {
		t.Errorf("got %q, want %q", got, "deduped_0")
	}
}

func TestRunBackfillIsolatesPointerStore(t *testing.T) {
	objects := &fakeObjects{blobs: []objectstore.Blob{
		blob("goldsky/mysource/100-11111111-1111-1111-1111-111111111111-0-1.parquet"),
	}}
	wh := &fakeWarehouse{}
	backend := newFakeBackend()
	transformer := cbt.NewFakeTransformer()
	backfillStore := pointer.NewMemoryStore()

	err := RunBackfill(context.Background(), testConfig(), objects, backfillStore, wh, backend, transformer, nil, "backfill-1", checkpoint.NewOpenRange(checkpoint.Zero))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(backend.drained["0"]) != 1 {
		t.Fatalf("expected the backfill run to drain worker 0's single blob, got %d", len(backend.drained["0"]))
	}
}
