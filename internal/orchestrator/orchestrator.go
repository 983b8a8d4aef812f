// Package orchestrator drives one ingestion run through its stages:
// ensure destination datasets and the pointer table exist, discover new
// source blobs, load them per worker, dedupe and merge, then clean up
// staging artifacts. It generalizes the teacher's single-stage worker-pool
// coordinator into an explicit multi-stage state machine, reusing its
// task/result fan-in pattern at each concurrent stage.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"sync"

	"github.com/opensource-observer/goldsky-ingest/internal/cbt"
	"github.com/opensource-observer/goldsky-ingest/internal/checkpoint"
	"github.com/opensource-observer/goldsky-ingest/internal/config"
	"github.com/opensource-observer/goldsky-ingest/internal/loader"
	"github.com/opensource-observer/goldsky-ingest/internal/metrics"
	"github.com/opensource-observer/goldsky-ingest/internal/objectstore"
	"github.com/opensource-observer/goldsky-ingest/internal/parser"
	"github.com/opensource-observer/goldsky-ingest/internal/pointer"
	"github.com/opensource-observer/goldsky-ingest/internal/queue"
	"github.com/opensource-observer/goldsky-ingest/internal/schema"
	"github.com/opensource-observer/goldsky-ingest/internal/warehouseclient"
)

// State names the orchestrator's current stage.
type State string

const (
	StateInit           State = "INIT"
	StateEnsureDatasets State = "ENSURE_DATASETS"
	StateEnsurePointer  State = "ENSURE_POINTER"
	StateDiscover       State = "DISCOVER"
	StateLoad           State = "LOAD"
	StateDedupe         State = "DEDUPE"
	StateMerge          State = "MERGE"
	StateCleanup        State = "CLEANUP"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// LoaderBackend drains one worker's queue into its raw table, advancing
// the pointer as it goes. DirectLoader satisfies this directly; the
// Parallel Loader is adapted to it via parallelBackend.
type LoaderBackend interface {
	Run(ctx context.Context, worker string, q *queue.Queue, pointerSize int, fields []schema.Field) error
}

// parallelBackend adapts a *loader.ParallelLoader, which additionally needs
// a job id and a worker-scoped staging prefix, to LoaderBackend.
type parallelBackend struct {
	inner         *loader.ParallelLoader
	jobID         string
	stagingPrefix string
}

func (b *parallelBackend) Run(ctx context.Context, worker string, q *queue.Queue, pointerSize int, fields []schema.Field) error {
	return b.inner.Run(ctx, worker, b.jobID, path.Join(b.stagingPrefix, worker), q, pointerSize, fields)
}

// NewParallelBackend wraps a ParallelLoader as a LoaderBackend scoped to
// one run's job id and staging prefix.
func NewParallelBackend(inner *loader.ParallelLoader, jobID, stagingPrefix string) LoaderBackend {
	return &parallelBackend{inner: inner, jobID: jobID, stagingPrefix: stagingPrefix}
}

// Orchestrator drives a single run's state machine.
type Orchestrator struct {
	cfg          *config.Config
	objects      objectstore.Client
	pointerStore pointer.Store
	warehouse    warehouseclient.Client
	backend      LoaderBackend
	transformer  cbt.Transformer
	metrics      *metrics.Metrics

	mu    sync.Mutex
	state State
}

// New creates an Orchestrator. pointerStore may be a run-isolated backfill
// store (see RunBackfill) or the primary pointer store for a normal run.
func New(cfg *config.Config, objects objectstore.Client, pointerStore pointer.Store, warehouse warehouseclient.Client, backend LoaderBackend, transformer cbt.Transformer, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		objects:      objects,
		pointerStore: pointerStore,
		warehouse:    warehouse,
		backend:      backend,
		transformer:  transformer,
		metrics:      m,
		state:        StateInit,
	}
}

// State returns the orchestrator's current stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run drives one ingestion run to completion, scoped by jobID (the run's
// identifier) and an optional checkpointRange (pass
// checkpoint.NewOpenRange(checkpoint.Zero) for an unbounded run). Any stage
// error transitions to StateFailed and returns immediately; already
// committed pointer rows and staging tables remain durable for the next
// run to resume from.
func (o *Orchestrator) Run(ctx context.Context, jobID string, checkpointRange checkpoint.Range) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	if err := o.ensureDatasets(ctx); err != nil {
		o.setState(StateFailed)
		return err
	}
	if err := o.ensurePointer(ctx); err != nil {
		o.setState(StateFailed)
		return err
	}

	workers, err := o.discover(ctx, checkpointRange)
	if err != nil {
		o.setState(StateFailed)
		return err
	}

	loadedWorkers, err := o.load(ctx, workers)
	if err != nil {
		o.setState(StateFailed)
		return err
	}
	if len(loadedWorkers) == 0 {
		o.setState(StateDone)
		return nil
	}

	if err := o.dedupe(ctx, loadedWorkers); err != nil {
		o.setState(StateFailed)
		return err
	}

	if err := o.merge(ctx, loadedWorkers); err != nil {
		o.setState(StateFailed)
		return err
	}

	if err := o.cleanup(ctx, loadedWorkers, jobID); err != nil {
		o.setState(StateFailed)
		return err
	}

	o.setState(StateDone)
	return nil
}

func (o *Orchestrator) ensureDatasets(ctx context.Context) error {
	o.setState(StateEnsureDatasets)
	if err := o.warehouse.EnsureDataset(ctx); err != nil {
		return fmt.Errorf("orchestrator: ensure datasets: %w", err)
	}
	return nil
}

func (o *Orchestrator) ensurePointer(ctx context.Context) error {
	o.setState(StateEnsurePointer)
	if err := o.pointerStore.Ensure(ctx); err != nil {
		return fmt.Errorf("orchestrator: ensure pointer table: %w", err)
	}
	return nil
}

// discover lists every blob under the source prefix, parses its name, and
// enqueues it onto its worker's queue unless already covered by the
// pointer or outside checkpointRange. It logs (never errors) when the
// maximum observed timestamp differs across workers, since pipeline
// restarts legitimately produce multiple incarnations in flight at once.
func (o *Orchestrator) discover(ctx context.Context, checkpointRange checkpoint.Range) (*queue.Set, error) {
	o.setState(StateDiscover)

	prefix := path.Join(o.cfg.SourceGoldskyDir, o.cfg.SourceName) + "/"
	blobs, err := o.objects.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list source blobs: %w", err)
	}

	pointerRows, err := o.pointerStore.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read pointer: %w", err)
	}

	set := queue.NewSet(o.cfg.MaxObjectsToLoad)
	timestamps := make(map[string]int64)

	for _, blob := range blobs {
		name := path.Base(blob.Key)
		match, ok := parser.Parse(name)
		if !ok {
			if o.metrics != nil {
				o.metrics.RecordSkippedBlob()
			}
			continue
		}

		if committed, hasCommitted := pointerRows[match.Worker]; hasCommitted && !committed.Less(match.Checkpoint) {
			if o.metrics != nil {
				o.metrics.RecordSkippedBlob()
			}
			continue
		}
		if !checkpointRange.InRange(match.Checkpoint) {
			if o.metrics != nil {
				o.metrics.RecordSkippedBlob()
			}
			continue
		}

		set.Enqueue(match.Worker, queue.Item{
			Checkpoint: match.Checkpoint,
			BlobName:   blob.Key,
			Worker:     match.Worker,
		})
		if o.metrics != nil {
			o.metrics.RecordBlobDiscovered()
		}

		if match.Checkpoint.Timestamp > timestamps[match.Worker] {
			timestamps[match.Worker] = match.Checkpoint.Timestamp
		}
	}

	logTimestampDrift(timestamps)

	return set, nil
}

// logTimestampDrift prints an informational note when workers disagree on
// their maximum observed timestamp. This is expected after a pipeline
// restart and never fails the run.
func logTimestampDrift(timestamps map[string]int64) {
	var maxTS int64
	first := true
	drift := false
	for _, ts := range timestamps {
		if first {
			maxTS = ts
			first = false
			continue
		}
		if ts != maxTS {
			drift = true
		}
		if ts > maxTS {
			maxTS = ts
		}
	}
	if drift {
		fmt.Printf("orchestrator: workers observed differing max timestamps (latest %d); treating as normal pipeline-restart drift\n", maxTS)
	}
}

// load fans out one backend.Run per non-empty worker queue, awaiting all
// of them via a worker-pool task/result pattern. A single worker's fatal
// error fails the run after the remaining in-flight workers quiesce.
// Before fanning out, it samples one representative blob across all
// worker queues and infers this run's warehouse schema from it, so every
// worker loads rows against the same (possibly overridden) column types.
func (o *Orchestrator) load(ctx context.Context, set *queue.Set) ([]string, error) {
	o.setState(StateLoad)

	queues := set.WorkerQueues()
	var loaded []string
	for worker, q := range queues {
		if q.Len() > 0 {
			loaded = append(loaded, worker)
		}
	}
	if len(loaded) == 0 {
		return nil, nil
	}

	for worker, backlog := range set.Status() {
		fmt.Printf("orchestrator: worker %s has %d blob(s) queued for loading\n", worker, backlog)
	}

	fields, err := o.inferSchema(ctx, set)
	if err != nil {
		return nil, err
	}

	results := make(chan error, len(loaded))
	var wg sync.WaitGroup
	for _, worker := range loaded {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			results <- o.backend.Run(ctx, worker, queues[worker], o.cfg.PointerSize, fields)
		}(worker)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	<-done
	close(results)

	var errs []string
	for err := range results {
		if err != nil {
			if o.metrics != nil {
				o.metrics.RecordError()
			}
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("orchestrator: %d worker(s) failed loading: %s", len(errs), strings.Join(errs, "; "))
	}

	return loaded, nil
}

// inferSchema peeks one representative blob off set and infers this run's
// warehouse schema from its Parquet footer, applying any configured field
// overrides. It returns a nil schema (the loaders' default behavior) when
// there is nothing to peek.
func (o *Orchestrator) inferSchema(ctx context.Context, set *queue.Set) ([]schema.Field, error) {
	sample, ok := set.Peek()
	if !ok {
		return nil, nil
	}

	data, err := o.objects.Download(ctx, sample.BlobName)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: download schema sample %s: %w", sample.BlobName, err)
	}

	overrides := make([]schema.FieldOverride, len(o.cfg.SchemaOverrides))
	for i, ov := range o.cfg.SchemaOverrides {
		overrides[i] = schema.FieldOverride{
			FieldName: ov.FieldName,
			Type:      schema.WarehouseType(ov.Type),
			Precision: ov.Precision,
			Scale:     ov.Scale,
		}
	}

	fields, err := schema.InferFromBlob(data, overrides)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: infer schema from %s: %w", sample.BlobName, err)
	}
	return fields, nil
}

// dedupe calls the transform layer once per worker concurrently, building
// deduped_{worker} from raw_{worker}.
func (o *Orchestrator) dedupe(ctx context.Context, workers []string) error {
	o.setState(StateDedupe)

	var wg sync.WaitGroup
	errs := make(chan error, len(workers))
	for _, worker := range workers {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			params := cbt.Params{
				"raw_table":     loader.RawTableName(worker),
				"unique_column": o.cfg.DedupeUniqueColumn,
				"order_column":  o.cfg.DedupeOrderColumn,
				"partition_column_name":      o.cfg.PartitionColumnName,
				"partition_column_type":      o.cfg.PartitionColumnType,
				"partition_column_transform": o.cfg.PartitionColumnTransform,
				"timeout": o.cfg.TransformTimeout,
			}
			err := o.transformer.Transform(ctx, o.cfg.DedupeModel, DedupedTableName(worker), params)
			if err == nil && o.metrics != nil {
				o.metrics.RecordDedupeRun()
			}
			errs <- err
		}(worker)
	}
	wg.Wait()
	close(errs)

	var failures []string
	for err := range errs {
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("orchestrator: dedupe failed for %d worker(s): %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

// merge invokes the transform layer once, merging every worker's deduped
// table into the destination via a MERGE keyed on the unique column.
func (o *Orchestrator) merge(ctx context.Context, workers []string) error {
	o.setState(StateMerge)

	dedupedTables := make([]string, len(workers))
	for i, w := range workers {
		dedupedTables[i] = DedupedTableName(w)
	}

	destination := fmt.Sprintf("%s.%s.%s", o.cfg.ProjectID, o.cfg.DestinationDatasetName, o.cfg.DestinationTableName)
	params := cbt.Params{
		"update_strategy": "MERGE",
		"workers":         dedupedTables,
		"unique_column":   o.cfg.DedupeUniqueColumn,
		"order_column":    o.cfg.DedupeOrderColumn,
		"partition_column_name":      o.cfg.PartitionColumnName,
		"partition_column_type":      o.cfg.PartitionColumnType,
		"partition_column_transform": o.cfg.PartitionColumnTransform,
		"timeout": o.cfg.TransformTimeout,
	}

	if err := o.transformer.Transform(ctx, o.cfg.MergeWorkersModel, destination, params); err != nil {
		return fmt.Errorf("orchestrator: merge into %s: %w", destination, err)
	}
	if o.metrics != nil {
		o.metrics.RecordMergeRun()
	}
	return nil
}

// cleanup drops every raw_{worker} and deduped_{worker} table touched by
// this run.
func (o *Orchestrator) cleanup(ctx context.Context, workers []string, jobID string) error {
	o.setState(StateCleanup)

	var failures []string
	for _, worker := range workers {
		if err := o.warehouse.DeleteTable(ctx, loader.RawTableName(worker)); err != nil {
			failures = append(failures, err.Error())
		}
		if err := o.warehouse.DeleteTable(ctx, DedupedTableName(worker)); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("orchestrator: cleanup failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

// DedupedTableName returns the per-worker deduped staging table name.
func DedupedTableName(worker string) string {
	return "deduped_" + worker
}

// RunBackfill runs the full state machine bounded to checkpointRange,
// using a pointer store isolated from the primary run via a
// backfillLabel-suffixed table name (see pointer.TableName), so backfill
// progress never interferes with the primary ingestion pointer.
func RunBackfill(ctx context.Context, cfg *config.Config, objects objectstore.Client, pointerStore pointer.Store, warehouse warehouseclient.Client, backend LoaderBackend, transformer cbt.Transformer, m *metrics.Metrics, jobID string, checkpointRange checkpoint.Range) error {
	o := New(cfg, objects, pointerStore, warehouse, backend, transformer, m)
	return o.Run(ctx, jobID, checkpointRange)
}
