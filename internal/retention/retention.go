// Package retention implements the standalone garbage-collection job that
// deletes source blobs already safely ingested by every worker, keeping
// only the most recent retention_files per worker below the minimum
// checkpoint committed across all of them. It never touches a blob a
// worker might still need to resume from.
package retention

import (
	"context"
	"fmt"
	"path"

	"github.com/opensource-observer/goldsky-ingest/internal/checkpoint"
	"github.com/opensource-observer/goldsky-ingest/internal/metrics"
	"github.com/opensource-observer/goldsky-ingest/internal/objectstore"
	"github.com/opensource-observer/goldsky-ingest/internal/parser"
	"github.com/opensource-observer/goldsky-ingest/internal/pointer"
	"github.com/opensource-observer/goldsky-ingest/internal/queue"
)

// maxObjectsToLoad bounds how many blobs per worker the retention scan
// will consider in one run, per its own dequeue-cap discipline (distinct
// from an ingestion run's configured max_objects_to_load).
const maxObjectsToLoad = 100000

// Job is the retention/clean-up job: a separate, non-ingesting process
// that runs periodically against already-ingested source blobs.
type Job struct {
	objects        objectstore.Client
	pointerStore   pointer.Store
	sourcePrefix   string // e.g. "{source_goldsky_dir}/{source_name}"
	retentionFiles int
	metrics        *metrics.Metrics
}

// New creates a retention Job. retentionFiles is the number of most-recent
// blobs kept per worker; everything older, and already below every
// worker's committed checkpoint, is deleted.
func New(objects objectstore.Client, pointerStore pointer.Store, sourcePrefix string, retentionFiles int, m *metrics.Metrics) *Job {
	return &Job{
		objects:        objects,
		pointerStore:   pointerStore,
		sourcePrefix:   sourcePrefix,
		retentionFiles: retentionFiles,
		metrics:        m,
	}
}

// Run reads the pointer, computes the minimum checkpoint committed across
// all workers, lists and parses source blobs bounded below that minimum,
// and deletes every blob below it except the most recent retentionFiles
// per worker. A pointer table with no rows yet means nothing has been
// safely ingested, so Run deletes nothing.
func (j *Job) Run(ctx context.Context) error {
	rows, err := j.pointerStore.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("retention: read pointer: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	min, ok := minCheckpoint(rows)
	if !ok {
		return nil
	}

	blobs, err := j.objects.List(ctx, j.sourcePrefix+"/")
	if err != nil {
		return fmt.Errorf("retention: list source blobs: %w", err)
	}

	bounded := checkpoint.NewBoundedRange(checkpoint.Zero, min)
	set := queue.NewSet(maxObjectsToLoad)

	for _, blob := range blobs {
		match, parsed := parser.Parse(path.Base(blob.Key))
		if !parsed {
			continue
		}
		if !bounded.InRange(match.Checkpoint) {
			continue
		}
		set.Enqueue(match.Worker, queue.Item{Checkpoint: match.Checkpoint, BlobName: blob.Key, Worker: match.Worker})
	}

	var toDelete []string
	for _, worker := range set.Workers() {
		var ascending []queue.Item
		for {
			item, ok := set.Dequeue(worker)
			if !ok {
				break
			}
			ascending = append(ascending, item)
		}

		if len(ascending) <= j.retentionFiles {
			continue
		}
		for _, item := range ascending[:len(ascending)-j.retentionFiles] {
			toDelete = append(toDelete, item.BlobName)
		}
	}

	if len(toDelete) == 0 {
		return nil
	}

	if err := j.objects.DeleteBatch(ctx, toDelete); err != nil {
		return fmt.Errorf("retention: delete %d blob(s): %w", len(toDelete), err)
	}
	if j.metrics != nil {
		j.metrics.RecordBlobsDeleted(int64(len(toDelete)))
	}
	return nil
}

// minCheckpoint returns the smallest checkpoint among rows' values, and
// false if rows is empty.
func minCheckpoint(rows map[string]checkpoint.Checkpoint) (checkpoint.Checkpoint, bool) {
	var min checkpoint.Checkpoint
	first := true
	for _, c := range rows {
		if first || c.Less(min) {
			min = c
			first = false
		}
	}
	return min, !first
}
