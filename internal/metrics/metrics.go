// Package metrics collects per-run counters during an ingestion run and
// renders them into a final report, for both console output and the
// optional S3-uploaded JSON artifact.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects counters and durations for a single orchestrator run.
// Counters use atomic operations so worker goroutines can update them
// without a shared lock; processingTime uses a mutex since duration
// accumulation isn't naturally atomic.
type Metrics struct {
	mu sync.RWMutex

	blobsDiscovered int64 // Number of source blobs matched by the discovery scan
	blobsLoaded     int64 // Number of blobs successfully loaded into a raw table
	rowsLoaded      int64 // Number of rows appended across all load batches
	pointerCommits  int64 // Number of successful pointer table commits
	dedupeRuns      int64 // Number of dedupe transform invocations
	mergeRuns       int64 // Number of merge transform invocations
	blobsDeleted    int64 // Number of blobs removed by the retention job
	errors          int64 // Number of retried or fatal errors encountered
	skippedBlobs    int64 // Number of blobs skipped (already committed or unparsable)

	processingTime time.Duration // Total time spent inside Load
	startTime      time.Time     // When the run started
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordBlobDiscovered increments the discovered-blob counter.
func (m *Metrics) RecordBlobDiscovered() {
	atomic.AddInt64(&m.blobsDiscovered, 1)
}

// RecordBlobLoaded increments the loaded-blob counter.
func (m *Metrics) RecordBlobLoaded() {
	atomic.AddInt64(&m.blobsLoaded, 1)
}

// RecordRowsLoaded adds n to the loaded-row counter.
func (m *Metrics) RecordRowsLoaded(n int64) {
	atomic.AddInt64(&m.rowsLoaded, n)
}

// RecordPointerCommit increments the pointer-commit counter.
func (m *Metrics) RecordPointerCommit() {
	atomic.AddInt64(&m.pointerCommits, 1)
}

// RecordDedupeRun increments the dedupe-run counter.
func (m *Metrics) RecordDedupeRun() {
	atomic.AddInt64(&m.dedupeRuns, 1)
}

// RecordMergeRun increments the merge-run counter.
func (m *Metrics) RecordMergeRun() {
	atomic.AddInt64(&m.mergeRuns, 1)
}

// RecordBlobsDeleted adds n to the retention-deleted-blob counter.
func (m *Metrics) RecordBlobsDeleted(n int64) {
	atomic.AddInt64(&m.blobsDeleted, n)
}

// RecordError increments the errors counter.
func (m *Metrics) RecordError() {
	atomic.AddInt64(&m.errors, 1)
}

// RecordSkippedBlob increments the skipped-blob counter.
func (m *Metrics) RecordSkippedBlob() {
	atomic.AddInt64(&m.skippedBlobs, 1)
}

// RecordProcessingTime adds d to the accumulated load-phase duration.
func (m *Metrics) RecordProcessingTime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processingTime += d
}

// Report is the final summary of a run, suitable for console output or
// JSON-encoded upload to the configured report URI.
type Report struct {
	StartTime       time.Time     `json:"startTime"`
	EndTime         time.Time     `json:"endTime"`
	BlobsDiscovered int64         `json:"blobsDiscovered"`
	BlobsLoaded     int64         `json:"blobsLoaded"`
	RowsLoaded      int64         `json:"rowsLoaded"`
	PointerCommits  int64         `json:"pointerCommits"`
	DedupeRuns      int64         `json:"dedupeRuns"`
	MergeRuns       int64         `json:"mergeRuns"`
	BlobsDeleted    int64         `json:"blobsDeleted"`
	Errors          int64         `json:"errors"`
	SkippedBlobs    int64         `json:"skippedBlobs"`
	Duration        time.Duration `json:"duration"`
	Throughput      float64       `json:"throughput"` // rows loaded per second
}

// GenerateReport snapshots the current counters into a Report.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	var throughput float64
	if duration > 0 {
		throughput = float64(atomic.LoadInt64(&m.rowsLoaded)) / duration.Seconds()
	}

	return Report{
		StartTime:       m.startTime,
		EndTime:         endTime,
		BlobsDiscovered: atomic.LoadInt64(&m.blobsDiscovered),
		BlobsLoaded:     atomic.LoadInt64(&m.blobsLoaded),
		RowsLoaded:      atomic.LoadInt64(&m.rowsLoaded),
		PointerCommits:  atomic.LoadInt64(&m.pointerCommits),
		DedupeRuns:      atomic.LoadInt64(&m.dedupeRuns),
		MergeRuns:       atomic.LoadInt64(&m.mergeRuns),
		BlobsDeleted:    atomic.LoadInt64(&m.blobsDeleted),
		Errors:          atomic.LoadInt64(&m.errors),
		SkippedBlobs:    atomic.LoadInt64(&m.skippedBlobs),
		Duration:        duration,
		Throughput:      throughput,
	}
}

// MarshalJSON implements json.Marshaler, formatting Duration as a string
// for readability in the uploaded report artifact.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String returns a human-readable summary for console output.
func (r Report) String() string {
	return fmt.Sprintf(
		"Run completed in %s\n"+
			"Blobs discovered: %d, loaded: %d, skipped: %d, deleted: %d\n"+
			"Rows loaded: %d\n"+
			"Pointer commits: %d, dedupe runs: %d, merge runs: %d\n"+
			"Errors: %d\n"+
			"Throughput: %.2f rows/sec",
		r.Duration,
		r.BlobsDiscovered, r.BlobsLoaded, r.SkippedBlobs, r.BlobsDeleted,
		r.RowsLoaded,
		r.PointerCommits, r.DedupeRuns, r.MergeRuns,
		r.Errors,
		r.Throughput,
	)
}
