package metrics

import (
	"testing"
	"time"
)

func TestMetricsHappyPath(t *testing.T) {
	m := NewMetrics()

	m.RecordBlobDiscovered()
	m.RecordBlobDiscovered()
	m.RecordBlobLoaded()
	m.RecordRowsLoaded(50)
	m.RecordPointerCommit()
	m.RecordDedupeRun()
	m.RecordMergeRun()
	m.RecordBlobsDeleted(3)
	m.RecordError()
	m.RecordSkippedBlob()

	time.Sleep(10 * time.Millisecond)

	report := m.GenerateReport()

	if report.BlobsDiscovered != 2 {
		t.Errorf("expected 2 blobs discovered, got %d", report.BlobsDiscovered)
	}
	if report.BlobsLoaded != 1 {
		t.Errorf("expected 1 blob loaded, got %d", report.BlobsLoaded)
	}
	if report.RowsLoaded != 50 {
		t.Errorf("expected 50 rows loaded, got %d", report.RowsLoaded)
	}
	if report.PointerCommits != 1 {
		t.Errorf("expected 1 pointer commit, got %d", report.PointerCommits)
	}
	if report.BlobsDeleted != 3 {
		t.Errorf("expected 3 blobs deleted, got %d", report.BlobsDeleted)
	}
	if report.Errors != 1 {
		t.Errorf("expected 1 error, got %d", report.Errors)
	}
	if report.SkippedBlobs != 1 {
		t.Errorf("expected 1 skipped blob, got %d", report.SkippedBlobs)
	}
	if report.Duration <= 0 {
		t.Errorf("expected positive duration, got %v", report.Duration)
	}
	if report.Throughput <= 0 {
		t.Errorf("expected positive throughput, got %f", report.Throughput)
	}

	str := report.String()
	if str == "" {
		t.Error("expected non-empty string representation")
	}
}

func TestMetricsZeroDuration(t *testing.T) {
	m := NewMetrics()
	report := m.GenerateReport()
	if report.RowsLoaded != 0 {
		t.Errorf("expected 0 rows loaded, got %d", report.RowsLoaded)
	}
}
