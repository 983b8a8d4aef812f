package parser

import (
	"testing"

	"github.com/opensource-observer/goldsky-ingest/internal/checkpoint"
)

func TestParseValidName(t *testing.T) {
	name := "100-550e8400-e29b-41d4-a716-446655440000-0-1.parquet"
	m, ok := Parse(name)
	if !ok {
		t.Fatalf("expected %q to parse", name)
	}
	want := checkpoint.Checkpoint{
		Timestamp:        100,
		JobID:            "550e8400-e29b-41d4-a716-446655440000",
		WorkerCheckpoint: 1,
	}
	if m.Checkpoint != want {
		t.Errorf("got checkpoint %+v, want %+v", m.Checkpoint, want)
	}
	if m.Worker != "0" {
		t.Errorf("got worker %q, want %q", m.Worker, "0")
	}
}

func TestParseRejectsNonMatches(t *testing.T) {
	cases := []string{
		"",
		"not-a-parquet-file.txt",
		"100-badjobid-0-1.parquet",
		"100-550e8400-e29b-41d4-a716-446655440000-0-1.csv",
		"abc-550e8400-e29b-41d4-a716-446655440000-0-1.parquet",
		"100-550e8400-e29b-41d4-a716-446655440000-0-abc.parquet",
		"dir/100-550e8400-e29b-41d4-a716-446655440000-0-1.parquet",
	}
	for _, c := range cases {
		t.Run(c, func(t *testing.T) {
			if _, ok := Parse(c); ok {
				t.Errorf("expected %q to be rejected", c)
			}
		})
	}
}

func TestParseDifferentWorkers(t *testing.T) {
	a, ok := Parse("100-550e8400-e29b-41d4-a716-446655440000-0-1.parquet")
	if !ok {
		t.Fatal("expected worker 0 blob to parse")
	}
	b, ok := Parse("100-550e8400-e29b-41d4-a716-446655440000-12-1.parquet")
	if !ok {
		t.Fatal("expected worker 12 blob to parse")
	}
	if a.Worker == b.Worker {
		t.Errorf("expected distinct workers, got %q and %q", a.Worker, b.Worker)
	}
}
