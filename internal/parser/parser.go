// Package parser extracts a checkpoint and worker id from a source blob's
// object name. Parsing is pure: it does no I/O and never errors, since a
// non-matching name is simply skipped by the caller.
package parser

import (
	"regexp"
	"strconv"

	"github.com/opensource-observer/goldsky-ingest/internal/checkpoint"
)

// blobNamePattern matches "{timestamp}-{job_id}-{worker}-{checkpoint}.parquet"
// where job_id is a canonical UUID.
var blobNamePattern = regexp.MustCompile(
	`^(\d+)-([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})-(\d+)-(\d+)\.parquet$`,
)

// Match is the result of successfully parsing a blob name.
type Match struct {
	Checkpoint checkpoint.Checkpoint
	Worker     string
}

// Parse extracts the checkpoint and worker id from a blob's base name (no
// directory prefix). ok is false for any name that doesn't match the
// pattern; callers must silently skip such blobs rather than error.
func Parse(name string) (m Match, ok bool) {
	groups := blobNamePattern.FindStringSubmatch(name)
	if groups == nil {
		return Match{}, false
	}

	timestamp, err := strconv.ParseInt(groups[1], 10, 64)
	if err != nil {
		return Match{}, false
	}
	jobID := groups[2]
	worker := groups[3]
	workerCheckpoint, err := strconv.ParseInt(groups[4], 10, 64)
	if err != nil {
		return Match{}, false
	}

	return Match{
		Checkpoint: checkpoint.Checkpoint{
			Timestamp:        timestamp,
			JobID:            jobID,
			WorkerCheckpoint: workerCheckpoint,
		},
		Worker: worker,
	}, true
}
