// Package checkpoint defines the total order over source blobs: the
// (timestamp, job id, worker checkpoint) tuple every worker's queue is
// sorted by, and the half-open range used to bound a run or a backfill.
package checkpoint

import "fmt"

// Checkpoint identifies a position in a worker's blob stream. Blobs are
// ordered lexicographically on (Timestamp, JobID, WorkerCheckpoint).
type Checkpoint struct {
	Timestamp        int64
	JobID            string
	WorkerCheckpoint int64
}

// Compare returns -1, 0, or 1 if c sorts before, equal to, or after other.
func (c Checkpoint) Compare(other Checkpoint) int {
	if c.Timestamp != other.Timestamp {
		if c.Timestamp < other.Timestamp {
			return -1
		}
		return 1
	}
	if c.JobID != other.JobID {
		if c.JobID < other.JobID {
			return -1
		}
		return 1
	}
	if c.WorkerCheckpoint != other.WorkerCheckpoint {
		if c.WorkerCheckpoint < other.WorkerCheckpoint {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether c sorts strictly before other.
func (c Checkpoint) Less(other Checkpoint) bool {
	return c.Compare(other) < 0
}

// LessOrEqual reports whether c sorts before or equal to other.
func (c Checkpoint) LessOrEqual(other Checkpoint) bool {
	return c.Compare(other) <= 0
}

// Equal reports whether c and other represent the same position.
func (c Checkpoint) Equal(other Checkpoint) bool {
	return c.Compare(other) == 0
}

// Zero is the smallest possible checkpoint value.
var Zero = Checkpoint{}

// String renders the checkpoint in the same triple used in blob names.
func (c Checkpoint) String() string {
	return fmt.Sprintf("%d-%s-%d", c.Timestamp, c.JobID, c.WorkerCheckpoint)
}

// Range is a half-open interval [Start, End) over the checkpoint order. End
// applies only when HasEnd is true; otherwise the range is unbounded above.
type Range struct {
	Start Checkpoint
	End   Checkpoint
	// HasEnd distinguishes an explicit End at the zero Checkpoint from "no
	// upper bound", since Zero is itself a valid checkpoint value.
	HasEnd bool
}

// NewOpenRange returns a Range with no upper bound, starting at start.
func NewOpenRange(start Checkpoint) Range {
	return Range{Start: start}
}

// NewBoundedRange returns a Range covering [start, end).
func NewBoundedRange(start, end Checkpoint) Range {
	return Range{Start: start, End: end, HasEnd: true}
}

// InRange reports whether c falls within the range: c >= Start and
// (unbounded or c < End).
func (r Range) InRange(c Checkpoint) bool {
	if c.Less(r.Start) {
		return false
	}
	if !r.HasEnd {
		return true
	}
	return c.Less(r.End)
}
