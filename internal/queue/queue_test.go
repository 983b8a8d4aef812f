package queue

import (
	"testing"

	"github.com/opensource-observer/goldsky-ingest/internal/checkpoint"
)

func item(ts int64) Item {
	return Item{
		Checkpoint: checkpoint.Checkpoint{Timestamp: ts, JobID: "job", WorkerCheckpoint: ts},
		BlobName:   "blob",
		Worker:     "0",
	}
}

func TestQueueDequeueOrder(t *testing.T) {
	q := New(10)
	q.Enqueue(item(3))
	q.Enqueue(item(1))
	q.Enqueue(item(2))

	var got []int64
	for {
		it, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, it.Checkpoint.Timestamp)
	}

	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestQueueDequeueCap(t *testing.T) {
	q := New(2)
	q.Enqueue(item(1))
	q.Enqueue(item(2))
	q.Enqueue(item(3))

	if _, ok := q.Dequeue(); !ok {
		t.Fatal("expected first dequeue to succeed")
	}
	if _, ok := q.Dequeue(); !ok {
		t.Fatal("expected second dequeue to succeed")
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("expected third dequeue to fail once cap reached, even though heap is non-empty")
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 item remaining in heap, got %d", q.Len())
	}
}

func TestQueueZeroCapNeverYields(t *testing.T) {
	q := New(0)
	q.Enqueue(item(1))
	if _, ok := q.Dequeue(); ok {
		t.Error("expected zero-cap queue to never yield an item")
	}
}

func TestQueueEmpty(t *testing.T) {
	q := New(10)
	q.Enqueue(item(1))
	q.Enqueue(item(2))
	q.Empty()
	if q.Len() != 0 {
		t.Errorf("expected 0 items after Empty, got %d", q.Len())
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("expected empty queue to yield nothing")
	}
}

func TestSetEnqueueDequeuePerWorker(t *testing.T) {
	s := NewSet(10)
	s.Enqueue("0", item(1))
	s.Enqueue("1", item(1))
	s.Enqueue("0", item(2))

	workers := s.Workers()
	if len(workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(workers))
	}

	it, ok := s.Dequeue("0")
	if !ok || it.Checkpoint.Timestamp != 1 {
		t.Errorf("expected worker 0's first dequeue to be checkpoint 1, got %+v ok=%v", it, ok)
	}

	if _, ok := s.Dequeue("unknown-worker"); ok {
		t.Error("expected dequeue on unknown worker to fail")
	}
}

func TestSetPeekRequeues(t *testing.T) {
	s := NewSet(10)
	s.Enqueue("0", item(5))

	it, ok := s.Peek()
	if !ok {
		t.Fatal("expected peek to find an item")
	}
	if it.Checkpoint.Timestamp != 5 {
		t.Errorf("expected peeked checkpoint 5, got %d", it.Checkpoint.Timestamp)
	}

	if s.WorkerQueue("0").Len() != 1 {
		t.Error("expected peek to re-enqueue the item it dequeued")
	}
}

func TestSetPeekEmpty(t *testing.T) {
	s := NewSet(10)
	if _, ok := s.Peek(); ok {
		t.Error("expected peek on empty set to fail")
	}
}

func TestSetStatusReportsBacklogPerWorker(t *testing.T) {
	s := NewSet(10)
	s.Enqueue("0", item(1))
	s.Enqueue("0", item(2))
	s.Enqueue("1", item(1))

	status := s.Status()
	if status["0"] != 2 || status["1"] != 1 {
		t.Errorf("got %v, want {0:2, 1:1}", status)
	}
}

func TestSetWorkerQueuesReturnsEveryQueue(t *testing.T) {
	s := NewSet(10)
	s.Enqueue("0", item(1))
	s.Enqueue("1", item(1))

	queues := s.WorkerQueues()
	if len(queues) != 2 {
		t.Fatalf("expected 2 worker queues, got %d", len(queues))
	}
	if queues["0"].Len() != 1 || queues["1"].Len() != 1 {
		t.Error("expected each returned queue to reflect its worker's backlog")
	}
}

func TestSetEmptyAll(t *testing.T) {
	s := NewSet(10)
	s.Enqueue("0", item(1))
	s.Enqueue("1", item(1))
	s.EmptyAll()
	if s.WorkerQueue("0").Len() != 0 || s.WorkerQueue("1").Len() != 0 {
		t.Error("expected all worker queues to be empty after EmptyAll")
	}
}
