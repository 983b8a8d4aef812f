// Package queue implements the per-worker priority queue of discovered
// blobs and the queue set that fans one out per worker id. Ordering is by
// checkpoint; the dequeue cap is a flow-control bound on work done in a
// single run, not a bound on how many items may be enqueued.
package queue

import (
	"container/heap"
	"sync"

	"github.com/opensource-observer/goldsky-ingest/internal/checkpoint"
)

// Item is one entry in a worker's queue: a discovered blob and the
// checkpoint parsed from its name.
type Item struct {
	Checkpoint checkpoint.Checkpoint
	BlobName   string
	Worker     string
}

// heapSlice is the container/heap.Interface backing Queue.
type heapSlice []Item

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	return h[i].Checkpoint.Less(h[j].Checkpoint)
}
func (h heapSlice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *heapSlice) Push(x any) {
	*h = append(*h, x.(Item))
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is a min-heap of Items ordered by checkpoint, with a dequeue-count
// cap. Once maxSize dequeues have succeeded, Dequeue returns ok=false even
// if items remain in the heap.
type Queue struct {
	items    heapSlice
	dequeues int
	maxSize  int
}

// New creates a Queue that stops yielding items after maxSize successful
// dequeues. maxSize <= 0 means the queue never yields anything.
func New(maxSize int) *Queue {
	q := &Queue{maxSize: maxSize}
	heap.Init(&q.items)
	return q
}

// Enqueue adds item to the queue. Enqueues are never capped.
func (q *Queue) Enqueue(item Item) {
	heap.Push(&q.items, item)
}

// Dequeue removes and returns the lowest-checkpoint item, or ok=false if
// the dequeue cap has been reached or the queue is empty.
func (q *Queue) Dequeue() (item Item, ok bool) {
	if q.dequeues >= q.maxSize {
		return Item{}, false
	}
	if q.items.Len() == 0 {
		return Item{}, false
	}
	item = heap.Pop(&q.items).(Item)
	q.dequeues++
	return item, true
}

// Len returns the number of items currently held, irrespective of the
// dequeue cap.
func (q *Queue) Len() int {
	return q.items.Len()
}

// Empty clears the queue, discarding all held items without counting them
// against the dequeue cap.
func (q *Queue) Empty() {
	q.items = q.items[:0]
	heap.Init(&q.items)
}

// Set maps worker id to its Queue, lazily constructing a fresh Queue (with
// the shared maxSize) the first time a worker id is seen.
type Set struct {
	mu      sync.Mutex
	maxSize int
	queues  map[string]*Queue
}

// NewSet creates an empty Set whose queues share maxSize as their dequeue cap.
func NewSet(maxSize int) *Set {
	return &Set{
		maxSize: maxSize,
		queues:  make(map[string]*Queue),
	}
}

// Enqueue adds item to the named worker's queue, creating it if needed.
func (s *Set) Enqueue(worker string, item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[worker]
	if !ok {
		q = New(s.maxSize)
		s.queues[worker] = q
	}
	q.Enqueue(item)
}

// Dequeue removes the lowest-checkpoint item from the named worker's
// queue. ok is false if the worker is unknown, its queue is empty, or its
// dequeue cap has been reached.
func (s *Set) Dequeue(worker string) (item Item, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, exists := s.queues[worker]
	if !exists {
		return Item{}, false
	}
	return q.Dequeue()
}

// Workers returns the set of worker ids with a queue, in no particular order.
func (s *Set) Workers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	workers := make([]string, 0, len(s.queues))
	for w := range s.queues {
		workers = append(workers, w)
	}
	return workers
}

// WorkerQueue returns the Queue for worker, creating it if needed.
func (s *Set) WorkerQueue(worker string) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[worker]
	if !ok {
		q = New(s.maxSize)
		s.queues[worker] = q
	}
	return q
}

// Status reports each worker's current backlog length (items held,
// irrespective of the dequeue cap), keyed by worker id.
func (s *Set) Status() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := make(map[string]int, len(s.queues))
	for worker, q := range s.queues {
		status[worker] = q.Len()
	}
	return status
}

// WorkerQueues returns a snapshot mapping every worker id to its Queue.
func (s *Set) WorkerQueues() map[string]*Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Queue, len(s.queues))
	for worker, q := range s.queues {
		out[worker] = q
	}
	return out
}

// EmptyAll clears every worker's queue.
func (s *Set) EmptyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		q.Empty()
	}
}

// Peek dequeues one item from an arbitrary worker's queue and immediately
// re-enqueues it, giving back the dequeue it used so the sample does not
// count against that queue's dequeue cap. It exists to sample a
// representative blob for schema inference; the worker chosen and the
// order across calls are both unspecified, and this must never be used for
// ordering guarantees.
func (s *Set) Peek() (item Item, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for worker, q := range s.queues {
		it, dequeued := q.Dequeue()
		if !dequeued {
			continue
		}
		q.Enqueue(it)
		q.dequeues--
		_ = worker
		return it, true
	}
	return Item{}, false
}
