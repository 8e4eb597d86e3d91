// Package queue implements the Task Processor's priority queue. The
// heap/mutex plumbing is copied from the teacher's
// scheduler.ThreadSafeQueue (container/heap wrapped in a mutex, PushDelayed
// via time.AfterFunc); the Less comparator is replaced with the literal
// (priority DESC, ready-at ASC, created-at ASC) ordering instead of the
// teacher's aging-based effective-priority comparator.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/relayforge/taskmesh/internal/model"
)

// Item is one entry in the priority queue: a Task plus the time it
// becomes eligible to run.
type Item struct {
	Task    model.Task
	ReadyAt time.Time
}

type innerHeap []*Item

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	if h[i].Task.Priority != h[j].Task.Priority {
		return h[i].Task.Priority > h[j].Task.Priority // DESC
	}
	if !h[i].ReadyAt.Equal(h[j].ReadyAt) {
		return h[i].ReadyAt.Before(h[j].ReadyAt) // ASC
	}
	return h[i].Task.CreatedAt.Before(h[j].Task.CreatedAt) // ASC
}

func (h innerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *innerHeap) Push(x interface{}) {
	*h = append(*h, x.(*Item))
}

func (h *innerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}

// PriorityQueue is a thread-safe priority queue of queued tasks, ordered
// by (priority DESC, ready-at ASC, created-at ASC).
type PriorityQueue struct {
	mu sync.Mutex
	h  innerHeap
}

// New constructs an empty PriorityQueue.
func New() *PriorityQueue {
	return &PriorityQueue{h: make(innerHeap, 0)}
}

// Push enqueues a task ready to run immediately.
func (q *PriorityQueue) Push(task model.Task) {
	q.PushAt(task, task.CreatedAt)
}

// PushAt enqueues a task that only becomes eligible to run at readyAt
// (used for retry backoff scheduling).
func (q *PriorityQueue) PushAt(task model.Task, readyAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, &Item{Task: task, ReadyAt: readyAt})
}

// PushDelayed enqueues a task that becomes eligible after delay elapses,
// non-blocking, mirroring the teacher's ThreadSafeQueue.PushDelayed.
func (q *PriorityQueue) PushDelayed(task model.Task, delay time.Duration) {
	readyAt := time.Now().Add(delay)
	time.AfterFunc(delay, func() {
		q.PushAt(task, readyAt)
	})
}

// Pop removes and returns the highest-priority eligible task, or
// (zero, false) if the queue is empty or the root task isn't ready yet.
// A not-ready root is left in place rather than requeued, matching the
// teacher's queue.go Peek-before-Pop idiom for retry-delayed entries.
func (q *PriorityQueue) Pop(now time.Time) (model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return model.Task{}, false
	}
	if q.h[0].ReadyAt.After(now) {
		return model.Task{}, false
	}
	item := heap.Pop(&q.h).(*Item)
	return item.Task, true
}

// batchScanLimit bounds how many ready items PopMatching will pop and
// re-examine per call, so a batch search behind a long run of
// non-matching ready tasks can't turn into an unbounded scan.
const batchScanLimit = 64

// PopMatching removes and returns up to max ready tasks for which match
// reports true, used by the Task Processor to opportunistically fill
// out a batch dispatch to a single batching-capable Provider (spec.md
// §4.4 Batching). Ready tasks that don't match are left in the queue in
// their original relative order.
func (q *PriorityQueue) PopMatching(now time.Time, max int, match func(model.Task) bool) []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.Task
	var skipped []*Item
	scanned := 0
	for len(out) < max && len(q.h) > 0 && scanned < batchScanLimit {
		if q.h[0].ReadyAt.After(now) {
			break
		}
		item := heap.Pop(&q.h).(*Item)
		scanned++
		if match(item.Task) {
			out = append(out, item.Task)
		} else {
			skipped = append(skipped, item)
		}
	}
	for _, it := range skipped {
		heap.Push(&q.h, it)
	}
	return out
}

// Peek returns the highest-priority item without removing it.
func (q *PriorityQueue) Peek() (model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return model.Task{}, false
	}
	return q.h[0].Task, true
}

// Len reports the number of queued items.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
