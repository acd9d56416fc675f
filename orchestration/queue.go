package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/itsneelabh/goswarm/core"
)

// TaskQueue is the scheduler's pluggable queue: priority-ordered FIFO
// with blocking dequeue and cancel support. Implementations must be safe
// for concurrent use.
type TaskQueue interface {
	// Enqueue adds a task behind every task of equal or higher priority.
	Enqueue(task *Task) error

	// Dequeue blocks until a task is available, ctx is done, or the
	// queue closes. The highest-priority task is returned; ties resolve
	// in submission order.
	Dequeue(ctx context.Context) (*Task, error)

	// Remove deletes a still-queued task by ID. Returns false when the
	// task is not in the queue, including when a worker already took it.
	Remove(id string) bool

	// Len returns the number of queued tasks across all priorities.
	Len() int

	// Close wakes blocked Dequeue callers and rejects further use.
	Close() error
}

// MemoryTaskQueue is the default in-process queue: one FIFO list per
// priority under a single mutex, with a condition variable for blocking
// dequeues. Dequeue scans critical to low, which is equivalent to
// inserting each task before the first strictly-lower-priority one.
type MemoryTaskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lists  map[Priority][]*Task
	closed bool
}

// NewMemoryTaskQueue creates an empty in-memory queue.
func NewMemoryTaskQueue() *MemoryTaskQueue {
	q := &MemoryTaskQueue{
		lists: make(map[Priority][]*Task, 4),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue implements TaskQueue.
func (q *MemoryTaskQueue) Enqueue(task *Task) error {
	if task == nil || task.ID == "" {
		return core.NewValidationError(core.CodeInvalidInput, "task is nil or has no id")
	}
	if !task.Priority.Valid() {
		return core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("unknown priority %q", task.Priority))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("task queue closed: %w", core.ErrKernelStopped)
	}
	q.lists[task.Priority] = append(q.lists[task.Priority], task)
	q.cond.Signal()
	return nil
}

// Dequeue implements TaskQueue.
func (q *MemoryTaskQueue) Dequeue(ctx context.Context) (*Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Wake the cond loop when the caller gives up, otherwise a cancelled
	// Dequeue would sleep until the next Enqueue.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, fmt.Errorf("task queue closed: %w", core.ErrKernelStopped)
		}
		if task := q.popLocked(); task != nil {
			return task, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
}

func (q *MemoryTaskQueue) popLocked() *Task {
	for _, priority := range PriorityRanks() {
		list := q.lists[priority]
		if len(list) == 0 {
			continue
		}
		task := list[0]
		q.lists[priority] = list[1:]
		return task
	}
	return nil
}

// Remove implements TaskQueue.
func (q *MemoryTaskQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for priority, list := range q.lists {
		for i, task := range list {
			if task.ID == id {
				q.lists[priority] = append(list[:i:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Len implements TaskQueue.
func (q *MemoryTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, list := range q.lists {
		total += len(list)
	}
	return total
}

// Close implements TaskQueue.
func (q *MemoryTaskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
	return nil
}
