// Package queue provides the priority-ordered, blocking task queue shared
// by the worker pool, with a drain barrier covering retried re-submissions.
package queue

import (
	"container/heap"
	"sync"
	"time"
)

// Queue is a thread-safe priority queue of fetch tasks. Tasks with lower
// Priority values pop first; ties pop in push order (a monotonically
// increasing sequence number is the secondary sort key, so ordering within
// one priority is deterministic FIFO).
//
// The queue tracks unfinished work separately from queue length: every Push
// increments the unfinished count and every TaskDone decrements it, so Join
// only releases once retried re-pushes have also reached a terminal
// acknowledgement, not merely once the queue is empty.
type Queue struct {
	mu       sync.Mutex
	popCond  *sync.Cond
	doneCond *sync.Cond

	tasks      taskHeap
	nextSeq    uint64
	unfinished int
	aborted    bool
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{}
	q.popCond = sync.NewCond(&q.mu)
	q.doneCond = sync.NewCond(&q.mu)
	return q
}

// Push inserts a task, O(log n). The task's sequence number is (re)assigned
// on every push, so a retried task queues behind equal-priority tasks that
// were already waiting.
func (q *Queue) Push(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	task.seq = q.nextSeq
	heap.Push(&q.tasks, task)
	q.unfinished++

	q.popCond.Signal()
}

// Pop blocks up to timeout for the lowest-priority-value task. It returns
// (nil, false) on timeout, which lets workers re-check their shutdown flag
// instead of blocking forever.
func (q *Queue) Pop(timeout time.Duration) (*Task, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.tasks.Len() == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}

		// Wake this waiter at the deadline; Wait has no timeout of its own.
		timer := time.AfterFunc(remaining, q.popCond.Broadcast)
		q.popCond.Wait()
		timer.Stop()
	}

	task := heap.Pop(&q.tasks).(*Task)
	return task, true
}

// TaskDone acknowledges that a previously popped task reached a terminal
// state (completed, failed, or re-pushed for retry). Panics if called more
// times than tasks were pushed.
func (q *Queue) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished <= 0 {
		panic("queue: TaskDone called too many times")
	}

	q.unfinished--
	if q.unfinished == 0 {
		q.doneCond.Broadcast()
	}
}

// Join blocks until every pushed task (including retried re-pushes) has
// been popped and acknowledged via TaskDone, or until Abort is called.
// This is the pool's drain barrier: queue emptiness alone is not
// sufficient because retries re-push.
func (q *Queue) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.unfinished > 0 && !q.aborted {
		q.doneCond.Wait()
	}
}

// Abort releases every Join waiter regardless of unfinished work. Used on
// cancellation, when queued tasks are being abandoned rather than drained.
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.aborted = true
	q.doneCond.Broadcast()
}

// Len returns the number of tasks currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Unfinished returns the count of pushed tasks not yet acknowledged done.
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// taskHeap is a min-heap ordered by (Priority, seq).
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
