package queue

import (
	"github.com/crateful/discogs-batch-client/pkg/record"
)

// Outcome is the terminal result of one task: either a fetched record or
// the error that exhausted it. Exactly one of Record/Err is set.
type Outcome struct {
	ReleaseID int64
	Record    *record.Record
	Err       error
	Metadata  map[string]string
}

// Callback receives a task's terminal outcome. It is invoked exactly once
// per completed or failed task, from the worker goroutine that finished it.
type Callback func(Outcome)

// Task is a single pending release fetch. Lower Priority values are served
// first. Attempts is mutated only by the worker currently retrying the task.
type Task struct {
	Priority  int
	ReleaseID int64
	Attempts  int
	Callback  Callback
	Metadata  map[string]string

	// seq is assigned on push: FIFO tie-break within equal priority.
	seq uint64
}
