package batch

import (
	"sync"
	"time"

	"github.com/crateful/discogs-batch-client/pkg/queue"
	"github.com/crateful/discogs-batch-client/pkg/record"
	"github.com/crateful/discogs-batch-client/pkg/worker"
)

// Status is the lifecycle state of a registered batch job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one registered batch run. The registry owns its lifecycle; callers
// observe it through View, Progress and Done.
type Job struct {
	id         string
	releaseIDs []int64
	createdAt  time.Time

	mu         sync.Mutex
	status     Status
	outcomes   []queue.Outcome
	stats      worker.Snapshot
	runErr     error
	finishedAt time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func newJob(id string, releaseIDs []int64) *Job {
	return &Job{
		id:         id,
		releaseIDs: releaseIDs,
		createdAt:  time.Now(),
		status:     StatusQueued,
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// requestCancel asks the running pool to abandon outstanding work. Safe to
// call repeatedly and after the job has finished.
func (j *Job) requestCancel() {
	j.cancelOnce.Do(func() { close(j.cancelCh) })
}

func (j *Job) markRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusQueued {
		j.status = StatusRunning
	}
}

func (j *Job) addOutcome(outcome queue.Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, outcome)
}

// finish records the final statistics and derives the terminal status.
// A batch where every task failed is a failed batch; partial failures still
// count as completed, matching how the export surfaces per-row errors.
func (j *Job) finish(stats worker.Snapshot, cancelled bool, runErr error) {
	j.mu.Lock()
	j.stats = stats
	j.runErr = runErr
	j.finishedAt = time.Now()

	switch {
	case cancelled:
		j.status = StatusCancelled
	case runErr != nil:
		j.status = StatusFailed
	case stats.Failed > 0 && stats.Completed == 0:
		j.status = StatusFailed
	default:
		j.status = StatusCompleted
	}
	j.mu.Unlock()

	close(j.done)
}

// Records returns the successfully fetched records in outcome order.
func (j *Job) Records() []*record.Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	records := make([]*record.Record, 0, len(j.outcomes))
	for _, outcome := range j.outcomes {
		if outcome.Err == nil && outcome.Record != nil {
			records = append(records, outcome.Record)
		}
	}
	return records
}

// View is the JSON shape of a job for status and listing endpoints.
type View struct {
	ID         string          `json:"id"`
	Status     Status          `json:"status"`
	Total      int             `json:"total"`
	Processed  int             `json:"processed"`
	Failed     int             `json:"failed"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	Statistics worker.Snapshot `json:"statistics"`
}

// View returns a consistent JSON-ready copy of the job's state.
func (j *Job) View() View {
	j.mu.Lock()
	defer j.mu.Unlock()

	failed := 0
	for _, outcome := range j.outcomes {
		if outcome.Err != nil {
			failed++
		}
	}

	view := View{
		ID:         j.id,
		Status:     j.status,
		Total:      len(j.releaseIDs),
		Processed:  len(j.outcomes),
		Failed:     failed,
		CreatedAt:  j.createdAt,
		Statistics: j.stats,
	}
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		view.FinishedAt = &finished
	}
	if j.runErr != nil {
		view.Error = j.runErr.Error()
	}
	return view
}

// Progress is the payload of one SSE progress event.
type Progress struct {
	Status     Status  `json:"status"`
	Total      int     `json:"total"`
	Processed  int     `json:"processed"`
	Failed     int     `json:"failed"`
	Percent    float64 `json:"percent"`
	ETASeconds float64 `json:"eta_seconds"`
}

// Progress reports completion so far plus a naive ETA extrapolated from the
// observed processing rate.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()

	total := len(j.releaseIDs)
	processed := len(j.outcomes)
	failed := 0
	for _, outcome := range j.outcomes {
		if outcome.Err != nil {
			failed++
		}
	}

	progress := Progress{
		Status:    j.status,
		Total:     total,
		Processed: processed,
		Failed:    failed,
	}
	if total > 0 {
		progress.Percent = float64(processed) / float64(total) * 100
	}

	elapsed := time.Since(j.createdAt).Seconds()
	if processed > 0 && processed < total && elapsed > 0 {
		rate := float64(processed) / elapsed
		progress.ETASeconds = float64(total-processed) / rate
	}
	return progress
}

// expired reports whether a terminal job is past its retention window.
func (j *Job) expired(retention time.Duration, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.status.Terminal() || j.finishedAt.IsZero() {
		return false
	}
	return now.Sub(j.finishedAt) > retention
}
