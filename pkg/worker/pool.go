// Package worker implements the concurrent, rate-limited worker pool that
// drains the task queue: cache lookup first, then a limiter-gated Discogs
// fetch with linear-backoff retries.
//
// The cache check and the remote fetch are not one atomic operation: two
// workers can miss on the same release and both fetch it before either
// writes the cache. That is accepted at-least-once semantics, the second
// write is idempotent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/crateful/discogs-batch-client/pkg/cache"
	"github.com/crateful/discogs-batch-client/pkg/fetch"
	"github.com/crateful/discogs-batch-client/pkg/logging"
	"github.com/crateful/discogs-batch-client/pkg/queue"
	"github.com/crateful/discogs-batch-client/pkg/ratelimit"
	"github.com/crateful/discogs-batch-client/pkg/record"
)

// Prometheus metrics for pool activity.
var (
	tasksCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_tasks_completed_total",
		Help: "Total tasks that reached a successful terminal callback",
	})

	tasksFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_tasks_failed_total",
		Help: "Total tasks that failed after retry exhaustion or permanently",
	})

	taskRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_task_retries_total",
		Help: "Total retry re-submissions",
	})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pool_task_duration_seconds",
		Help:    "Time from dequeue to terminal outcome per task",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// Fetcher performs one remote call per release identifier. Failures should
// be typed *fetch.Error values so retry eligibility can be decided on Kind.
type Fetcher interface {
	Fetch(ctx context.Context, releaseID int64) (*record.Record, error)
}

// Cache is the check-then-store gateway over previously fetched records.
// Get returns cache.ErrCacheMiss for absent or expired entries; any other
// error is treated as a miss too (the batch proceeds via remote fetch).
type Cache interface {
	Get(ctx context.Context, releaseID int64) (*record.Record, error)
	Put(ctx context.Context, releaseID int64, rec *record.Record) error
}

// Config holds worker pool configuration.
type Config struct {
	// NumWorkers is the fixed number of concurrent workers.
	NumWorkers int

	// RateLimitCapacity is the token bucket capacity (burst size).
	RateLimitCapacity int

	// RateLimitRefill is the refill rate in tokens per second
	// (1.0 matches the Discogs 60 req/min ceiling).
	RateLimitRefill float64

	// MaxRetries is the retry budget per task for retryable errors.
	MaxRetries int

	// RetryDelay is the base backoff: a task sleeps RetryDelay * attempt
	// before re-entering the queue (linear backoff).
	RetryDelay time.Duration

	// PollTimeout bounds each blocking queue pop so workers re-check the
	// shutdown flag cooperatively. Shutdown latency is at most this value.
	PollTimeout time.Duration

	// JoinTimeout bounds how long Stop waits for workers to exit before
	// reporting them abandoned.
	JoinTimeout time.Duration
}

// DefaultConfig returns a configuration tuned for the Discogs API.
func DefaultConfig() Config {
	return Config{
		NumWorkers:        3,
		RateLimitCapacity: 60,
		RateLimitRefill:   1.0,
		MaxRetries:        2,
		RetryDelay:        10 * time.Second,
		PollTimeout:       time.Second,
		JoinTimeout:       3 * time.Second,
	}
}

// Pool is a fixed-size worker pool sharing one task queue, one rate limit
// bucket and one statistics block. A pool is single-use: one Start/Stop
// cycle per batch run.
type Pool struct {
	config Config
	queue  *queue.Queue
	bucket *ratelimit.Bucket
	stats  *Statistics
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	fetcher Fetcher
	cache   Cache
}

// NewPool creates a stopped pool. Zero config fields fall back to defaults.
func NewPool(cfg Config) *Pool {
	defaults := DefaultConfig()
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = defaults.NumWorkers
	}
	if cfg.RateLimitCapacity <= 0 {
		cfg.RateLimitCapacity = defaults.RateLimitCapacity
	}
	if cfg.RateLimitRefill <= 0 {
		cfg.RateLimitRefill = defaults.RateLimitRefill
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaults.PollTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaults.JoinTimeout
	}

	return &Pool{
		config: cfg,
		queue:  queue.New(),
		bucket: ratelimit.NewBucket(cfg.RateLimitCapacity, cfg.RateLimitRefill),
		stats:  &Statistics{},
		logger: logging.NewLogger("worker-pool"),
	}
}

// Submit enqueues one release fetch at the given priority (lower values are
// served first). Safe before and after Start.
func (p *Pool) Submit(releaseID int64, priority int, callback queue.Callback, metadata map[string]string) {
	p.queue.Push(&queue.Task{
		Priority:  priority,
		ReleaseID: releaseID,
		Callback:  callback,
		Metadata:  metadata,
	})
	p.stats.recordSubmit()
}

// Start spawns the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start(fetcher Fetcher, cache Cache) error {
	if fetcher == nil {
		return fmt.Errorf("fetcher is required")
	}
	if cache == nil {
		return fmt.Errorf("cache is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		p.logger.Warn().Msg("Start called on a running pool")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.fetcher = fetcher
	p.cache = cache
	p.running = true
	p.stats.markStarted()

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i+1)
	}

	p.logger.Info().Int("num_workers", p.config.NumWorkers).Msg("Worker pool started")
	return nil
}

// Stop shuts the pool down. With wait=true it first blocks on the drain
// barrier, so every submitted task (including retried re-submissions) has
// reached a terminal callback before workers are signalled. With wait=false
// workers are cancelled cooperatively within one poll interval and tasks
// left in the queue are abandoned, uncalled.
func (p *Pool) Stop(wait bool) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if wait {
		p.logger.Info().Msg("Waiting for queue to drain")
		p.queue.Join()
	} else {
		// Release any concurrent Stop(true) blocked on the drain barrier;
		// abandoned tasks will never be acknowledged.
		p.queue.Abort()
	}

	p.mu.Lock()
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Worker pool stopped")
	case <-time.After(p.config.JoinTimeout):
		p.logger.Warn().
			Dur("join_timeout", p.config.JoinTimeout).
			Msg("Workers did not exit within join timeout, abandoning")
	}

	p.stats.markStopped()
}

// Stats returns a consistent snapshot of the pool statistics.
func (p *Pool) Stats() Snapshot {
	return p.stats.Snapshot()
}

// QueueLen returns the number of tasks still queued.
func (p *Pool) QueueLen() int {
	return p.queue.Len()
}

func (p *Pool) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// workerLoop drains the queue until the running flag is cleared and no task
// arrives within the poll timeout.
func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	logger := p.logger.With().Int("worker_id", workerID).Logger()
	logger.Debug().Msg("Worker started")

	processed := 0
	for {
		task, ok := p.queue.Pop(p.config.PollTimeout)
		if !ok {
			if ctx.Err() != nil || !p.isRunning() {
				break
			}
			continue
		}

		if ctx.Err() != nil {
			// Cancelled between pop and processing: abandon uncalled.
			p.queue.TaskDone()
			break
		}

		p.processTask(ctx, logger, task)
		processed++

		if completed := p.stats.Snapshot().Completed; completed > 0 && completed%50 == 0 {
			logger.Info().
				Int("completed", completed).
				Int("total", p.stats.Snapshot().TotalTasks).
				Msg("Batch progress")
		}
	}

	logger.Debug().Int("tasks_processed", processed).Msg("Worker stopped")
}

// processTask runs one task to a terminal state, a retry re-push, or
// abandonment on cancellation. No error escapes to kill the worker: panics
// from fetch, cache or callbacks are recovered and recorded.
func (p *Pool) processTask(ctx context.Context, logger zerolog.Logger, task *queue.Task) {
	startTime := time.Now()
	terminal := false

	defer p.queue.TaskDone()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Int64("release_id", task.ReleaseID).
				Msg("Recovered panic while processing task")
			if !terminal {
				p.stats.recordFailed()
			}
		}
	}()

	// Cache first: a hit never touches the limiter or the fetcher.
	rec, err := p.cache.Get(ctx, task.ReleaseID)
	if err == nil {
		logger.Debug().Int64("release_id", task.ReleaseID).Msg("Cache hit")
		p.stats.recordCacheHit()
		p.stats.recordCompleted()
		terminal = true
		taskDuration.Observe(time.Since(startTime).Seconds())
		p.invokeCallback(task, rec, nil)
		return
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		// Cache errors are never fatal to the batch.
		logger.Warn().Err(err).Int64("release_id", task.ReleaseID).Msg("Cache read failed, fetching remotely")
	}

	if !p.bucket.AwaitConsume(ctx, 1, 0) {
		// Cancelled while waiting for a token: abandon uncalled.
		return
	}

	p.stats.recordRemoteCall()
	rec, err = p.fetcher.Fetch(ctx, task.ReleaseID)
	if err == nil {
		if putErr := p.cache.Put(ctx, task.ReleaseID, rec); putErr != nil {
			logger.Warn().Err(putErr).Int64("release_id", task.ReleaseID).Msg("Cache write failed")
		}

		logger.Debug().
			Int64("release_id", task.ReleaseID).
			Str("title", rec.Title).
			Msg("Fetched release")

		p.stats.recordCompleted()
		terminal = true
		taskDuration.Observe(time.Since(startTime).Seconds())
		p.invokeCallback(task, rec, nil)
		return
	}

	if ctx.Err() != nil {
		// The fetch failed because the pool is being cancelled.
		return
	}

	if fetch.IsRetryable(err) && task.Attempts < p.config.MaxRetries {
		task.Attempts++
		p.stats.recordRetry()

		backoff := p.config.RetryDelay * time.Duration(task.Attempts)
		logger.Warn().
			Err(err).
			Int64("release_id", task.ReleaseID).
			Int("attempt", task.Attempts).
			Int("max_retries", p.config.MaxRetries).
			Dur("backoff", backoff).
			Msg("Retrying release fetch")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		// Re-push at the original priority; the drain barrier tracks it.
		p.queue.Push(task)
		return
	}

	logger.Error().
		Err(err).
		Int64("release_id", task.ReleaseID).
		Int("attempts", task.Attempts).
		Str("error_kind", string(fetch.KindOf(err))).
		Msg("Release fetch failed")

	p.stats.recordFailed()
	terminal = true
	taskDuration.Observe(time.Since(startTime).Seconds())
	p.invokeCallback(task, nil, err)
}

// invokeCallback delivers the terminal outcome if a callback is set.
func (p *Pool) invokeCallback(task *queue.Task, rec *record.Record, err error) {
	if task.Callback == nil {
		return
	}
	task.Callback(queue.Outcome{
		ReleaseID: task.ReleaseID,
		Record:    rec,
		Err:       err,
		Metadata:  task.Metadata,
	})
}
