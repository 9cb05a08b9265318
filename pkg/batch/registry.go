// Package batch ties the worker pool to callers: a synchronous Processor
// for library use and a Registry of asynchronous jobs for the HTTP API.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crateful/discogs-batch-client/pkg/logging"
	"github.com/crateful/discogs-batch-client/pkg/queue"
	"github.com/crateful/discogs-batch-client/pkg/worker"
)

var (
	// ErrJobNotFound indicates the batch ID is unknown or already reaped.
	ErrJobNotFound = errors.New("batch job not found")

	// ErrNoReleases indicates a submission without any release IDs.
	ErrNoReleases = errors.New("no release ids submitted")
)

// RegistryConfig holds registry configuration.
type RegistryConfig struct {
	// Pool is the base worker pool configuration; per-submission Options
	// override individual fields.
	Pool worker.Config

	// Retention is how long finished jobs stay queryable before the reaper
	// evicts them.
	Retention time.Duration

	// ReapInterval is how often the reaper scans for expired jobs.
	ReapInterval time.Duration
}

// DefaultRegistryConfig keeps finished jobs for 30 minutes, long enough to
// download the CSV, and reaps once a minute.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Pool:         worker.DefaultConfig(),
		Retention:    30 * time.Minute,
		ReapInterval: time.Minute,
	}
}

// Options tune one submission. Zero values inherit the registry defaults.
type Options struct {
	// Priority orders tasks in the shared queue, lower first.
	Priority int

	// NumWorkers overrides the pool's worker count.
	NumWorkers int

	// RatePerMinute overrides the rate limit (bucket capacity and refill).
	RatePerMinute int
}

// Registry tracks batch jobs by ID: one pool run per submission, per-task
// outcomes collected over a channel, finished jobs evicted by a reaper after
// the retention window.
type Registry struct {
	fetcher worker.Fetcher
	cache   worker.Cache
	config  RegistryConfig
	logger  zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]*Job

	closeOnce  sync.Once
	reaperStop chan struct{}
}

// NewRegistry creates a registry and starts its reaper.
func NewRegistry(fetcher worker.Fetcher, cache worker.Cache, cfg RegistryConfig) *Registry {
	if fetcher == nil {
		panic("fetcher cannot be nil")
	}
	if cache == nil {
		panic("cache cannot be nil")
	}

	defaults := DefaultRegistryConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaults.ReapInterval
	}

	r := &Registry{
		fetcher:    fetcher,
		cache:      cache,
		config:     cfg,
		logger:     logging.NewLogger("batch-registry"),
		jobs:       make(map[string]*Job),
		reaperStop: make(chan struct{}),
	}
	go r.reaperLoop()
	return r
}

// Submit registers a new job and starts processing it asynchronously.
func (r *Registry) Submit(releaseIDs []int64, opts Options) (*Job, error) {
	if len(releaseIDs) == 0 {
		return nil, ErrNoReleases
	}

	cfg := r.config.Pool
	if opts.NumWorkers > 0 {
		cfg.NumWorkers = opts.NumWorkers
	}
	if opts.RatePerMinute > 0 {
		cfg.RateLimitCapacity = opts.RatePerMinute
		cfg.RateLimitRefill = float64(opts.RatePerMinute) / 60.0
	}

	job := newJob(uuid.NewString(), releaseIDs)

	r.mu.Lock()
	r.jobs[job.id] = job
	r.mu.Unlock()

	r.logger.Info().
		Str("batch_id", job.id).
		Int("releases", len(releaseIDs)).
		Int("num_workers", cfg.NumWorkers).
		Msg("Batch job submitted")

	go r.run(job, cfg, opts.Priority)
	return job, nil
}

// Get returns the job for the given ID. Expired jobs are evicted on read.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrJobNotFound
	}
	if job.expired(r.config.Retention, time.Now()) {
		r.evict(id)
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Cancel requests cooperative cancellation of a running job. Cancelling a
// finished job is a no-op.
func (r *Registry) Cancel(id string) error {
	job, err := r.Get(id)
	if err != nil {
		return err
	}
	job.requestCancel()
	return nil
}

// Await blocks until the job reaches a terminal status or ctx is cancelled.
func (r *Registry) Await(ctx context.Context, id string) (*Job, error) {
	job, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	select {
	case <-job.Done():
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns a view of every registered job, newest first.
func (r *Registry) List() []View {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].createdAt.After(jobs[j].createdAt)
	})

	views := make([]View, len(jobs))
	for i, job := range jobs {
		views[i] = job.View()
	}
	return views
}

// Close stops the reaper and cancels every running job.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.reaperStop)

		r.mu.RLock()
		for _, job := range r.jobs {
			job.requestCancel()
		}
		r.mu.RUnlock()
	})
}

// run executes one job: pool per run, outcomes collected over a channel
// sized so terminal callbacks never block, drain barrier or cooperative
// cancellation, terminal status derived from the final snapshot.
func (r *Registry) run(job *Job, cfg worker.Config, priority int) {
	pool := worker.NewPool(cfg)

	// Each task delivers at most one terminal outcome, so this buffer
	// guarantees callbacks never block even for straggler workers.
	outcomes := make(chan queue.Outcome, len(job.releaseIDs))
	collectorDone := make(chan struct{})
	flush := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case outcome := <-outcomes:
				job.addOutcome(outcome)
			case <-flush:
				for {
					select {
					case outcome := <-outcomes:
						job.addOutcome(outcome)
					default:
						return
					}
				}
			}
		}
	}()

	for _, releaseID := range job.releaseIDs {
		pool.Submit(releaseID, priority, func(outcome queue.Outcome) {
			outcomes <- outcome
		}, map[string]string{"batch_id": job.id})
	}

	if err := pool.Start(r.fetcher, r.cache); err != nil {
		close(flush)
		<-collectorDone
		job.finish(pool.Stats(), false, fmt.Errorf("start pool: %w", err))
		return
	}
	job.markRunning()

	drained := make(chan struct{})
	go func() {
		pool.Stop(true)
		close(drained)
	}()

	cancelled := false
	select {
	case <-drained:
	case <-job.cancelCh:
		cancelled = true
		pool.Stop(false)
		<-drained
	}

	close(flush)
	<-collectorDone
	job.finish(pool.Stats(), cancelled, nil)

	stats := pool.Stats()
	r.logger.Info().
		Str("batch_id", job.id).
		Str("status", string(job.Status())).
		Int("completed", stats.Completed).
		Int("failed", stats.Failed).
		Int("cache_hits", stats.CacheHits).
		Dur("duration", stats.Duration()).
		Msg("Batch job finished")
}

func (r *Registry) evict(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
	r.logger.Debug().Str("batch_id", id).Msg("Evicted expired batch job")
}

// reaperLoop periodically evicts finished jobs past the retention window.
func (r *Registry) reaperLoop() {
	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.reaperStop:
			return
		case now := <-ticker.C:
			r.mu.Lock()
			for id, job := range r.jobs {
				if job.expired(r.config.Retention, now) {
					delete(r.jobs, id)
					r.logger.Debug().Str("batch_id", id).Msg("Reaped expired batch job")
				}
			}
			r.mu.Unlock()
		}
	}
}
