package batch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crateful/discogs-batch-client/pkg/logging"
	"github.com/crateful/discogs-batch-client/pkg/queue"
	"github.com/crateful/discogs-batch-client/pkg/worker"
)

// Processor runs batches synchronously for library callers: submit all,
// block until drained, return the final statistics. Each Process call uses
// a fresh pool, so a Processor is safe for concurrent use.
type Processor struct {
	fetcher worker.Fetcher
	cache   worker.Cache
	config  worker.Config
	logger  zerolog.Logger
}

// NewProcessor creates a processor over the given fetcher and cache.
func NewProcessor(fetcher worker.Fetcher, cache worker.Cache, cfg worker.Config) *Processor {
	if fetcher == nil {
		panic("fetcher cannot be nil")
	}
	if cache == nil {
		panic("cache cannot be nil")
	}
	return &Processor{
		fetcher: fetcher,
		cache:   cache,
		config:  cfg,
		logger:  logging.NewLogger("batch-processor"),
	}
}

// Process fetches every release in releaseIDs, invoking callback once per
// terminal outcome, and blocks until the batch drains. Cancelling ctx
// abandons outstanding tasks and returns ctx's error alongside the partial
// statistics. An empty ID list completes immediately.
func (p *Processor) Process(ctx context.Context, releaseIDs []int64, priority int, callback queue.Callback) (worker.Snapshot, error) {
	if len(releaseIDs) == 0 {
		return worker.Snapshot{}, nil
	}

	pool := worker.NewPool(p.config)
	for _, releaseID := range releaseIDs {
		pool.Submit(releaseID, priority, callback, nil)
	}

	if err := pool.Start(p.fetcher, p.cache); err != nil {
		return worker.Snapshot{}, err
	}

	p.logger.Info().Int("releases", len(releaseIDs)).Msg("Batch started")

	drained := make(chan struct{})
	go func() {
		pool.Stop(true)
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		pool.Stop(false)
		<-drained
		return pool.Stats(), ctx.Err()
	}

	stats := pool.Stats()
	p.logger.Info().
		Int("completed", stats.Completed).
		Int("failed", stats.Failed).
		Int("cache_hits", stats.CacheHits).
		Int("retries", stats.Retries).
		Dur("duration", stats.Duration()).
		Msg("Batch finished")

	return stats, nil
}
