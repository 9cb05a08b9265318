package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crateful/discogs-batch-client/pkg/cache"
	"github.com/crateful/discogs-batch-client/pkg/fetch"
	"github.com/crateful/discogs-batch-client/pkg/queue"
	"github.com/crateful/discogs-batch-client/pkg/record"
)

// fakeFetcher scripts per-attempt responses and records call order.
type fakeFetcher struct {
	mu       sync.Mutex
	attempts map[int64]int
	order    []int64
	respond  func(releaseID int64, attempt int) (*record.Record, error)
	delay    time.Duration
}

func newFakeFetcher(respond func(releaseID int64, attempt int) (*record.Record, error)) *fakeFetcher {
	return &fakeFetcher{
		attempts: make(map[int64]int),
		respond:  respond,
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, releaseID int64) (*record.Record, error) {
	f.mu.Lock()
	f.attempts[releaseID]++
	attempt := f.attempts[releaseID]
	f.order = append(f.order, releaseID)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &fetch.Error{Kind: fetch.KindTransient, ReleaseID: releaseID, Err: ctx.Err()}
		case <-time.After(f.delay):
		}
	}

	return f.respond(releaseID, attempt)
}

func (f *fakeFetcher) calls(releaseID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[releaseID]
}

func (f *fakeFetcher) fetchOrder() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.order...)
}

// fakeCache is an in-memory CacheGateway with injectable failures.
type fakeCache struct {
	mu      sync.Mutex
	records map[int64]*record.Record
	getErr  error
	putErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{records: make(map[int64]*record.Record)}
}

func (c *fakeCache) Get(ctx context.Context, releaseID int64) (*record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.getErr != nil {
		return nil, c.getErr
	}
	if rec, ok := c.records[releaseID]; ok {
		return rec, nil
	}
	return nil, cache.ErrCacheMiss
}

func (c *fakeCache) Put(ctx context.Context, releaseID int64, rec *record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.putErr != nil {
		return c.putErr
	}
	c.records[releaseID] = rec
	return nil
}

// outcomeCollector gathers terminal callbacks.
type outcomeCollector struct {
	mu       sync.Mutex
	outcomes []queue.Outcome
}

func (o *outcomeCollector) callback(outcome queue.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *outcomeCollector) counts() (successes, failures int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, outcome := range o.outcomes {
		if outcome.Err == nil {
			successes++
		} else {
			failures++
		}
	}
	return
}

func okRecord(releaseID int64, attempt int) (*record.Record, error) {
	return &record.Record{Title: "Release", Artists: "Artist"}, nil
}

// fastConfig keeps tests quick: generous bucket, short backoff and polls.
func fastConfig(numWorkers int) Config {
	return Config{
		NumWorkers:        numWorkers,
		RateLimitCapacity: 1000,
		RateLimitRefill:   1000,
		MaxRetries:        2,
		RetryDelay:        10 * time.Millisecond,
		PollTimeout:       100 * time.Millisecond,
		JoinTimeout:       time.Second,
	}
}

func TestPool_CacheHitShortCircuit(t *testing.T) {
	fetcher := newFakeFetcher(okRecord)
	store := newFakeCache()
	store.records[42] = &record.Record{Title: "Cached"}

	pool := NewPool(fastConfig(1))
	collector := &outcomeCollector{}
	pool.Submit(42, 5, collector.callback, nil)

	if err := pool.Start(fetcher, store); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop(true)

	if calls := fetcher.calls(42); calls != 0 {
		t.Errorf("fetcher called %d times for a cached release, want 0", calls)
	}

	stats := pool.Stats()
	if stats.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", stats.CacheHits)
	}
	if stats.RemoteCalls != 0 {
		t.Errorf("RemoteCalls = %d, want 0 (limiter must not be consumed)", stats.RemoteCalls)
	}
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}

	successes, failures := collector.counts()
	if successes != 1 || failures != 0 {
		t.Errorf("callbacks = %d successes / %d failures, want 1/0", successes, failures)
	}
}

func TestPool_PriorityOrdering_SingleWorker(t *testing.T) {
	fetcher := newFakeFetcher(okRecord)
	pool := NewPool(fastConfig(1))

	// Submitted before any worker starts: {p=1,A}, {p=5,B}, {p=1,C}.
	pool.Submit(1, 1, nil, nil) // A
	pool.Submit(2, 5, nil, nil) // B
	pool.Submit(3, 1, nil, nil) // C

	if err := pool.Start(fetcher, newFakeCache()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop(true)

	order := fetcher.fetchOrder()
	if len(order) != 3 {
		t.Fatalf("fetched %d releases, want 3", len(order))
	}
	if order[2] != 2 {
		t.Errorf("fetch order = %v, the p=5 task must be processed last", order)
	}
}

func TestPool_RetryThenSuccess(t *testing.T) {
	fetcher := newFakeFetcher(func(releaseID int64, attempt int) (*record.Record, error) {
		if attempt <= 2 {
			return nil, &fetch.Error{Kind: fetch.KindRateLimited, StatusCode: 429, ReleaseID: releaseID}
		}
		return &record.Record{Title: "Third Time Lucky"}, nil
	})

	cfg := fastConfig(1)
	cfg.MaxRetries = 3
	pool := NewPool(cfg)

	collector := &outcomeCollector{}
	pool.Submit(7, 5, collector.callback, nil)

	if err := pool.Start(fetcher, newFakeCache()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop(true)

	stats := pool.Stats()
	if stats.Retries != 2 {
		t.Errorf("Retries = %d, want 2", stats.Retries)
	}
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
	if stats.Failed != 0 {
		t.Errorf("Failed = %d, want 0", stats.Failed)
	}

	successes, failures := collector.counts()
	if successes != 1 || failures != 0 {
		t.Errorf("callbacks = %d successes / %d failures, want exactly 1/0", successes, failures)
	}
}

func TestPool_RetryExhaustion(t *testing.T) {
	fetcher := newFakeFetcher(func(releaseID int64, attempt int) (*record.Record, error) {
		return nil, &fetch.Error{Kind: fetch.KindRateLimited, StatusCode: 429, ReleaseID: releaseID}
	})

	cfg := fastConfig(1)
	cfg.MaxRetries = 2
	pool := NewPool(cfg)

	collector := &outcomeCollector{}
	pool.Submit(7, 5, collector.callback, nil)

	if err := pool.Start(fetcher, newFakeCache()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop(true)

	stats := pool.Stats()
	if stats.Retries != 2 {
		t.Errorf("Retries = %d, want 2", stats.Retries)
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.Completed != 0 {
		t.Errorf("Completed = %d, want 0", stats.Completed)
	}

	successes, failures := collector.counts()
	if successes != 0 || failures != 1 {
		t.Errorf("callbacks = %d successes / %d failures, want exactly 0/1", successes, failures)
	}
}

func TestPool_PermanentErrorNotRetried(t *testing.T) {
	fetcher := newFakeFetcher(func(releaseID int64, attempt int) (*record.Record, error) {
		return nil, &fetch.Error{Kind: fetch.KindPermanent, StatusCode: 404, ReleaseID: releaseID}
	})

	pool := NewPool(fastConfig(1))
	collector := &outcomeCollector{}
	pool.Submit(404, 5, collector.callback, nil)

	if err := pool.Start(fetcher, newFakeCache()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop(true)

	if calls := fetcher.calls(404); calls != 1 {
		t.Errorf("fetcher called %d times for a permanent error, want 1", calls)
	}

	stats := pool.Stats()
	if stats.Retries != 0 {
		t.Errorf("Retries = %d, want 0", stats.Retries)
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
}

func TestPool_DrainCompleteness(t *testing.T) {
	fetcher := newFakeFetcher(okRecord)
	store := newFakeCache()
	pool := NewPool(fastConfig(3))

	collector := &outcomeCollector{}
	ids := []int64{1, 2, 3}
	for _, id := range ids {
		pool.Submit(id, 5, collector.callback, nil)
	}

	if err := pool.Start(fetcher, store); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop(true)

	stats := pool.Stats()
	if stats.Completed+stats.Failed != len(ids) {
		t.Errorf("Completed+Failed = %d, want %d", stats.Completed+stats.Failed, len(ids))
	}
	if pool.QueueLen() != 0 {
		t.Errorf("queue length = %d after drain, want 0", pool.QueueLen())
	}

	// Successful fetches were written back to the cache.
	for _, id := range ids {
		if _, err := store.Get(context.Background(), id); err != nil {
			t.Errorf("release %d missing from cache after batch: %v", id, err)
		}
	}
}

func TestPool_CacheErrorTreatedAsMiss(t *testing.T) {
	fetcher := newFakeFetcher(okRecord)
	store := newFakeCache()
	store.getErr = errors.New("redis connection refused")

	pool := NewPool(fastConfig(1))
	collector := &outcomeCollector{}
	pool.Submit(9, 5, collector.callback, nil)

	if err := pool.Start(fetcher, store); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop(true)

	if calls := fetcher.calls(9); calls != 1 {
		t.Errorf("fetcher called %d times, want 1 (cache error falls through to fetch)", calls)
	}

	stats := pool.Stats()
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("Completed/Failed = %d/%d, want 1/0", stats.Completed, stats.Failed)
	}
}

func TestPool_CacheWriteFailureIsNonFatal(t *testing.T) {
	fetcher := newFakeFetcher(okRecord)
	store := newFakeCache()
	store.putErr = errors.New("redis write failed")

	pool := NewPool(fastConfig(1))
	collector := &outcomeCollector{}
	pool.Submit(9, 5, collector.callback, nil)

	if err := pool.Start(fetcher, store); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop(true)

	stats := pool.Stats()
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1 despite cache write failure", stats.Completed)
	}

	successes, _ := collector.counts()
	if successes != 1 {
		t.Errorf("success callbacks = %d, want 1", successes)
	}
}

func TestPool_CallbackPanicDoesNotKillWorker(t *testing.T) {
	fetcher := newFakeFetcher(okRecord)
	pool := NewPool(fastConfig(1))

	var processedSecond bool
	var mu sync.Mutex

	pool.Submit(1, 1, func(queue.Outcome) {
		panic("callback exploded")
	}, nil)
	pool.Submit(2, 5, func(queue.Outcome) {
		mu.Lock()
		processedSecond = true
		mu.Unlock()
	}, nil)

	if err := pool.Start(fetcher, newFakeCache()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop(true)

	mu.Lock()
	defer mu.Unlock()
	if !processedSecond {
		t.Error("worker should survive a panicking callback and process the next task")
	}
}

func TestPool_BoundedCancellation(t *testing.T) {
	fetcher := newFakeFetcher(okRecord)
	fetcher.delay = 2 * time.Second

	cfg := fastConfig(2)
	cfg.PollTimeout = 200 * time.Millisecond
	cfg.JoinTimeout = time.Second
	pool := NewPool(cfg)

	collector := &outcomeCollector{}
	for id := int64(1); id <= 100; id++ {
		pool.Submit(id, 5, collector.callback, nil)
	}

	if err := pool.Start(fetcher, newFakeCache()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let workers get stuck in slow fetches, then abort.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	pool.Stop(false)
	elapsed := time.Since(start)

	// Bound: poll interval + join timeout, with headroom.
	if elapsed > cfg.PollTimeout+cfg.JoinTimeout+time.Second {
		t.Errorf("Stop(false) took %v, want bounded cancellation", elapsed)
	}

	if pool.QueueLen() == 0 {
		t.Error("cancellation should leave unprocessed tasks in the queue")
	}

	successes, failures := collector.counts()
	if successes+failures >= 100 {
		t.Errorf("callbacks fired for %d tasks, abandoned tasks must stay uncalled", successes+failures)
	}

	// Statistics stay internally consistent even with abandoned tasks.
	stats := pool.Stats()
	if stats.Completed+stats.Failed > stats.TotalTasks {
		t.Errorf("Completed+Failed = %d exceeds TotalTasks = %d",
			stats.Completed+stats.Failed, stats.TotalTasks)
	}
}

func TestPool_StartValidation(t *testing.T) {
	pool := NewPool(fastConfig(1))

	if err := pool.Start(nil, newFakeCache()); err == nil {
		t.Error("Start should reject a nil fetcher")
	}
	if err := pool.Start(newFakeFetcher(okRecord), nil); err == nil {
		t.Error("Start should reject a nil cache")
	}
}

func TestPool_StartIdempotent(t *testing.T) {
	fetcher := newFakeFetcher(okRecord)
	pool := NewPool(fastConfig(2))

	if err := pool.Start(fetcher, newFakeCache()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Second Start on a running pool is a no-op, not an error.
	if err := pool.Start(fetcher, newFakeCache()); err != nil {
		t.Errorf("second Start returned %v, want nil no-op", err)
	}

	pool.Submit(1, 5, nil, nil)
	pool.Stop(true)

	stats := pool.Stats()
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
}

func TestPool_StopWithoutStart(t *testing.T) {
	pool := NewPool(fastConfig(1))
	pool.Stop(true) // must not block or panic
	pool.Stop(false)
}
