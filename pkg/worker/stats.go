package worker

import (
	"sync"
	"time"
)

// Statistics tracks aggregate progress of one pool run. All mutations are
// serialized by its own lock, independent of the rate limiter's lock, so the
// two never form a lock-ordering dependency.
type Statistics struct {
	mu          sync.Mutex
	totalTasks  int
	completed   int
	failed      int
	cacheHits   int
	remoteCalls int
	retries     int
	startTime   time.Time
	endTime     time.Time
}

// Snapshot is a consistent copy of pool statistics. While the pool is
// draining, Completed+Failed <= TotalTasks; after a wait=true stop the two
// sides are equal.
type Snapshot struct {
	TotalTasks  int       `json:"total_tasks"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	CacheHits   int       `json:"cache_hits"`
	RemoteCalls int       `json:"remote_calls"`
	Retries     int       `json:"retries"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// Duration returns the elapsed run time, zero until the pool has started.
func (s Snapshot) Duration() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartTime)
}

// TasksPerSecond returns the completion rate over the run duration.
func (s Snapshot) TasksPerSecond() float64 {
	seconds := s.Duration().Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(s.Completed) / seconds
}

// Snapshot returns a consistent copy of the current counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		TotalTasks:  s.totalTasks,
		Completed:   s.completed,
		Failed:      s.failed,
		CacheHits:   s.cacheHits,
		RemoteCalls: s.remoteCalls,
		Retries:     s.retries,
		StartTime:   s.startTime,
		EndTime:     s.endTime,
	}
}

func (s *Statistics) recordSubmit() {
	s.mu.Lock()
	s.totalTasks++
	s.mu.Unlock()
}

func (s *Statistics) recordCompleted() {
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
	tasksCompletedTotal.Inc()
}

func (s *Statistics) recordFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
	tasksFailedTotal.Inc()
}

func (s *Statistics) recordCacheHit() {
	s.mu.Lock()
	s.cacheHits++
	s.mu.Unlock()
}

func (s *Statistics) recordRemoteCall() {
	s.mu.Lock()
	s.remoteCalls++
	s.mu.Unlock()
}

func (s *Statistics) recordRetry() {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
	taskRetriesTotal.Inc()
}

func (s *Statistics) markStarted() {
	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()
}

func (s *Statistics) markStopped() {
	s.mu.Lock()
	s.endTime = time.Now()
	s.mu.Unlock()
}
