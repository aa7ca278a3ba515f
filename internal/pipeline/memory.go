package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker for one-shot commands and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), clock: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return nil, ErrInFlight
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	expires := now.Add(ttl)
	l.held[key] = expires

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == expires {
				delete(l.held, key)
			}
		})
	}, nil
}

// MemoryJobs keeps the latest state of every job it is handed.
type MemoryJobs struct {
	mu      sync.RWMutex
	jobs    map[string]Job
	history map[string][]JobState
}

func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: make(map[string]Job), history: make(map[string][]JobState)}
}

func (m *MemoryJobs) RecordJob(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID()] = job
	m.history[job.ID()] = append(m.history[job.ID()], job.State)
	return nil
}

// Job returns the latest recorded state for stage and key.
func (m *MemoryJobs) Job(stage Stage, key string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[JobID(stage, key)]
	return job, ok
}

// History lists every state recorded for stage and key, oldest first.
func (m *MemoryJobs) History(stage Stage, key string) []JobState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]JobState(nil), m.history[JobID(stage, key)]...)
}

// Jobs returns the latest state of every job ordered by id.
func (m *MemoryJobs) Jobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
