package progress

import (
	"context"
	"sync"
	"time"
)

// subscriberBuffer is the per-watcher channel capacity. Updates that do not
// fit are dropped; the watcher re-reads with Get after the channel closes.
const subscriberBuffer = 16

// MemoryStore is a process-local Store with push notifications.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Progress
	subs    map[string]map[chan Progress]struct{}
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Progress),
		subs:    make(map[string]map[chan Progress]struct{}),
		now:     time.Now,
	}
}

// Set records p, keeping the highest percent seen for the job.
func (s *MemoryStore) Set(_ context.Context, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.UpdatedAt = s.now()
	if prev, ok := s.entries[p.JobID]; ok {
		p = merge(prev, p)
	} else {
		p.Percent = clamp(p.Percent)
	}
	s.entries[p.JobID] = p

	for ch := range s.subs[p.JobID] {
		select {
		case ch <- p:
		default:
		}
		if p.State.Terminal() {
			close(ch)
			delete(s.subs[p.JobID], ch)
		}
	}
	if len(s.subs[p.JobID]) == 0 {
		delete(s.subs, p.JobID)
	}
	return nil
}

// Get returns the latest progress for jobID.
func (s *MemoryStore) Get(_ context.Context, jobID string) (Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.entries[jobID]
	if !ok {
		return Progress{}, ErrNotFound
	}
	return p, nil
}

// Sweep drops terminal entries older than cutoff.
func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.entries {
		if p.State.Terminal() && p.UpdatedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Subscribe streams updates for jobID. If the job is already terminal the
// returned channel is closed immediately.
func (s *MemoryStore) Subscribe(jobID string) (<-chan Progress, func()) {
	ch := make(chan Progress, subscriberBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.entries[jobID]; ok && p.State.Terminal() {
		close(ch)
		return ch, func() {}
	}

	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[chan Progress]struct{})
	}
	s.subs[jobID][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[jobID][ch]; ok {
				delete(s.subs[jobID], ch)
				close(ch)
				if len(s.subs[jobID]) == 0 {
					delete(s.subs, jobID)
				}
			}
		})
	}
	return ch, cancel
}

// Subscribers reports how many watchers are attached to jobID.
func (s *MemoryStore) Subscribers(jobID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[jobID])
}
