package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/timmy/ringforge/internal/domain"
)

// entry guards one record. All mutation of rec happens under mu; done is
// closed exactly once, when rec turns terminal.
type entry struct {
	mu   sync.Mutex
	rec  domain.JobRecord
	done chan struct{}
}

func newEntry(rec domain.JobRecord) *entry {
	return &entry{rec: rec, done: make(chan struct{})}
}

func (e *entry) view() domain.JobRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}

// start moves a queued record to running. Only one caller ever wins.
func (e *entry) start(now time.Time) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status != domain.JobStatusQueued {
		return nil, false
	}
	e.rec.Status = domain.JobStatusRunning
	e.rec.StartedAt = &now
	e.rec.Progress = max(e.rec.Progress, 5)
	e.rec.Detail = "Starting..."
	return e.rec.Input, true
}

// finish records the outcome of a running job. A partial result is kept on
// failure.
func (e *entry) finish(result any, err error, now time.Time) domain.JobRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status != domain.JobStatusRunning {
		return e.rec.Clone()
	}
	e.rec.Result = result
	e.rec.FinishedAt = &now
	if err != nil {
		e.rec.Status = domain.JobStatusFailed
		e.rec.Error = domain.NewJobError(err)
		e.rec.Detail = err.Error()
	} else {
		e.rec.Status = domain.JobStatusSucceeded
		e.rec.Progress = 100
		e.rec.Detail = "Completed"
	}
	close(e.done)
	return e.rec.Clone()
}

// cancel flips a queued record to cancelled. The returned bool says whether
// this call performed the transition.
func (e *entry) cancel(now time.Time) (domain.JobRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status != domain.JobStatusQueued {
		return e.rec.Clone(), false
	}
	e.rec.Status = domain.JobStatusCancelled
	e.rec.FinishedAt = &now
	e.rec.Detail = "Cancelled"
	close(e.done)
	return e.rec.Clone(), true
}

func (e *entry) finishedAt() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.Status.IsTerminal() || e.rec.FinishedAt == nil {
		return time.Time{}, false
	}
	return *e.rec.FinishedAt, true
}

// Store is the keyed registry of job records owned by one Manager.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewStore creates an empty registry.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) add(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.rec.ID]; ok {
		return false
	}
	s.entries[e.rec.ID] = e
	return true
}

func (s *Store) get(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

func (s *Store) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep deletes terminal records finished more than ttl ago, then evicts the
// oldest-finished terminal records until at most maxRecords remain.
// Records that are queued or running are never touched.
func (s *Store) Sweep(now time.Time, ttl time.Duration, maxRecords int) int {
	type finished struct {
		id string
		at time.Time
	}

	var keep []finished
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		at, ok := e.finishedAt()
		if !ok {
			continue
		}
		if now.Sub(at) > ttl {
			delete(s.entries, id)
			removed++
			continue
		}
		keep = append(keep, finished{id: id, at: at})
	}

	over := len(s.entries) - maxRecords
	if over > 0 && len(keep) > 0 {
		sort.Slice(keep, func(i, j int) bool { return keep[i].at.Before(keep[j].at) })
		for i := 0; i < over && i < len(keep); i++ {
			delete(s.entries, keep[i].id)
			removed++
		}
	}
	return removed
}
