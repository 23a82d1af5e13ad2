package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/fetchd/internal/logger"
	"github.com/NamanBalaji/fetchd/internal/status"
)

// ErrNotFound is returned when a job is not in the store. Lookups of unknown
// IDs are a normal outcome, e.g. a late progress event arriving after sweep.
var ErrNotFound = errors.New("job not found")

// Publisher receives a snapshot after every accepted mutation.
type Publisher func(Snapshot)

// Archiver persists terminal jobs evicted by the retention sweep.
type Archiver interface {
	Save(Snapshot) error
}

// Store is the single source of truth for job state. It is safe for
// concurrent use; mutations are atomic per job ID.
type Store struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*Job

	retention time.Duration
	publish   Publisher
	archive   Archiver
}

// NewStore creates a store. publish and archive may be nil.
func NewStore(retention time.Duration, publish Publisher, archive Archiver) *Store {
	if retention <= 0 {
		retention = 60 * time.Second
	}

	return &Store{
		jobs:      make(map[uuid.UUID]*Job),
		retention: retention,
		publish:   publish,
		archive:   archive,
	}
}

// Create allocates a new pending job. It never fails.
func (s *Store) Create(url string, kind Kind, format string) Snapshot {
	j := newJob(url, kind, format)

	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	snap := j.Snapshot()
	s.notify(snap)

	return snap
}

// Get returns a consistent snapshot of the job.
func (s *Store) Get(id uuid.UUID) (Snapshot, error) {
	j, ok := s.lookup(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	return j.Snapshot(), nil
}

// List returns snapshots of every tracked job.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.Snapshot())
	}

	return snaps
}

// Apply merges a partial update into the job. Updates that arrive after a
// terminal state, and illegal state transitions, are silently dropped: late
// or duplicate events from a runner are expected and must not surface as
// errors. ErrNotFound is returned only for unknown IDs.
func (s *Store) Apply(id uuid.UUID, u Update) error {
	j, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}

	j.mu.Lock()

	if j.status.IsTerminal() {
		j.mu.Unlock()
		logger.Debugf("dropping update for terminal job %s", id)

		return nil
	}

	if u.Status != nil && !j.status.CanTransition(*u.Status) {
		j.mu.Unlock()
		logger.Debugf("dropping illegal transition %s -> %s for job %s", j.status, *u.Status, id)

		return nil
	}

	if u.Progress != nil {
		p := *u.Progress

		// Regressive or out-of-order reports are clamped, never applied.
		if p.Downloaded > j.downloaded {
			j.downloaded = p.Downloaded
		}

		if p.TotalSize > 0 {
			j.totalSize = p.TotalSize
		}

		j.speedBPS = p.SpeedBPS

		if p.PercentKnown {
			if !j.percentKnown || p.Percentage > j.percentage {
				j.percentage = p.Percentage
			}
			j.percentKnown = true
		} else if j.downloaded > 0 && j.totalSize == 0 {
			j.percentKnown = false
		}
	}

	if u.Filename != nil {
		j.filename = *u.Filename
	}

	if u.Path != nil {
		j.path = *u.Path
	}

	if u.ErrorMessage != nil {
		j.errorMessage = *u.ErrorMessage
	}

	if u.Status != nil {
		j.status = *u.Status

		// Observers always see a clean finish regardless of the last
		// reported percentage.
		if j.status == status.Completed {
			j.percentage = 100
			j.percentKnown = true
			j.speedBPS = 0
			if j.totalSize == 0 {
				j.totalSize = j.downloaded
			}
		}
	}

	j.updatedAt = time.Now()
	snap := j.snapshotLocked()
	j.mu.Unlock()

	s.notify(snap)

	return nil
}

// Cancel marks the job cancelled. Cancelling an already-terminal job is a
// no-op reported as success.
func (s *Store) Cancel(id uuid.UUID) (Snapshot, error) {
	j, ok := s.lookup(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	j.mu.Lock()

	if j.status.IsTerminal() {
		snap := j.snapshotLocked()
		j.mu.Unlock()

		return snap, nil
	}

	j.status = status.Cancelled
	j.updatedAt = time.Now()
	snap := j.snapshotLocked()
	j.mu.Unlock()

	s.notify(snap)

	return snap, nil
}

// Delete removes the job immediately.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}

	delete(s.jobs, id)

	return nil
}

// Sweep removes terminal jobs whose last update is older than maxAge,
// archiving them first when an archiver is configured. It returns the number
// of jobs removed.
func (s *Store) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	var expired []Snapshot

	s.mu.Lock()
	for id, j := range s.jobs {
		snap := j.Snapshot()
		if snap.Status.IsTerminal() && snap.UpdatedAt.Before(cutoff) {
			expired = append(expired, snap)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	for _, snap := range expired {
		if s.archive != nil {
			if err := s.archive.Save(snap); err != nil {
				logger.Errorf("failed to archive job %s: %v", snap.ID, err)
			}
		}
	}

	if len(expired) > 0 {
		logger.Debugf("swept %d terminal job(s)", len(expired))
	}

	return len(expired)
}

// Run sweeps expired jobs on a ticker until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(s.retention)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) lookup(id uuid.UUID) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]

	return j, ok
}

func (s *Store) notify(snap Snapshot) {
	if s.publish != nil {
		s.publish(snap)
	}
}
