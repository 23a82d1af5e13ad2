package repository

import "github.com/NamanBalaji/fetchd/internal/job"

// Repository persists terminal job snapshots evicted from the in-memory store
// so their final state stays queryable after the retention sweep.
type Repository interface {
	Save(snapshot job.Snapshot) error
	Find(id string) (job.Snapshot, error)
	FindAll() ([]job.Snapshot, error)
	Delete(id string) error
}
