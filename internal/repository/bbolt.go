package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/NamanBalaji/fetchd/internal/job"
)

const (
	jobsBucket     = "jobs"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

// ErrJobNotFound is returned when a job cannot be found in the archive.
var ErrJobNotFound = errors.New("job not found in archive")

// BboltRepository implements Repository on top of a bbolt database.
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository opens or creates a bbolt-backed archive at dbPath.
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{
		db: db,
	}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema.
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(jobsBucket))
		if err != nil {
			return fmt.Errorf("failed to create jobs bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		if err := meta.Put([]byte("schema_version"), versionBytes); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save persists a job snapshot.
func (r *BboltRepository) Save(snapshot job.Snapshot) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		data, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		if err := bucket.Put([]byte(snapshot.ID.String()), data); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}

		return nil
	})
}

// Find retrieves an archived job by ID.
func (r *BboltRepository) Find(id string) (job.Snapshot, error) {
	if id == "" {
		return job.Snapshot{}, errors.New("job ID cannot be empty")
	}

	var snapshot job.Snapshot

	// Bytes returned by Get are only valid inside the transaction.
	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}

		if err := json.Unmarshal(data, &snapshot); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}

		return nil
	})
	if err != nil {
		return job.Snapshot{}, err
	}

	return snapshot, nil
}

// FindAll retrieves every archived job.
func (r *BboltRepository) FindAll() ([]job.Snapshot, error) {
	var snapshots []job.Snapshot

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			var snapshot job.Snapshot
			if err := json.Unmarshal(v, &snapshot); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}

			snapshots = append(snapshots, snapshot)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return snapshots, nil
}

// Delete removes an archived job.
func (r *BboltRepository) Delete(id string) error {
	if id == "" {
		return errors.New("job ID cannot be empty")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		if bucket.Get([]byte(id)) == nil {
			return ErrJobNotFound
		}

		return bucket.Delete([]byte(id))
	})
}

// Close closes the database.
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
