package job

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/fetchd/internal/errors"
	"github.com/NamanBalaji/fetchd/internal/progress"
	"github.com/NamanBalaji/fetchd/internal/status"
)

// Kind distinguishes what the job is downloading.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// ParseKind validates and normalizes a download kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindVideo:
		return KindVideo, nil
	case KindAudio:
		return KindAudio, nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrUnsupportedKind, s)
	}
}

// Job is one tracked download attempt. All fields are guarded by mu; callers
// outside this package only ever see Snapshot copies.
type Job struct {
	mu sync.RWMutex

	id     uuid.UUID
	url    string
	kind   Kind
	format string

	status       status.Status
	downloaded   int64
	totalSize    int64
	percentage   float64
	percentKnown bool
	speedBPS     int64

	filename     string
	path         string
	errorMessage string

	createdAt time.Time
	updatedAt time.Time
}

// Snapshot is a consistent, immutable view of a Job, also used as the wire
// representation. A missing progressPercent means indeterminate, not zero.
type Snapshot struct {
	ID              uuid.UUID     `json:"id"`
	URL             string        `json:"url"`
	Kind            Kind          `json:"kind"`
	Format          string        `json:"formatId,omitempty"`
	Status          status.Status `json:"state"`
	ProgressPercent *float64      `json:"progressPercent,omitempty"`
	BytesDownloaded int64         `json:"bytesDownloaded"`
	BytesTotal      int64         `json:"bytesTotal,omitempty"`
	SpeedBPS        int64         `json:"speedBytesPerSec,omitempty"`
	Filename        string        `json:"resultFilename,omitempty"`
	Path            string        `json:"resultPath,omitempty"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

func newJob(url string, kind Kind, format string) *Job {
	now := time.Now()

	return &Job{
		id:           uuid.New(),
		url:          url,
		kind:         kind,
		format:       format,
		status:       status.Pending,
		percentKnown: true,
		createdAt:    now,
		updatedAt:    now,
	}
}

// snapshotLocked builds a Snapshot. Caller must hold at least a read lock.
func (j *Job) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:              j.id,
		URL:             j.url,
		Kind:            j.kind,
		Format:          j.format,
		Status:          j.status,
		BytesDownloaded: j.downloaded,
		BytesTotal:      j.totalSize,
		SpeedBPS:        j.speedBPS,
		Filename:        j.filename,
		Path:            j.path,
		ErrorMessage:    j.errorMessage,
		CreatedAt:       j.createdAt,
		UpdatedAt:       j.updatedAt,
	}

	if j.percentKnown {
		pct := j.percentage
		s.ProgressPercent = &pct
	}

	return s
}

// Snapshot returns a consistent view of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.snapshotLocked()
}

// Update carries a partial mutation of a job. Nil fields are left untouched.
// Progress fields may only be authored by the runner bound to the job.
type Update struct {
	Status       *status.Status
	Progress     *progress.Progress
	Filename     *string
	Path         *string
	ErrorMessage *string
}

// StatusUpdate is a convenience constructor for a status-only update.
func StatusUpdate(s status.Status) Update {
	return Update{Status: &s}
}

// ProgressUpdate is a convenience constructor for a progress-only update.
func ProgressUpdate(p progress.Progress) Update {
	return Update{Progress: &p}
}

// FailureUpdate marks a job failed with a message.
func FailureUpdate(msg string) Update {
	s := status.Failed
	return Update{Status: &s, ErrorMessage: &msg}
}

// CompletionUpdate marks a job completed with its result location.
func CompletionUpdate(filename, path string) Update {
	s := status.Completed
	return Update{Status: &s, Filename: &filename, Path: &path}
}
