package job

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/fetchd/internal/errors"
	"github.com/NamanBalaji/fetchd/internal/progress"
	"github.com/NamanBalaji/fetchd/internal/status"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{"video", KindVideo, false},
		{"AUDIO", KindAudio, false},
		{" video ", KindVideo, false},
		{"podcast", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseKind(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}

			if tt.wantErr && !errors.Is(err, errors.ErrUnsupportedKind) {
				t.Fatalf("ParseKind(%q) error = %v, want ErrUnsupportedKind", tt.input, err)
			}

			if got != tt.want {
				t.Fatalf("ParseKind(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	s := NewStore(time.Minute, nil, nil)

	snap := s.Create("https://www.youtube.com/watch?v=abc", KindVideo, "137")
	if snap.Status != status.Pending {
		t.Fatalf("new job status = %s, want pending", snap.Status)
	}

	if snap.ProgressPercent == nil || *snap.ProgressPercent != 0 {
		t.Fatalf("new job progress = %v, want 0", snap.ProgressPercent)
	}

	got, err := s.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got.URL != snap.URL || got.Kind != snap.Kind || got.Format != snap.Format {
		t.Fatalf("Get returned different job: %+v vs %+v", got, snap)
	}

	if _, err := s.Get(uuid.New()); err != ErrNotFound {
		t.Fatalf("Get unknown id error = %v, want ErrNotFound", err)
	}
}

// A 10MB source reports staged progress and completes.
func TestStagedCompletion(t *testing.T) {
	t.Parallel()

	s := NewStore(time.Minute, nil, nil)
	snap := s.Create("https://www.youtube.com/watch?v=abc", KindVideo, "137")

	if err := s.Apply(snap.ID, StatusUpdate(status.Running)); err != nil {
		t.Fatalf("Apply running: %v", err)
	}

	const total = int64(10_000_000)
	for _, downloaded := range []int64{0, 2_500_000, 5_000_000, 10_000_000} {
		u := ProgressUpdate(progress.FromBytes(downloaded, total, 1_000_000))
		if err := s.Apply(snap.ID, u); err != nil {
			t.Fatalf("Apply progress %d: %v", downloaded, err)
		}
	}

	if err := s.Apply(snap.ID, CompletionUpdate("video.mp4", "/downloads/video.mp4")); err != nil {
		t.Fatalf("Apply completion: %v", err)
	}

	got, err := s.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got.Status != status.Completed {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	if got.ProgressPercent == nil || *got.ProgressPercent != 100 {
		t.Fatalf("progress = %v, want 100", got.ProgressPercent)
	}

	if got.Filename != "video.mp4" || got.Path != "/downloads/video.mp4" {
		t.Fatalf("result = (%q, %q), want (video.mp4, /downloads/video.mp4)", got.Filename, got.Path)
	}
}

func TestMonotonicProgress(t *testing.T) {
	t.Parallel()

	s := NewStore(time.Minute, nil, nil)
	snap := s.Create("https://www.youtube.com/watch?v=abc", KindVideo, "")

	if err := s.Apply(snap.ID, StatusUpdate(status.Running)); err != nil {
		t.Fatalf("Apply running: %v", err)
	}

	if err := s.Apply(snap.ID, ProgressUpdate(progress.FromBytes(500, 1000, 0))); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// A regressive report must be clamped, not applied.
	if err := s.Apply(snap.ID, ProgressUpdate(progress.FromBytes(200, 1000, 0))); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := s.Get(snap.ID)
	if got.BytesDownloaded != 500 {
		t.Fatalf("bytes = %d, want 500", got.BytesDownloaded)
	}

	if got.ProgressPercent == nil || *got.ProgressPercent != 50 {
		t.Fatalf("progress = %v, want 50", got.ProgressPercent)
	}
}

func TestIndeterminateProgress(t *testing.T) {
	t.Parallel()

	s := NewStore(time.Minute, nil, nil)
	snap := s.Create("https://example.com/stream", KindAudio, "")

	if err := s.Apply(snap.ID, StatusUpdate(status.Running)); err != nil {
		t.Fatalf("Apply running: %v", err)
	}

	// Unknown total size: only byte counts, no percentage.
	if err := s.Apply(snap.ID, ProgressUpdate(progress.FromBytes(4096, 0, 0))); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := s.Get(snap.ID)
	if got.ProgressPercent != nil {
		t.Fatalf("progress = %v, want indeterminate", *got.ProgressPercent)
	}

	if got.BytesDownloaded != 4096 {
		t.Fatalf("bytes = %d, want 4096", got.BytesDownloaded)
	}
}

// Cancel lands before any progress; a racing runner update must be dropped.
func TestCancelBeforeStartDropsLateUpdates(t *testing.T) {
	t.Parallel()

	s := NewStore(time.Minute, nil, nil)
	snap := s.Create("https://www.youtube.com/watch?v=abc", KindVideo, "")

	cancelled, err := s.Cancel(snap.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if cancelled.Status != status.Cancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	// Simulated in-flight runner updates racing with the cancellation.
	if err := s.Apply(snap.ID, StatusUpdate(status.Running)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := s.Apply(snap.ID, ProgressUpdate(progress.FromBytes(100, 1000, 0))); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := s.Get(snap.ID)
	if got.Status != status.Cancelled {
		t.Fatalf("status = %s, want cancelled after late updates", got.Status)
	}

	if got.BytesDownloaded != 0 {
		t.Fatalf("bytes = %d, late update should have been dropped", got.BytesDownloaded)
	}
}

func TestIdempotentCancel(t *testing.T) {
	t.Parallel()

	s := NewStore(time.Minute, nil, nil)
	snap := s.Create("https://www.youtube.com/watch?v=abc", KindVideo, "")

	first, err := s.Cancel(snap.ID)
	if err != nil {
		t.Fatalf("first Cancel: %v", err)
	}

	second, err := s.Cancel(snap.ID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	if first.Status != second.Status || first.UpdatedAt != second.UpdatedAt {
		t.Fatalf("second cancel changed observable state: %+v vs %+v", first, second)
	}
}

// A runner spawn failure before any progress.
func TestImmediateFailure(t *testing.T) {
	t.Parallel()

	s := NewStore(time.Minute, nil, nil)
	snap := s.Create("https://www.youtube.com/watch?v=abc", KindVideo, "")

	if err := s.Apply(snap.ID, FailureUpdate("yt-dlp binary not found")); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := s.Get(snap.ID)
	if got.Status != status.Failed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	if got.ErrorMessage == "" {
		t.Fatal("failed job must carry an error message")
	}

	if got.ProgressPercent == nil || *got.ProgressPercent != 0 {
		t.Fatalf("progress = %v, want 0 with no regression artifacts", got.ProgressPercent)
	}
}

func TestSingleTerminalTransition(t *testing.T) {
	t.Parallel()

	s := NewStore(time.Minute, nil, nil)
	snap := s.Create("https://www.youtube.com/watch?v=abc", KindVideo, "")

	if err := s.Apply(snap.ID, StatusUpdate(status.Running)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := s.Apply(snap.ID, CompletionUpdate("a.mp4", "/downloads/a.mp4")); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	before, _ := s.Get(snap.ID)

	// Every post-terminal update must be a no-op.
	for _, u := range []Update{
		FailureUpdate("late failure"),
		StatusUpdate(status.Running),
		ProgressUpdate(progress.FromBytes(1, 2, 3)),
	} {
		if err := s.Apply(snap.ID, u); err != nil {
			t.Fatalf("Apply after terminal: %v", err)
		}
	}

	after, _ := s.Get(snap.ID)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("job mutated after terminal state:\nbefore %+v\nafter  %+v", before, after)
	}
}

// 100 concurrent creates yield unique, retrievable pending jobs.
func TestConcurrentCreates(t *testing.T) {
	t.Parallel()

	s := NewStore(time.Minute, nil, nil)

	const n = 100

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uuid.UUID]struct{}, n)
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			snap := s.Create("https://www.youtube.com/watch?v=abc", KindVideo, "")

			mu.Lock()
			ids[snap.ID] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()

	if len(ids) != n {
		t.Fatalf("got %d unique IDs, want %d", len(ids), n)
	}

	for id := range ids {
		got, err := s.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}

		if got.Status != status.Pending {
			t.Fatalf("job %s status = %s, want pending", id, got.Status)
		}
	}
}

type recordingArchiver struct {
	mu    sync.Mutex
	saved []Snapshot
}

func (a *recordingArchiver) Save(s Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.saved = append(a.saved, s)

	return nil
}

func TestRetentionSweep(t *testing.T) {
	t.Parallel()

	archive := &recordingArchiver{}
	s := NewStore(time.Minute, nil, archive)

	done := s.Create("https://www.youtube.com/watch?v=abc", KindVideo, "")
	if err := s.Apply(done.ID, StatusUpdate(status.Running)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Apply(done.ID, CompletionUpdate("a.mp4", "/downloads/a.mp4")); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	active := s.Create("https://www.youtube.com/watch?v=def", KindVideo, "")

	time.Sleep(20 * time.Millisecond)

	if removed := s.Sweep(10 * time.Millisecond); removed != 1 {
		t.Fatalf("Sweep removed %d jobs, want 1", removed)
	}

	if _, err := s.Get(done.ID); err != ErrNotFound {
		t.Fatalf("swept job still retrievable, err = %v", err)
	}

	if _, err := s.Get(active.ID); err != nil {
		t.Fatalf("non-terminal job was swept: %v", err)
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()

	if len(archive.saved) != 1 || archive.saved[0].ID != done.ID {
		t.Fatalf("archive = %+v, want the swept job", archive.saved)
	}
}

func TestPublisherReceivesEveryAcceptedMutation(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []status.Status
	)

	s := NewStore(time.Minute, func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap.Status)
		mu.Unlock()
	}, nil)

	snap := s.Create("https://www.youtube.com/watch?v=abc", KindVideo, "")
	_ = s.Apply(snap.ID, StatusUpdate(status.Running))
	_ = s.Apply(snap.ID, CompletionUpdate("a.mp4", "/a.mp4"))
	// Dropped update must not be published.
	_ = s.Apply(snap.ID, FailureUpdate("late"))

	mu.Lock()
	defer mu.Unlock()

	want := []status.Status{status.Pending, status.Running, status.Completed}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("published statuses = %v, want %v", seen, want)
	}
}
