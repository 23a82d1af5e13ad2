package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/fetchd/internal/config"
	"github.com/NamanBalaji/fetchd/internal/hub"
	"github.com/NamanBalaji/fetchd/internal/job"
	"github.com/NamanBalaji/fetchd/internal/runner"
	"github.com/NamanBalaji/fetchd/internal/status"
)

type fakeArchive struct {
	jobs map[string]job.Snapshot
}

func (f *fakeArchive) Save(snapshot job.Snapshot) error {
	f.jobs[snapshot.ID.String()] = snapshot

	return nil
}

func (f *fakeArchive) Find(id string) (job.Snapshot, error) {
	snap, ok := f.jobs[id]
	if !ok {
		return job.Snapshot{}, job.ErrNotFound
	}

	return snap, nil
}

func (f *fakeArchive) FindAll() ([]job.Snapshot, error) {
	all := make([]job.Snapshot, 0, len(f.jobs))
	for _, snap := range f.jobs {
		all = append(all, snap)
	}

	return all, nil
}

func (f *fakeArchive) Delete(id string) error {
	delete(f.jobs, id)

	return nil
}

type fixture struct {
	server  *Server
	store   *job.Store
	hub     *hub.Hub
	archive *fakeArchive
}

func newFixture(t *testing.T, maxConcurrent int) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Jobs.DownloadDir = t.TempDir()
	cfg.Jobs.MaxConcurrent = maxConcurrent
	cfg.Jobs.ProgressInterval = time.Millisecond
	cfg.Jobs.MaxRetries = 0
	cfg.Jobs.RetryDelay = time.Millisecond

	h := hub.New(50 * time.Millisecond)
	store := job.NewStore(time.Minute, h.Publish, nil)
	archive := &fakeArchive{jobs: make(map[string]job.Snapshot)}

	return &fixture{
		server:  NewServer(&cfg, store, h, runner.NewRegistry(), archive),
		store:   store,
		hub:     h,
		archive: archive,
	}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}

		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	return w
}

func (f *fixture) waitForStatus(t *testing.T, id uuid.UUID, want status.Status) job.Snapshot {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.store.Get(id)
		if err == nil && snap.Status == want {
			return snap
		}

		time.Sleep(5 * time.Millisecond)
	}

	snap, _ := f.store.Get(id)
	t.Fatalf("job never reached %s, stuck at %s", want, snap.Status)

	return job.Snapshot{}
}

func decodeJobID(t *testing.T, w *httptest.ResponseRecorder) uuid.UUID {
	t.Helper()

	var resp struct {
		JobID uuid.UUID `json:"jobId"`
	}

	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}

	return resp.JobID
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)

	w := f.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestDownloadValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)

	tests := []struct {
		name string
		body any
	}{
		{"missing url", map[string]string{"kind": "video"}},
		{"relative url", map[string]string{"url": "not-a-url"}},
		{"bad scheme", map[string]string{"url": "ftp://example.com/a.mp4"}},
		{"bad kind", map[string]string{"url": "https://example.com/a.mp4", "kind": "podcast"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := f.do(t, http.MethodPost, "/api/download", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestDownloadStreamJobCompletes(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("fetchd"), 4096)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	t.Cleanup(upstream.Close)

	f := newFixture(t, 2)

	w := f.do(t, http.MethodPost, "/api/download", map[string]string{"url": upstream.URL + "/clip.bin"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}

	id := decodeJobID(t, w)

	snap := f.waitForStatus(t, id, status.Completed)
	if snap.ProgressPercent == nil || *snap.ProgressPercent != 100 {
		t.Fatalf("completed job should report 100%%, got %v", snap.ProgressPercent)
	}

	if snap.BytesDownloaded != int64(len(payload)) {
		t.Fatalf("bytesDownloaded = %d, want %d", snap.BytesDownloaded, len(payload))
	}

	if !strings.HasSuffix(snap.Path, "clip.bin") {
		t.Fatalf("path = %q", snap.Path)
	}

	sw := f.do(t, http.MethodGet, "/api/jobs/"+id.String()+"/status", nil)
	if sw.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", sw.Code)
	}

	var got job.Snapshot
	if err := json.Unmarshal(sw.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}

	if got.Status != status.Completed {
		t.Fatalf("state = %s", got.Status)
	}
}

func TestDownloadUpstreamFailure(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	t.Cleanup(upstream.Close)

	f := newFixture(t, 2)

	w := f.do(t, http.MethodPost, "/api/download", map[string]string{"url": upstream.URL + "/a.bin"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}

	snap := f.waitForStatus(t, decodeJobID(t, w), status.Failed)
	if snap.ErrorMessage == "" {
		t.Fatalf("failed job should carry an error message")
	}
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		_, _ = w.Write(bytes.Repeat([]byte("x"), 1024))
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(upstream.Close)
	t.Cleanup(func() { close(release) })

	f := newFixture(t, 2)

	w := f.do(t, http.MethodPost, "/api/download", map[string]string{"url": upstream.URL + "/big.bin"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}

	id := decodeJobID(t, w)
	f.waitForStatus(t, id, status.Running)

	cw := f.do(t, http.MethodPost, "/api/jobs/"+id.String()+"/cancel", nil)
	if cw.Code != http.StatusOK {
		t.Fatalf("cancel = %d (%s)", cw.Code, cw.Body.String())
	}

	snap := f.waitForStatus(t, id, status.Cancelled)
	if snap.Status != status.Cancelled {
		t.Fatalf("state = %s", snap.Status)
	}

	// A second cancel is a no-op success.
	cw2 := f.do(t, http.MethodPost, "/api/jobs/"+id.String()+"/cancel", nil)
	if cw2.Code != http.StatusOK {
		t.Fatalf("repeat cancel = %d", cw2.Code)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)

	w := f.do(t, http.MethodPost, "/api/jobs/"+uuid.NewString()+"/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStatusUnknownAndMalformed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)

	if w := f.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString()+"/status", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown id = %d", w.Code)
	}

	if w := f.do(t, http.MethodGet, "/api/jobs/not-a-uuid/status", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed id = %d", w.Code)
	}
}

func TestStatusFallsBackToArchive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)

	archived := job.Snapshot{ID: uuid.New(), URL: "https://example.com/old.mp4", Kind: job.KindVideo, Status: status.Completed}
	if err := f.archive.Save(archived); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	w := f.do(t, http.MethodGet, "/api/jobs/"+archived.ID.String()+"/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var got job.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if got.ID != archived.ID || got.Status != status.Completed {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestTooManyJobs(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(upstream.Close)
	t.Cleanup(func() { close(release) })

	f := newFixture(t, 1)

	w := f.do(t, http.MethodPost, "/api/download", map[string]string{"url": upstream.URL + "/a.bin"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("first job = %d", w.Code)
	}

	f.waitForStatus(t, decodeJobID(t, w), status.Running)

	w2 := f.do(t, http.MethodPost, "/api/download", map[string]string{"url": upstream.URL + "/b.bin"})
	if w2.Code != http.StatusServiceUnavailable {
		t.Fatalf("second job = %d, want 503", w2.Code)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.store.Create("https://example.com/a.mp4", job.KindVideo, "")
	f.store.Create("https://example.com/b.mp4", job.KindAudio, "")

	w := f.do(t, http.MethodGet, "/api/jobs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var got []job.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestInfoRejectsBadURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)

	if w := f.do(t, http.MethodGet, "/api/info?url=not-a-url", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}

	if w := f.do(t, http.MethodGet, "/api/info?url=https%3A%2F%2Fexample.com%2Fa.mp4", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unsupported host = %d", w.Code)
	}
}

func TestDirectStream(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("stream"), 2048)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	t.Cleanup(upstream.Close)

	f := newFixture(t, 2)

	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/download?url=" + url.QueryEscape(upstream.URL+"/clip.bin"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "clip.bin") {
		t.Fatalf("content-disposition = %q", cd)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if !bytes.Equal(body, payload) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(body), len(payload))
	}
}

func TestEventsStreamDeliversSnapshots(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)

	created := f.store.Create("https://example.com/a.mp4", job.KindVideo, "")

	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/jobs/" + created.ID.String() + "/events")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)

	frame := readEventFrame(t, reader)
	if !strings.Contains(frame, "pending") {
		t.Fatalf("initial frame = %q", frame)
	}

	if err := f.store.Apply(created.ID, job.StatusUpdate(status.Running)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	frame = readEventFrame(t, reader)
	if !strings.Contains(frame, "running") {
		t.Fatalf("update frame = %q", frame)
	}
}

func TestEventsUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)

	w := f.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString()+"/events", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

// readEventFrame reads one SSE frame, up to its blank-line terminator.
func readEventFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()

	var b strings.Builder

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read failed (got %q): %v", b.String(), err)
		}

		if strings.TrimSpace(line) == "" {
			return b.String()
		}

		b.WriteString(line)
	}
}

// A terminal state reached while the stream is being set up must still be
// delivered: the subscription is opened before the snapshot is read, so the
// final event is never lost.
func TestEventsTerminalFrameDelivered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)

	created := f.store.Create("https://example.com/a.mp4", job.KindVideo, "")

	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/jobs/" + created.ID.String() + "/events")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readEventFrame(t, reader)

	if err := f.store.Apply(created.ID, job.CompletionUpdate("a.mp4", "/tmp/a.mp4")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	for {
		frame := readEventFrame(t, reader)
		if strings.Contains(frame, "heartbeat") {
			continue
		}

		if !strings.Contains(frame, "completed") {
			t.Fatalf("frame = %q, want terminal state", frame)
		}

		break
	}
}

// A job cancelled before its runner registers must never start transferring.
func TestRunJobSkipsCancelledJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("cancelled job must not contact the source")
	}))
	t.Cleanup(upstream.Close)

	created := f.store.Create(upstream.URL+"/a.mp4", job.KindVideo, "")

	if _, err := f.store.Cancel(created.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if !f.server.sem.TryAcquire(1) {
		t.Fatalf("failed to acquire job slot")
	}

	f.server.runJob(created)

	snap, err := f.store.Get(created.ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}

	if snap.Status != status.Cancelled {
		t.Fatalf("status = %s, want cancelled", snap.Status)
	}
}
