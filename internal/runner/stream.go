package runner

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/fetchd/internal/errors"
	"github.com/NamanBalaji/fetchd/internal/job"
	"github.com/NamanBalaji/fetchd/internal/logger"
	"github.com/NamanBalaji/fetchd/internal/progress"
	"github.com/NamanBalaji/fetchd/internal/status"
)

// StreamConfig tunes a stream-backed runner.
type StreamConfig struct {
	// ProgressInterval bounds how often progress updates reach the store.
	ProgressInterval time.Duration
	// MaxDuration forcibly cancels the transfer once exceeded.
	MaxDuration time.Duration
	// MaxRetries bounds connection retries before any byte has been written.
	MaxRetries int
	// RetryDelay is the base backoff delay between connection retries.
	RetryDelay time.Duration
	// Client is the HTTP client used for the transfer.
	Client *http.Client
	// DestPath, when set, is recorded as the completed job's result path.
	// Left empty for transfers piped straight to a client, where the source
	// URL is the only meaningful location.
	DestPath string
}

func (c *StreamConfig) withDefaults() {
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 200 * time.Millisecond
	}

	if c.MaxDuration <= 0 {
		c.MaxDuration = 5 * time.Minute
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}

	if c.Client == nil {
		c.Client = http.DefaultClient
	}
}

// Stream downloads a resolved media URL over HTTP, counting bytes as they
// arrive and piping them to dst while reporting progress to the store.
// Cancellation destroys the underlying connection; a consumer disconnect on
// the dst side surfaces as a write error and cancels the transfer too.
type Stream struct {
	store *job.Store
	jobID uuid.UUID
	url   string
	dst   io.Writer
	cfg   StreamConfig

	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	cancelled atomic.Bool
	finished  atomic.Bool
}

// NewStream creates a stream-backed runner for the given job.
func NewStream(store *job.Store, jobID uuid.UUID, mediaURL string, dst io.Writer, cfg StreamConfig) *Stream {
	cfg.withDefaults()

	return &Stream{
		store: store,
		jobID: jobID,
		url:   mediaURL,
		dst:   dst,
		cfg:   cfg,
	}
}

// JobID returns the job this runner is bound to.
func (s *Stream) JobID() uuid.UUID {
	return s.jobID
}

// Cancel destroys the underlying transfer. No further progress updates are
// written once cancellation is acknowledged.
func (s *Stream) Cancel() {
	s.cancelled.Store(true)

	s.cancelMu.Lock()
	cancel := s.cancel
	s.cancelMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Start runs the transfer to completion. The single terminal state is written
// to the store; the returned error mirrors it for the caller piping bytes.
func (s *Stream) Start(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxDuration)
	defer cancel()

	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()

	// A cancel signalled before the cancel func was installed had nothing to
	// call; the flag is the handover.
	if s.cancelled.Load() {
		return nil
	}

	err := s.run(runCtx)
	s.finish(runCtx, err)

	return err
}

func (s *Stream) run(ctx context.Context) error {
	resp, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	s.apply(job.StatusUpdate(status.Running))

	filename := s.filename(resp)

	var (
		downloaded int64
		lastFlush  time.Time
		window     int64
		windowAt   = time.Now()
		speed      int64
	)

	reader := &countingReader{
		reader: resp.Body,
		onRead: func(n int64) {
			downloaded += n
			window += n

			now := time.Now()
			if elapsed := now.Sub(windowAt); elapsed >= time.Second {
				speed = int64(float64(window) / elapsed.Seconds())
				window = 0
				windowAt = now
			}

			// Coalesce store updates so a fast stream does not flood it.
			if now.Sub(lastFlush) >= s.cfg.ProgressInterval {
				lastFlush = now
				s.apply(job.ProgressUpdate(progress.FromBytes(downloaded, total, speed)))
			}
		},
	}

	if _, err := io.Copy(s.dst, reader); err != nil {
		if ctx.Err() != nil {
			return errors.NewContextError(ctx.Err(), s.url)
		}

		// The read side failed on a network error; the write side failing
		// means the consumer went away.
		return errors.NewNetworkError(err, s.url, false)
	}

	s.apply(job.ProgressUpdate(progress.FromBytes(downloaded, total, 0)))

	resultPath := s.cfg.DestPath
	if resultPath == "" {
		resultPath = s.url
	}

	s.apply(job.CompletionUpdate(filename, resultPath))

	return nil
}

// connect opens the transfer, retrying transient connection failures with
// backoff. Retries only happen before the first byte is written downstream.
func (s *Stream) connect(ctx context.Context) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		resp, err := s.attempt(ctx)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) || attempt >= s.cfg.MaxRetries {
			return nil, lastErr
		}

		logger.Debugf("stream connect retry %d/%d for job %s: %v", attempt+1, s.cfg.MaxRetries, s.jobID, err)

		select {
		case <-time.After(Backoff(attempt, s.cfg.RetryDelay)):
		case <-ctx.Done():
			return nil, errors.NewContextError(ctx.Err(), s.url)
		}
	}
}

func (s *Stream) attempt(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, errors.NewValidationError(err, s.url)
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewContextError(ctx.Err(), s.url)
		}

		return nil, errors.NewNetworkError(err, s.url, true)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()

		cause := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			cause = fmt.Errorf("%w: %s", errors.ErrSourceUnavailable, resp.Status)
		}

		return nil, errors.NewHTTPError(cause, s.url, resp.StatusCode)
	}

	return resp, nil
}

// finish writes the single terminal update for failure paths. Success and
// cancellation already carry their terminal state.
func (s *Stream) finish(ctx context.Context, err error) {
	if !s.finished.CompareAndSwap(false, true) {
		return
	}

	if err == nil {
		return
	}

	if s.cancelled.Load() {
		// Cancellation is acknowledged: the store already holds the
		// cancelled state, nothing more may be written.
		return
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.apply(job.FailureUpdate(errors.ErrTimeout.Error()))

		return
	}

	if errors.Is(err, context.Canceled) || errors.Category(err) == errors.CategoryContext {
		// External context cancellation (e.g. server shutdown); mark
		// cancelled through the store which keeps this idempotent.
		if _, cErr := s.store.Cancel(s.jobID); cErr != nil && cErr != job.ErrNotFound {
			logger.Errorf("failed to cancel job %s: %v", s.jobID, cErr)
		}

		return
	}

	s.apply(job.FailureUpdate(err.Error()))
}

func (s *Stream) apply(u job.Update) {
	if s.cancelled.Load() {
		return
	}

	if err := s.store.Apply(s.jobID, u); err != nil && err != job.ErrNotFound {
		logger.Errorf("failed to update job %s: %v", s.jobID, err)
	}
}

// filename derives a result filename from the response or the URL path.
func (s *Stream) filename(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}

	if u, err := url.Parse(s.url); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}

	return s.jobID.String()
}

// countingReader wraps an io.Reader to track transferred bytes.
type countingReader struct {
	reader io.Reader
	onRead func(int64)
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.onRead(int64(n))
	}

	return n, err
}
