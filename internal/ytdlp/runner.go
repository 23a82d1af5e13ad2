package ytdlp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/fetchd/internal/config"
	"github.com/NamanBalaji/fetchd/internal/errors"
	"github.com/NamanBalaji/fetchd/internal/job"
	"github.com/NamanBalaji/fetchd/internal/logger"
	"github.com/NamanBalaji/fetchd/internal/progress"
	"github.com/NamanBalaji/fetchd/internal/runner"
	"github.com/NamanBalaji/fetchd/internal/status"
)

// RunnerConfig tunes a process-backed runner.
type RunnerConfig struct {
	// DownloadDir is the root output directory; every job gets its own
	// subdirectory to avoid filename collisions across jobs.
	DownloadDir string
	// ProgressInterval bounds how often progress updates reach the store.
	ProgressInterval time.Duration
	// MaxDuration forcibly cancels the process once exceeded.
	MaxDuration time.Duration
	// MaxRetries bounds spawn retries for transient failures.
	MaxRetries int
	// RetryDelay is the base backoff delay between retries.
	RetryDelay time.Duration
}

func (c *RunnerConfig) withDefaults() {
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 200 * time.Millisecond
	}

	if c.MaxDuration <= 0 {
		c.MaxDuration = 5 * time.Minute
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
}

// Runner manages a single yt-dlp download process for one job.
type Runner struct {
	cfg    *config.YTDLPConfig
	rcfg   RunnerConfig
	store  *job.Store
	jobID  uuid.UUID
	url    string
	kind   job.Kind
	format string

	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	cancelled atomic.Bool
	finished  atomic.Bool
	sawOutput atomic.Bool

	mu         sync.Mutex
	resultPath string
	lastError  string
	lastFlush  time.Time
}

// NewRunner creates a process-backed runner bound to one job.
func NewRunner(store *job.Store, snap job.Snapshot, cfg *config.YTDLPConfig, rcfg RunnerConfig) *Runner {
	rcfg.withDefaults()

	return &Runner{
		cfg:    cfg,
		rcfg:   rcfg,
		store:  store,
		jobID:  snap.ID,
		url:    snap.URL,
		kind:   snap.Kind,
		format: snap.Format,
	}
}

// JobID returns the job this runner is bound to.
func (r *Runner) JobID() uuid.UUID {
	return r.jobID
}

// Cancel signals the yt-dlp process to terminate. No further progress updates
// are written once cancellation is acknowledged.
func (r *Runner) Cancel() {
	r.cancelled.Store(true)

	r.cancelMu.Lock()
	cancel := r.cancel
	r.cancelMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Start launches the download and blocks until it reaches a terminal state.
// All failure paths funnel into exactly one terminal store update.
func (r *Runner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, r.rcfg.MaxDuration)
	defer cancel()

	r.cancelMu.Lock()
	r.cancel = cancel
	r.cancelMu.Unlock()

	// A cancel signalled before the cancel func was installed had nothing to
	// call; the flag is the handover.
	if r.cancelled.Load() {
		return nil
	}

	var err error

retry:
	for attempt := 0; ; attempt++ {
		err = r.execute(runCtx)
		if err == nil || r.cancelled.Load() {
			break
		}

		// Retry only failures that happened before any visible work and
		// that the taxonomy marks transient.
		if r.sawOutput.Load() || !errors.IsRetryable(err) || attempt >= r.rcfg.MaxRetries {
			break
		}

		logger.Debugf("retrying job %s (attempt %d/%d): %v", r.jobID, attempt+1, r.rcfg.MaxRetries, err)

		select {
		case <-time.After(runner.Backoff(attempt, r.rcfg.RetryDelay)):
		case <-runCtx.Done():
			err = errors.NewContextError(runCtx.Err(), r.url)

			break retry
		}
	}

	r.finish(runCtx, err)

	return err
}

func (r *Runner) execute(ctx context.Context) error {
	binary := r.cfg.BinaryPath
	if binary == "" {
		binary = "yt-dlp"
	}

	if _, err := exec.LookPath(binary); err != nil {
		return errors.NewProcessError(ErrBinaryNotFound, r.url, false)
	}

	outputDir := filepath.Join(r.rcfg.DownloadDir, r.jobID.String())
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.NewIOError(fmt.Errorf("failed to create directory %s: %w", outputDir, err), outputDir)
	}

	args := []string{"--newline", "--no-playlist", "-o", filepath.Join(outputDir, "%(title)s.%(ext)s")}
	args = append(args, "-f", r.selectFormat())

	if r.kind == job.KindAudio {
		args = append(args, "-x")
	}

	if len(r.cfg.Args) > 0 {
		args = append(args, r.cfg.Args...)
	}

	args = append(args, r.url)

	cmd := exec.CommandContext(ctx, binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.NewProcessError(err, r.url, true)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.NewProcessError(err, r.url, true)
	}

	if err := cmd.Start(); err != nil {
		return errors.NewProcessError(err, r.url, true)
	}

	r.apply(job.StatusUpdate(status.Running))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		r.consumeOutput(stdout)
	}()

	go func() {
		defer wg.Done()
		r.consumeOutput(stderr)
	}()

	wg.Wait()

	waitErr := cmd.Wait()

	if waitErr != nil {
		if ctx.Err() != nil {
			return errors.NewContextError(ctx.Err(), r.url)
		}

		r.mu.Lock()
		detail := r.lastError
		r.mu.Unlock()

		if detail != "" {
			return classifyOutput(detail, r.url)
		}

		return errors.NewProcessError(fmt.Errorf("yt-dlp exited: %w", waitErr), r.url, false)
	}

	return nil
}

// selectFormat picks the yt-dlp format expression: an explicit format ID from
// the request, or a sensible default per kind.
func (r *Runner) selectFormat() string {
	if f := strings.TrimSpace(r.format); f != "" {
		return f
	}

	if r.kind == job.KindAudio {
		return "bestaudio/best"
	}

	return "bestvideo+bestaudio/best"
}

func (r *Runner) consumeOutput(src io.Reader) {
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		r.handleLine(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		logger.Debugf("yt-dlp output error: %v", err)
	}
}

func (r *Runner) handleLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	r.sawOutput.Store(true)

	if strings.HasPrefix(trimmed, "ERROR:") {
		r.mu.Lock()
		r.lastError = trimmed
		r.mu.Unlock()

		return
	}

	if strings.HasPrefix(trimmed, "[download]") {
		r.handleDownloadLine(strings.TrimSpace(strings.TrimPrefix(trimmed, "[download]")))

		return
	}

	if strings.HasPrefix(trimmed, "[Merger] Merging formats into") {
		if path := extractQuotedPath(trimmed); path != "" {
			r.setResultPath(path)
		}

		return
	}

	if strings.HasPrefix(trimmed, "[Moving]") {
		if path := extractQuotedPath(trimmed); path != "" {
			r.setResultPath(path)
		}
	}
}

func (r *Runner) handleDownloadLine(content string) {
	if strings.HasPrefix(content, "Destination:") {
		destination := strings.TrimSpace(strings.TrimPrefix(content, "Destination:"))
		if destination != "" {
			r.setResultPath(destination)
		}

		return
	}

	percentage, total, downloaded, speed, _, ok := parseProgress(content)
	if !ok {
		return
	}

	// Coalesce updates so a chatty process does not flood the store; the
	// 100% line always goes through so observers see the finish promptly.
	r.mu.Lock()
	now := time.Now()
	if percentage < 100 && now.Sub(r.lastFlush) < r.rcfg.ProgressInterval {
		r.mu.Unlock()

		return
	}
	r.lastFlush = now
	r.mu.Unlock()

	// yt-dlp always reports a percentage on its progress line, so percent
	// stays known even when the total size is an estimate.
	r.apply(job.ProgressUpdate(progress.Progress{
		Downloaded:   downloaded,
		TotalSize:    total,
		Percentage:   percentage,
		PercentKnown: true,
		SpeedBPS:     speed,
	}))
}

func (r *Runner) setResultPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resultPath = filepath.Clean(path)
}

// finish writes the single terminal update.
func (r *Runner) finish(ctx context.Context, err error) {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}

	if r.cancelled.Load() {
		// Cancellation acknowledged; the store already holds the cancelled
		// state and nothing more may be written.
		return
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.apply(job.FailureUpdate(errors.ErrTimeout.Error()))

			return
		}

		if errors.Is(err, context.Canceled) || errors.Category(err) == errors.CategoryContext {
			if _, cErr := r.store.Cancel(r.jobID); cErr != nil && cErr != job.ErrNotFound {
				logger.Errorf("failed to cancel job %s: %v", r.jobID, cErr)
			}

			return
		}

		r.apply(job.FailureUpdate(err.Error()))

		return
	}

	r.mu.Lock()
	path := r.resultPath
	r.mu.Unlock()

	filename := ""
	if path != "" {
		filename = filepath.Base(path)
	}

	r.apply(job.CompletionUpdate(filename, path))
}

func (r *Runner) apply(u job.Update) {
	if r.cancelled.Load() {
		return
	}

	if err := r.store.Apply(r.jobID, u); err != nil && err != job.ErrNotFound {
		logger.Errorf("failed to update job %s: %v", r.jobID, err)
	}
}
