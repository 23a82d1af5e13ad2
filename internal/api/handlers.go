package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NamanBalaji/fetchd/internal/errors"
	"github.com/NamanBalaji/fetchd/internal/hub"
	"github.com/NamanBalaji/fetchd/internal/job"
	"github.com/NamanBalaji/fetchd/internal/logger"
	"github.com/NamanBalaji/fetchd/internal/runner"
	"github.com/NamanBalaji/fetchd/internal/ytdlp"
)

type downloadRequest struct {
	URL      string `json:"url" binding:"required"`
	Kind     string `json:"kind"`
	FormatID string `json:"formatId"`
}

func (s *Server) handleInfo(c *gin.Context) {
	rawURL := c.Query("url")
	if err := validateURL(rawURL); err != nil {
		renderError(c, err)

		return
	}

	if !ytdlp.CanHandle(rawURL) {
		renderError(c, errors.NewValidationError(fmt.Errorf("%w: no metadata source for this host", errors.ErrInvalidURL), rawURL))

		return
	}

	info, err := ytdlp.Probe(c.Request.Context(), s.cfg.YTDLP, rawURL)
	if err != nil {
		renderError(c, err)

		return
	}

	c.JSON(http.StatusOK, info)
}

func (s *Server) handleDownload(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.NewValidationError(fmt.Errorf("invalid request: %w", err), ""))

		return
	}

	if err := validateURL(req.URL); err != nil {
		renderError(c, err)

		return
	}

	kind, err := parseKind(req.Kind)
	if err != nil {
		renderError(c, err)

		return
	}

	if !s.sem.TryAcquire(1) {
		renderError(c, errors.NewResourceError(errors.ErrTooManyJobs, req.URL))

		return
	}

	created := s.store.Create(req.URL, kind, req.FormatID)

	go s.runJob(created)

	c.JSON(http.StatusAccepted, gin.H{"jobId": created.ID})
}

// runJob drives one accepted job to a terminal state in the background.
func (s *Server) runJob(snap job.Snapshot) {
	defer s.sem.Release(1)

	r, err := s.buildRunner(snap)
	if err != nil {
		if aErr := s.store.Apply(snap.ID, job.FailureUpdate(err.Error())); aErr != nil {
			logger.Errorf("failed to fail job %s: %v", snap.ID, aErr)
		}

		return
	}

	s.registry.Add(r)
	defer s.registry.Remove(snap.ID)

	// A cancel arriving before registration finds nothing to signal in the
	// registry, so re-check the store once the runner is registered; from
	// here on the registry reaches the runner directly.
	if current, err := s.store.Get(snap.ID); err != nil || current.Status.IsTerminal() {
		return
	}

	if err := r.Start(context.Background()); err != nil {
		logger.Debugf("job %s finished with error: %v", snap.ID, err)
	}
}

// buildRunner picks the process-backed runner for hosts yt-dlp understands
// and the plain HTTP stream runner for everything else.
func (s *Server) buildRunner(snap job.Snapshot) (runner.Runner, error) {
	if ytdlp.CanHandle(snap.URL) {
		return ytdlp.NewRunner(s.store, snap, s.cfg.YTDLP, ytdlp.RunnerConfig{
			DownloadDir:      s.cfg.Jobs.DownloadDir,
			ProgressInterval: s.cfg.Jobs.ProgressInterval,
			MaxDuration:      s.cfg.Jobs.MaxDuration,
			MaxRetries:       s.cfg.Jobs.MaxRetries,
			RetryDelay:       s.cfg.Jobs.RetryDelay,
		}), nil
	}

	dir := filepath.Join(s.cfg.Jobs.DownloadDir, snap.ID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewIOError(fmt.Errorf("failed to create directory %s: %w", dir, err), dir)
	}

	name := path.Base(snap.URL)
	if name == "" || name == "." || name == "/" {
		name = snap.ID.String()
	}

	destPath := filepath.Join(dir, name)

	f, err := os.Create(destPath)
	if err != nil {
		return nil, errors.NewIOError(fmt.Errorf("failed to create %s: %w", destPath, err), destPath)
	}

	return &fileStream{
		Stream: runner.NewStream(s.store, snap.ID, snap.URL, f, runner.StreamConfig{
			ProgressInterval: s.cfg.Jobs.ProgressInterval,
			MaxDuration:      s.cfg.Jobs.MaxDuration,
			MaxRetries:       s.cfg.Jobs.MaxRetries,
			RetryDelay:       s.cfg.Jobs.RetryDelay,
			Client:           s.client,
			DestPath:         destPath,
		}),
		file: f,
	}, nil
}

// fileStream closes the destination file once the transfer ends.
type fileStream struct {
	*runner.Stream
	file *os.File
}

func (f *fileStream) Start(ctx context.Context) error {
	defer func() {
		if err := f.file.Close(); err != nil {
			logger.Errorf("failed to close %s: %v", f.file.Name(), err)
		}
	}()

	return f.Stream.Start(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	snap, err := s.store.Get(id)
	if err == nil {
		c.JSON(http.StatusOK, snap)

		return
	}

	if s.archive != nil {
		if archived, aErr := s.archive.Find(id.String()); aErr == nil {
			c.JSON(http.StatusOK, archived)

			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
}

func (s *Server) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.List())
}

func (s *Server) handleCancel(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	snap, err := s.store.Cancel(id)
	if err != nil {
		if s.archive != nil {
			// Already swept out; archived jobs are terminal, so cancelling
			// one is a no-op success.
			if archived, aErr := s.archive.Find(id.String()); aErr == nil {
				c.JSON(http.StatusOK, archived)

				return
			}
		}

		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})

		return
	}

	s.registry.Cancel(id)

	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleEvents(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	// Subscribe before reading the snapshot: a terminal state published in
	// between lands in the subscriber's buffer instead of being lost, so the
	// client always receives the final event.
	sub := s.hub.Subscribe(id)
	defer s.hub.Unsubscribe(sub)

	current, err := s.store.Get(id)
	if err != nil {
		if s.archive != nil {
			if archived, aErr := s.archive.Find(id.String()); aErr == nil {
				// Long gone; deliver the final state as the only frame.
				c.Header("Content-Type", "text/event-stream")
				c.Header("Cache-Control", "no-cache")
				c.SSEvent("snapshot", archived)

				return
			}
		}

		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})

		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// The subscriber only sees mutations from here on, so hand the current
	// state over first.
	c.SSEvent("snapshot", current)
	c.Writer.Flush()

	if current.Status.IsTerminal() {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-sub.Events:
			if !open {
				return false
			}

			switch ev.Type {
			case hub.EventHeartbeat:
				c.SSEvent("heartbeat", time.Now().UTC().Format(time.RFC3339))
			case hub.EventSnapshot:
				c.SSEvent("snapshot", ev.Job)
			}

			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) handleDirectStream(c *gin.Context) {
	rawURL := c.Query("url")
	if err := validateURL(rawURL); err != nil {
		renderError(c, err)

		return
	}

	kind, err := parseKind(c.Query("kind"))
	if err != nil {
		renderError(c, err)

		return
	}

	formatID := c.Query("formatId")

	if !s.sem.TryAcquire(1) {
		renderError(c, errors.NewResourceError(errors.ErrTooManyJobs, rawURL))

		return
	}
	defer s.sem.Release(1)

	mediaURL := rawURL
	size := int64(0)

	if ytdlp.CanHandle(rawURL) {
		mediaURL, size, err = ytdlp.ResolveFormat(c.Request.Context(), s.cfg.YTDLP, rawURL, formatID, kind)
		if err != nil {
			renderError(c, err)

			return
		}
	}

	// The transfer is tracked like any other job so observers can follow it.
	created := s.store.Create(rawURL, kind, formatID)

	c.Header("Content-Disposition", "attachment; filename=\""+attachmentName(rawURL, created.ID)+"\"")
	c.Header("Content-Type", "application/octet-stream")

	if size > 0 {
		c.Header("Content-Length", strconv.FormatInt(size, 10))
	}

	st := runner.NewStream(s.store, created.ID, mediaURL, c.Writer, runner.StreamConfig{
		ProgressInterval: s.cfg.Jobs.ProgressInterval,
		MaxDuration:      s.cfg.Jobs.MaxDuration,
		Client:           s.client,
	})

	s.registry.Add(st)
	defer s.registry.Remove(created.ID)

	// Client disconnect cancels the request context, which tears the
	// upstream transfer down with it.
	if err := st.Start(c.Request.Context()); err != nil {
		if c.Writer.Written() {
			logger.Debugf("direct stream %s aborted: %v", created.ID, err)

			return
		}

		renderError(c, err)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "activeJobs": s.registry.Len()})
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})

		return uuid.Nil, false
	}

	return id, true
}

func parseKind(raw string) (job.Kind, error) {
	if raw == "" {
		return job.KindVideo, nil
	}

	kind, err := job.ParseKind(raw)
	if err != nil {
		return "", errors.NewValidationError(err, raw)
	}

	return kind, nil
}

func validateURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return errors.NewValidationError(fmt.Errorf("%w: %v", errors.ErrInvalidURL, err), rawURL)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.NewValidationError(fmt.Errorf("%w: scheme %q", errors.ErrInvalidURL, u.Scheme), rawURL)
	}

	if u.Host == "" {
		return errors.NewValidationError(fmt.Errorf("%w: missing host", errors.ErrInvalidURL), rawURL)
	}

	return nil
}

func attachmentName(rawURL string, id uuid.UUID) string {
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return strings.ReplaceAll(base, "\"", "")
		}
	}

	return id.String()
}

// renderError maps the error taxonomy onto HTTP status codes.
func renderError(c *gin.Context, err error) {
	code := http.StatusInternalServerError

	switch errors.Category(err) {
	case errors.CategoryValidation:
		code = http.StatusBadRequest
	case errors.CategoryResource:
		code = http.StatusServiceUnavailable
	case errors.CategoryUpstream:
		code = http.StatusBadGateway
	case errors.CategoryNetwork:
		code = http.StatusBadGateway
	case errors.CategoryContext:
		code = http.StatusGatewayTimeout
	}

	c.JSON(code, gin.H{
		"error":    err.Error(),
		"category": string(errors.Category(err)),
	})
}
