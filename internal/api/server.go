package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/NamanBalaji/fetchd/internal/config"
	"github.com/NamanBalaji/fetchd/internal/hub"
	"github.com/NamanBalaji/fetchd/internal/job"
	"github.com/NamanBalaji/fetchd/internal/logger"
	"github.com/NamanBalaji/fetchd/internal/repository"
	"github.com/NamanBalaji/fetchd/internal/runner"
)

// Server wires the job tracker to its HTTP surface.
type Server struct {
	cfg      *config.Config
	store    *job.Store
	hub      *hub.Hub
	registry *runner.Registry
	archive  repository.Repository
	sem      *semaphore.Weighted
	client   *http.Client
	engine   *gin.Engine
}

// NewServer builds the HTTP server around an existing store, hub and registry.
// archive may be nil when persistence is disabled.
func NewServer(cfg *config.Config, store *job.Store, h *hub.Hub, registry *runner.Registry, archive repository.Repository) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		store:    store,
		hub:      h,
		registry: registry,
		archive:  archive,
		sem:      semaphore.NewWeighted(int64(cfg.Jobs.MaxConcurrent)),
		client:   &http.Client{},
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog())

	api := engine.Group("/api")
	{
		api.GET("/info", s.handleInfo)
		api.POST("/download", s.handleDownload)
		api.GET("/download", s.handleDirectStream)
		api.GET("/jobs", s.handleListJobs)
		api.GET("/jobs/:id/status", s.handleStatus)
		api.GET("/jobs/:id/events", s.handleEvents)
		api.POST("/jobs/:id/cancel", s.handleCancel)
	}

	engine.GET("/healthz", s.handleHealth)

	s.engine = engine

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Infof("listening on %s", s.cfg.ListenAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
