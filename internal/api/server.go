package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/monitor"
	"MarketPulse/internal/pipeline"
	"MarketPulse/internal/state"
)

const maxStatusLimit = 200

// Deps are the components the HTTP surface reads from. Pipeline may be nil.
type Deps struct {
	Monitor  *monitor.Monitor
	Store    *state.Store
	Pipeline *pipeline.Pipeline
}

// Server exposes read-only pipeline status over HTTP.
type Server struct {
	deps   Deps
	addr   string
	log    *logrus.Entry
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the gin router. mode is a gin mode ("release", "debug",
// "test"); empty means release.
func NewServer(addr, mode string, deps Deps, log *logrus.Entry) *Server {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	s := &Server{deps: deps, addr: addr, log: logger.OrDiscard(log)}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	s.Register(r)
	s.engine = r
	return s
}

// Register mounts the routes on r.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/healthz", s.health)

	p := r.Group("/pipeline")
	p.GET("/status", s.status)

	sym := r.Group("/symbols")
	sym.GET("", s.symbols)
	sym.GET("/:symbol/snapshot", s.snapshot)
}

// Handler returns the gin engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
			"took":   time.Since(start).Round(time.Microsecond),
		}).Debug("http request")
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithField("addr", s.addr).Info("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	limit := 10
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(c, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = min(n, maxStatusLimit)
	}
	var meta map[string]any
	if s.deps.Pipeline != nil {
		meta = map[string]any{"outbox": s.deps.Pipeline.Stats()}
	}
	Ok(c, s.deps.Monitor.FullStatus(limit), meta)
}

func (s *Server) symbols(c *gin.Context) {
	syms := s.deps.Store.TrackedSymbols()
	Ok(c, syms, map[string]any{"count": len(syms)})
}

func (s *Server) snapshot(c *gin.Context) {
	sym := strings.ToUpper(c.Param("symbol"))
	snap, ok := s.deps.Store.Snapshot(sym)
	if !ok {
		Error(c, http.StatusNotFound, "no data for "+sym, nil)
		return
	}
	Ok(c, snap, nil)
}
