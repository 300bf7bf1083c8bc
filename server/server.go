// Package server exposes the session manager over HTTP.
//
// Routes:
//
//	POST /start   connect and provision the agent, returns an observation
//	POST /step    run one script step, returns an observation
//	POST /stop    end the session
//	POST /pause   toggle world pause
//	GET  /status  session status and metric counters
//	GET  /metrics Prometheus exposition
//	GET  /events  websocket stream of step completion events
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/metrics"
	"github.com/pithecene-io/stepwise/session"
	"github.com/pithecene-io/stepwise/types"
)

// DefaultBodyLimit caps request bodies. Step programs can be large.
const DefaultBodyLimit = 50 << 20

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	Manager   *session.Manager
	Hub       *Hub
	Collector *metrics.Collector
	Logger    *log.Logger
	// BodyLimit caps request bodies. Zero means DefaultBodyLimit.
	BodyLimit int64
}

// Server is the HTTP control surface.
type Server struct {
	cfg    Config
	router *gin.Engine
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Session types.SessionStatus `json:"session"`
	Metrics metrics.Snapshot    `json:"metrics"`
	Version string              `json:"version"`
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = DefaultBodyLimit
	}
	s := &Server{cfg: cfg}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.limitBody())
	r.POST("/start", s.handleStart)
	r.POST("/step", s.handleStep)
	r.POST("/stop", s.handleStop)
	r.POST("/pause", s.handlePause)
	r.GET("/status", s.handleStatus)

	registry := prometheus.NewRegistry()
	if cfg.Collector != nil {
		registry.MustRegister(cfg.Collector)
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	if cfg.Hub != nil {
		r.GET("/events", cfg.Hub.Handle)
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	s.cfg.Logger.Info("control server listening", map[string]any{"addr": ln.Addr().String()})

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if s.cfg.Hub != nil {
		_ = s.cfg.Hub.Close()
	}
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.cfg.Logger.Debug("request", map[string]any{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.BodyLimit)
		}
		c.Next()
	}
}
