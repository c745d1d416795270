// Package admin serves the HTTP surface for a running agentwire process:
// health, session status, metrics and an operator shutdown hook.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/agentwire/internal/observability"
	"github.com/danmuck/agentwire/internal/protocol/runner"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var ErrNoSession = errors.New("admin: no session tracked")

// Status is the /status payload.
type Status struct {
	Role          string   `json:"role"`
	Session       string   `json:"session"`
	Port          int      `json:"port"`
	Marker        string   `json:"eom_marker"`
	Connected     bool     `json:"connected"`
	Done          bool     `json:"done"`
	State         string   `json:"state"`
	TerminalCause string   `json:"terminal_cause,omitempty"`
	Listeners     []string `json:"listeners"`
	Restarts      int      `json:"restarts"`
}

type Server struct {
	ID   string
	Addr string

	router   *gin.Engine
	appeared time.Time

	mu       sync.RWMutex
	current  *runner.Runner
	restarts int
}

func New(id, addr string, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	s := &Server{
		ID:       id,
		Addr:     addr,
		router:   r,
		appeared: time.Now(),
	}
	r.Use(observability.AdminRequestLogger(log.Logger.With().Str("admin", id).Logger(), s.sessionRef))
	r.Use(observability.AdminRequestMetrics(s.sessionRef))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes()
	return s
}

// Track makes r the session reported by /status. Each call after the first
// counts as a restart.
func (s *Server) Track(r *runner.Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.restarts++
	}
	s.current = r
}

func (s *Server) sessionRef() (string, string) {
	s.mu.RLock()
	r := s.current
	s.mu.RUnlock()
	if r == nil {
		return "", ""
	}
	p := r.Protocol()
	return p.Role().String(), p.SessionID()
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.ID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/status", func(c *gin.Context) {
		st, err := s.Status()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	s.router.POST("/session/shutdown", func(c *gin.Context) {
		s.mu.RLock()
		r := s.current
		s.mu.RUnlock()
		if r == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrNoSession.Error()})
			return
		}
		r.ShutdownThread()
		log.Info().Str("session", r.Protocol().SessionID()).Msg("admin requested session shutdown")
		c.JSON(http.StatusAccepted, gin.H{"status": "shutting_down"})
	})
}

// Status snapshots the tracked session.
func (s *Server) Status() (Status, error) {
	s.mu.RLock()
	r := s.current
	restarts := s.restarts
	s.mu.RUnlock()
	if r == nil {
		return Status{}, ErrNoSession
	}
	p := r.Protocol()
	st := Status{
		Role:      p.Role().String(),
		Session:   p.SessionID(),
		Port:      p.Port(),
		Marker:    p.Marker().String(),
		Connected: p.IsConnected(),
		Done:      p.Done(),
		State:     r.State().String(),
		Listeners: p.Listeners().Names(),
		Restarts:  restarts,
	}
	if cause, ok := p.TerminalCause(); ok {
		st.TerminalCause = cause.String()
	}
	return st, nil
}

// Serve listens on Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Str("service", s.ID).Msg("admin server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
