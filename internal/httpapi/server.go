// Package httpapi exposes the scheduler over a small JSON API: schedule a
// job, read one back, list the set, health. Listener lifecycle supports
// config reload: Apply starts, moves, or stops the server as needed.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pushsched/internal/config"
	"pushsched/internal/sched"
	"pushsched/internal/storage"
	logx "pushsched/pkg/logx"
)

// Scheduler is the slice of the scheduler core the API needs.
type Scheduler interface {
	Schedule(ctx context.Context, req sched.Request) (sched.Result, error)
	Status(ctx context.Context, id string) (storage.Job, error)
	List(ctx context.Context, filter string) ([]storage.Job, error)
	NextAlarm() (time.Time, bool)
}

// Server manages the HTTP listener lifecycle.
type Server struct {
	mu    sync.Mutex
	log   logx.Logger
	core  Scheduler
	srv   *http.Server
	ln    net.Listener
	addr  string
	token string
	lim   *rate.Limiter
}

func New(core Scheduler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{core: core, log: log.With(logx.String("component", "httpapi"))}
}

// Apply starts or restarts the listener to match cfg. A zero Addr keeps the
// default loopback address. Safe to call repeatedly on config reload.
func (s *Server) Apply(ctx context.Context, cfg config.HTTPConfig) {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8686"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = cfg.Token
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		s.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	} else {
		s.lim = nil
	}

	if s.srv != nil && s.addr == addr {
		return
	}
	s.stopLocked(ctx)
	s.startLocked(cfg, addr)
}

func (s *Server) startLocked(cfg config.HTTPConfig, addr string) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  parseDur(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: parseDur(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  parseDur(cfg.IdleTimeout, time.Minute),
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", s.addr))
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("api stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the route table. Exposed so tests can drive the API
// without a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/schedule", s.guard(s.handleSchedule))
	mux.HandleFunc("/status", s.guard(s.handleStatus))
	mux.HandleFunc("/list", s.guard(s.handleList))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// guard applies rate limiting and bearer-token auth. Health stays open.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token, lim := s.token, s.lim
		s.mu.Unlock()

		if lim != nil && !lim.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != token {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		if s.log.Enabled(logx.LevelDebug) {
			s.log.Debug("request", logx.String("method", r.Method), logx.String("path", r.URL.Path))
		}
		next(w, r)
	}
}

// parseDur is lenient here: Validate already rejected malformed durations
// at load time, so a parse failure just falls back to the default.
func parseDur(raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault("http", raw, def)
	if err != nil {
		return def
	}
	return d
}
