package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelai/acctproxy/internal/auth"
	"github.com/kestrelai/acctproxy/internal/config"
	"github.com/kestrelai/acctproxy/internal/ratelimit"
	"github.com/kestrelai/acctproxy/internal/relay"
	"github.com/kestrelai/acctproxy/internal/store"
	"github.com/kestrelai/acctproxy/internal/transport"
)

// Server is the proxy's HTTP server: the authenticated /v1/messages relay
// endpoint plus a health check. Account/user administration is out of
// scope (spec.md's distillation targets the proxy engine, not the
// operator dashboard), so this is deliberately narrower than the
// teacher's server.
type Server struct {
	cfg            *config.Config
	backend        *store.SQLiteStore
	authMw         *auth.Middleware
	rateLimit      *ratelimit.Manager
	relay          *relay.Relay
	transportMgr   *transport.Manager
	metricsHandler http.Handler // nil if metrics are disabled
	httpServer     *http.Server
	version        string
	startTime      time.Time
}

func New(cfg *config.Config, backend *store.SQLiteStore, authMw *auth.Middleware, rl *ratelimit.Manager, r *relay.Relay, tm *transport.Manager, metricsHandler http.Handler, version string) *Server {
	srv := &Server{
		cfg:            cfg,
		backend:        backend,
		authMw:         authMw,
		rateLimit:      rl,
		relay:          r,
		transportMgr:   tm,
		metricsHandler: metricsHandler,
		version:        version,
		startTime:      time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.authMw.Authenticate

	mux.Handle("POST /v1/messages", auth(http.HandlerFunc(s.relay.Handle)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.backend.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s","uptime_s":%d}`, s.version, int64(time.Since(s.startTime).Seconds()))
	})

	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.rateLimit.RunCleanup(ctx, 5*time.Minute)
	go s.transportMgr.RunCleanup(ctx, s.cfg.TransportCleanupInterval, s.cfg.TransportIdleTimeout)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		s.transportMgr.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestLogger logs all incoming HTTP requests for debugging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
