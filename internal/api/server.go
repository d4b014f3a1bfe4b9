// Package api provides the HTTP server for mailrelay: the Pub/Sub push
// endpoint plus operational endpoints for the watch subscription and the
// email log.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/aklimov/mailrelay/internal/config"
	"github.com/aklimov/mailrelay/internal/relay"
	"github.com/aklimov/mailrelay/internal/store"
	"github.com/aklimov/mailrelay/internal/watch"
)

// reconcileTimeout bounds one background reconciliation pass.
const reconcileTimeout = 5 * time.Minute

// Processor runs one reconciliation pass for a pushed cursor.
type Processor interface {
	Process(ctx context.Context, account, historyID string) (*relay.Result, error)
}

// WatchManager defines the subscription operations the API needs.
type WatchManager interface {
	Renew(ctx context.Context) (*watch.Subscription, error)
	Stop(ctx context.Context) error
	Current(ctx context.Context) (*watch.Status, error)
}

// EmailStore reads back logged deliveries.
type EmailStore interface {
	RecentEmails(account string, limit int) ([]store.EmailRecord, error)
}

// Server represents the HTTP server.
type Server struct {
	cfg         *config.Config
	processor   Processor
	watcher     WatchManager
	emails      EmailStore
	verifier    PushVerifier
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter

	// tracks in-flight background reconciliations so shutdown can drain
	reconciles sync.WaitGroup
}

// NewServer creates the server. A nil verifier disables push authentication.
func NewServer(cfg *config.Config, processor Processor, watcher WatchManager, emails EmailStore, verifier PushVerifier, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		processor: processor,
		watcher:   watcher,
		emails:    emails,
		verifier:  verifier,
		logger:    logger,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	s.rateLimiter = NewRateLimiter(10, 20)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	// Pub/Sub push delivery, authenticated by OIDC token rather than API key
	r.Post("/email-notify", s.handleEmailNotify)

	// Operational endpoints (API key required)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/renew-watch", s.handleRenewWatch)
		r.Post("/stop-watch", s.handleStopWatch)
		r.Get("/watch-status", s.handleWatchStatus)
		r.Get("/emails", s.handleListEmails)
	})

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.Port))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("operational endpoints running without authentication — set [server] api_key in config.toml")
	}
	if s.verifier == nil {
		s.logger.Warn("push endpoint running without OIDC verification — set [pubsub] push_audience in config.toml")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// reconciliations up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.reconciles.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with reconciliations in flight")
	}
	return err
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// WaitReconciles blocks until background reconciliations finish, for tests.
func (s *Server) WaitReconciles() {
	s.reconciles.Wait()
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key on operational endpoints.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key configured
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			authHeader = r.Header.Get("X-API-Key")
		}
		if token := bearerToken(authHeader); token != "" {
			authHeader = token
		}

		if subtle.ConstantTimeCompare([]byte(authHeader), []byte(s.cfg.Server.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
