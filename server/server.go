// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"ytcomment-notifier/pkg/notifier"
	"ytcomment-notifier/poll"
)

// Store interface for subscription management.
type Store interface {
	TokenFromEmail(email string) string
	LoadByEmail(ctx context.Context, email string) (*notifier.Subscription, error)
	LoadByToken(ctx context.Context, token string) (*notifier.Subscription, error)
	Save(ctx context.Context, sub *notifier.Subscription) error
	Delete(ctx context.Context, email string) error
	LoadVideo(ctx context.Context, token, videoID string) (*notifier.Video, error)
	DeleteVideo(ctx context.Context, token, videoID string) error
}

// Tracker adds and removes tracked videos.
type Tracker interface {
	Track(ctx context.Context, token, rawURL string) (*notifier.Video, error)
	Untrack(ctx context.Context, token, videoID string) error
}

// Emailer interface for sending welcome emails.
type Emailer interface {
	SendWelcome(ctx context.Context, sub *notifier.Subscription, video *notifier.Video) error
}

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) (*poll.TickReport, error)
}

// Server handles HTTP requests.
type Server struct {
	store    Store
	tracker  Tracker
	emailer  Emailer
	poller   Poller
	logger   *slog.Logger
	validate *validator.Validate
	limiter  *ipRateLimiter
}

// Config holds server configuration.
type Config struct {
	Store   Store
	Tracker Tracker
	Emailer Emailer
	Poller  Poller
	Logger  *slog.Logger

	// WriteLimit and WriteBurst bound per-IP subscribe and track requests.
	// Zero values allow 5 requests per hour.
	WriteLimit rate.Limit
	WriteBurst int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit, burst := cfg.WriteLimit, cfg.WriteBurst
	if limit == 0 {
		limit = rate.Every(12 * time.Minute)
	}
	if burst == 0 {
		burst = 5
	}
	return &Server{
		store:    cfg.Store,
		tracker:  cfg.Tracker,
		emailer:  cfg.Emailer,
		poller:   cfg.Poller,
		logger:   cfg.Logger,
		validate: validator.New(),
		limiter:  newIPRateLimiter(limit, burst),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(3 * time.Minute))

		r.With(s.rateLimit).Post("/subscribe", s.handleSubscribe)
		r.With(s.rateLimit).Post("/videos", s.handleTrack)

		r.Route("/subscriptions/{token}", func(r chi.Router) {
			r.Get("/", s.handleGetSubscription)
			r.Delete("/", s.handleUnsubscribe)
			r.Route("/videos/{videoID}", func(r chi.Router) {
				r.Get("/", s.handleGetVideo)
				r.Get("/comments", s.handleGetComments)
				r.Delete("/", s.handleUntrack)
			})
		})
	})

	return r
}

// Serve listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // /pollz runs a whole tick
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"ip", clientIP(r),
			"request_id", middleware.GetReqID(r.Context()),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}
