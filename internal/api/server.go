package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/flowpbx/rcschat/internal/api/middleware"
	"github.com/flowpbx/rcschat/internal/database"
	"github.com/flowpbx/rcschat/internal/sip"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Sessions originates and retries group chat sessions.
type Sessions interface {
	Originate(ctx context.Context, params sip.GroupChatParams) (*sip.OriginatingSession, error)
	Retry(ctx context.Context, contributionID string) (*sip.OriginatingSession, error)
}

// FeatureSettings reads and stores the messaging feature flags.
type FeatureSettings interface {
	Flags(ctx context.Context) map[string]bool
	SetFlag(ctx context.Context, key string, value bool) error
}

// Deps are the collaborators behind the HTTP API.
type Deps struct {
	Sessions Sessions
	Chats    database.GroupChatRepository
	Settings FeatureSettings
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
	Logger  *slog.Logger

	// APISecret signs operator bearer tokens. Every /api/v1 route except
	// health requires one; an empty secret locks those routes.
	APISecret []byte

	// RateLimit applies to every API route and OriginateLimit additionally
	// to origination and retry. Zero values select the defaults.
	RateLimit      middleware.RateLimitConfig
	OriginateLimit middleware.RateLimitConfig
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	sessions Sessions
	chats    database.GroupChatRepository
	settings FeatureSettings
	metrics  http.Handler
	logger   *slog.Logger
	secret   []byte

	limiter          *middleware.IPRateLimiter
	originateLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.RateLimit == (middleware.RateLimitConfig{}) {
		deps.RateLimit = middleware.DefaultRateLimitConfig()
	}
	if deps.OriginateLimit == (middleware.RateLimitConfig{}) {
		deps.OriginateLimit = middleware.OriginateRateLimitConfig()
	}

	s := &Server{
		router:           chi.NewRouter(),
		sessions:         deps.Sessions,
		chats:            deps.Chats,
		settings:         deps.Settings,
		metrics:          deps.Metrics,
		secret:           deps.APISecret,
		logger:           logger.With("subsystem", "api"),
		limiter:          middleware.NewIPRateLimiter(deps.RateLimit, logger),
		originateLimiter: middleware.NewIPRateLimiter(deps.OriginateLimit, logger),
	}

	s.routes(logger)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiters' background sweeps.
func (s *Server) Close() {
	s.limiter.Stop()
	s.originateLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(logger *slog.Logger) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Recoverer(logger))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIHeaders)
		r.Use(middleware.RateLimit(s.limiter))

		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireOperatorAuth(s.secret, logger))

			originate := middleware.RateLimit(s.originateLimiter)

			r.Route("/group-chats", func(r chi.Router) {
				r.Get("/", s.handleListGroupChats)
				r.With(originate).Post("/", s.handleCreateGroupChat)
				r.Route("/{contributionID}", func(r chi.Router) {
					r.Get("/", s.handleGetGroupChat)
					r.With(originate).Post("/retry", s.handleRetryGroupChat)
				})
			})

			r.Route("/settings", func(r chi.Router) {
				r.Get("/", s.handleGetSettings)
				r.Put("/", s.handleUpdateSettings)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	if len(s.secret) == 0 {
		s.logger.Warn("no api secret configured, control routes will reject every request")
	}
	s.logger.Info("api routes mounted", "metrics", s.metrics != nil)
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
