// Package server provides the HTTP server setup and wiring.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	badgesDomain "github.com/pendergraft/campusbridge/internal/badges/domain"
	badgesTransport "github.com/pendergraft/campusbridge/internal/badges/transport"
	"github.com/pendergraft/campusbridge/internal/config"
	"github.com/pendergraft/campusbridge/internal/middleware/logging"
	"github.com/pendergraft/campusbridge/internal/middleware/ratelimit"
	"github.com/pendergraft/campusbridge/internal/middleware/security"
	"github.com/pendergraft/campusbridge/internal/observability/metrics"
	operationsDomain "github.com/pendergraft/campusbridge/internal/operations/domain"
	operationsTransport "github.com/pendergraft/campusbridge/internal/operations/transport"
	projectsTransport "github.com/pendergraft/campusbridge/internal/projects/transport"
	proposalsDomain "github.com/pendergraft/campusbridge/internal/proposals/domain"
	proposalsTransport "github.com/pendergraft/campusbridge/internal/proposals/transport"
)

// bodySlack is allowed on top of the content limit for JSON framing and
// the operation envelope.
const bodySlack = 64 << 10

// Services are the domain services the server exposes.
type Services struct {
	Operations operationsDomain.Service
	Encoder    operationsTransport.Encoder
	Badges     badgesDomain.Service
	Proposals  proposalsDomain.Service
	Projects   projectsTransport.Reader
	Info       Info
}

// Info describes the deployment this bridge is bound to.
type Info struct {
	Service      string `json:"service"`
	Version      string `json:"version"`
	ChainID      int64  `json:"chainId"`
	Registry     string `json:"registry"`
	Badge        string `json:"badge"`
	Account      string `json:"account,omitempty"`
	ContentStore string `json:"contentStore"`
}

// Server is the HTTP server
type Server struct {
	cfg     *config.Config
	svcs    Services
	logger  *slog.Logger
	router  *chi.Mux
	limiter *ratelimit.RateLimiter
}

// New creates a new server
func New(cfg *config.Config, svcs Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		svcs:   svcs,
		logger: logger,
		router: chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the rate limiter's client table.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) setupMiddleware() {
	// Client IP first so the limiter and the access log see the real caller.
	if s.cfg.Proxy.TrustProxy {
		s.router.Use(middleware.RealIP)
	}

	s.router.Use(security.Filter)
	s.router.Use(security.BodyLimit(int64(s.cfg.Content.MaxBytes) + bodySlack))

	if s.cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(ratelimit.Config{
			Enabled:        true,
			RequestsPerMin: s.cfg.RateLimit.RequestsPerMin,
			BurstSize:      s.cfg.RateLimit.BurstSize,
			WritesPerMin:   s.cfg.RateLimit.WritesPerMin,
			MaxClients:     s.cfg.RateLimit.MaxClients,
			IdleMinutes:    s.cfg.RateLimit.IdleMinutes,
		})
		s.router.Use(s.limiter.Middleware())
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-Id")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleHealth)
	if metrics.Enabled() {
		s.router.Handle("/metrics", metrics.Handler())
	}

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	// Reads are bounded by the request timeout. Dispatch is bounded by the
	// dispatcher's own confirmation timeout instead.
	bounded := func(r chi.Router) {
		if d := time.Duration(s.cfg.Server.RequestTimeout) * time.Second; d > 0 {
			r.Use(middleware.Timeout(d))
		}
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", s.handleInfo)

		if s.svcs.Projects != nil {
			projects := projectsTransport.NewHandler(s.svcs.Projects, s.logger)
			r.Route("/projects", func(r chi.Router) {
				bounded(r)
				projects.RegisterReadRoutes(r)
			})
			r.Route("/tokens", func(r chi.Router) {
				bounded(r)
				projects.RegisterTokenRoutes(r)
			})
		}

		if s.svcs.Badges != nil {
			badges := badgesTransport.NewHandler(s.svcs.Badges, s.logger)
			r.Route("/badges", func(r chi.Router) {
				bounded(r)
				badges.RegisterReadRoutes(r)
			})
		}

		if s.svcs.Proposals != nil {
			proposals := proposalsTransport.NewHandler(s.svcs.Proposals, s.logger)
			r.Route("/proposals", func(r chi.Router) {
				proposals.RegisterReadRoutes(r)
				r.Group(func(r chi.Router) {
					r.Use(security.RequireJSON)
					proposals.RegisterWriteRoutes(r)
				})
			})
		}

		if s.svcs.Operations != nil && s.svcs.Encoder != nil {
			operations := operationsTransport.NewHandler(s.svcs.Operations, s.svcs.Encoder, s.logger)
			r.Route("/operations", func(r chi.Router) {
				operations.RegisterReadRoutes(r)
				r.Group(func(r chi.Router) {
					r.Use(security.RequireJSON)
					operations.RegisterWriteRoutes(r)
				})
			})
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svcs.Info)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
