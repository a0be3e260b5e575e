// Package server wires the HTTP API surface: the ambient health and
// version probes, an optional admin-signal endpoint, and the domain
// endpoints in front of the scheduler core and run recorder.
package server

import (
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/whirr/internal/errors"
	"github.com/3leaps/whirr/internal/metrics"
	"github.com/3leaps/whirr/internal/scheduler"
	"github.com/3leaps/whirr/internal/server/domain"
	"github.com/3leaps/whirr/internal/server/handlers"
	"github.com/3leaps/whirr/internal/server/middleware"
	whirrstore "github.com/3leaps/whirr/internal/store"
)

// Server is the API host process's HTTP surface. It is safe to construct
// with a nil store/scheduler for tests that only exercise the ambient
// routes (health, version, 404/405 behavior).
type Server struct {
	host   string
	port   int
	router chi.Router

	store     whirrstore.Store
	scheduler *scheduler.Scheduler
	logger    *zap.Logger

	promRegistry   *prometheus.Registry
	claimRateLimit float64
	runsRoot       string
}

// AttachMetrics mounts reg's /metrics endpoint on the router. Call before
// taking Handler; a nil reg leaves /metrics unmounted.
func (s *Server) AttachMetrics(reg *prometheus.Registry) {
	s.promRegistry = reg
	s.router = s.buildRouter()
}

// SetClaimRateLimit bounds /jobs/claim to limit requests/sec in aggregate.
// Zero (the default) disables limiting. Call before taking Handler.
func (s *Server) SetClaimRateLimit(limit float64) {
	s.claimRateLimit = limit
	s.router = s.buildRouter()
}

// SetRunsRoot tells POST /jobs where the worker will place each job's run
// directory, so the response can carry the reserved run_id/run_dir preview
// without waiting for a worker to claim the job. Multi-host deployments
// share this filesystem root across hosts.
func (s *Server) SetRunsRoot(root string) {
	s.runsRoot = root
	s.router = s.buildRouter()
}

// New builds a Server bound to host:port with no domain backend attached.
// Call Attach to wire a store/scheduler before serving domain traffic.
func New(host string, port int) *Server {
	s := &Server{host: host, port: port, logger: zap.NewNop()}
	s.router = s.buildRouter()
	return s
}

// Attach wires a storage backend and scheduler, enabling the domain routes,
// and rebuilds the router. Call before taking Handler.
func (s *Server) Attach(store whirrstore.Store, sched *scheduler.Scheduler, logger *zap.Logger) {
	s.store = store
	s.scheduler = sched
	if logger != nil {
		s.logger = logger
	}
	s.router = s.buildRouter()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NotFound("no such route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.New(apperrors.CodeMethodNotAllowed, "method not allowed"))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", s.versionHandler)

	if s.promRegistry != nil {
		r.Handle("/metrics", metrics.Handler(s.promRegistry))
	}

	if token := os.Getenv("WHIRR_ADMIN_TOKEN"); token != "" {
		s.registerAdminEndpoint(r, token)
	}

	if s.store != nil && s.scheduler != nil {
		domain.Register(r, &domain.Deps{
			Store:          s.store,
			Scheduler:      s.scheduler,
			Logger:         s.logger,
			ClaimRateLimit: s.claimRateLimit,
			RunsRoot:       s.runsRoot,
		})
	}

	return r
}

// currentVersion is set through SetVersion (serve passes the build
// version); until then it reads "dev".
var currentVersion = "dev"

// SetVersion overrides the string /version reports.
func SetVersion(v string) {
	if v != "" {
		currentVersion = v
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"version":%q}`, currentVersion)
}

func (s *Server) registerAdminEndpoint(r chi.Router, token string) {
	r.Post("/admin/signal", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Admin-Token") != token {
			apperrors.RespondWithError(w, req, apperrors.Forbidden("invalid admin token"))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// Handler returns the server's root http.Handler, for tests and for
// wrapping in an *http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the port the Server was constructed with.
func (s *Server) Port() int { return s.port }

// Addr returns the host:port this server listens on.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }
