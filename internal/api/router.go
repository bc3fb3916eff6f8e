package api

import (
	"net/http"

	"github.com/bcnelson/fellowship/internal/api/handler"
	"github.com/bcnelson/fellowship/internal/api/middleware"
	"github.com/bcnelson/fellowship/internal/metrics"
	"github.com/bcnelson/fellowship/internal/service"
	"github.com/bcnelson/fellowship/internal/storage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig carries the router's dependencies. Verifier, Metrics and
// Gatherer are optional.
type RouterConfig struct {
	Store        storage.Storage
	Service      *service.MembershipService
	Verifier     middleware.TokenVerifier
	BootstrapKey string
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(cfg.Logger, cfg.Metrics))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes (auth required, JSON Content-Type)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Use(middleware.Auth(cfg.Store, cfg.Verifier, cfg.BootstrapKey, cfg.Logger))

		// Profiles
		profileHandler := handler.NewProfileHandler(cfg.Store, cfg.Logger)
		r.Get("/me", profileHandler.Me)
		r.Post("/profiles", profileHandler.Create)
		r.Get("/profiles/{id}", profileHandler.Get)

		// API Keys
		keyHandler := handler.NewAPIKeyHandler(cfg.Store)
		r.Post("/keys", keyHandler.Create)
		r.Get("/keys", keyHandler.List)
		r.Delete("/keys/{id}", keyHandler.Delete)

		// Groups
		groupHandler := handler.NewGroupHandler(cfg.Service)
		membershipHandler := handler.NewMembershipHandler(cfg.Service)
		r.Post("/groups", groupHandler.Create)
		r.Get("/groups", groupHandler.List)
		r.Route("/groups/{id}", func(r chi.Router) {
			r.Get("/", groupHandler.Get)
			r.Post("/approve", groupHandler.Approve)
			r.Post("/decline", groupHandler.Decline)
			r.Post("/close", groupHandler.Close)

			// Memberships
			r.Get("/members", membershipHandler.Members)
			r.Get("/members/{user_id}", membershipHandler.Get)
			r.Post("/join", membershipHandler.Join)
			r.Post("/leave", membershipHandler.Leave)
		})

		r.Get("/users/{user_id}/groups", membershipHandler.UserGroups)
	})

	return r
}
