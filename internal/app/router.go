package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/veriaccess/veriaccess/internal/access"
	"github.com/veriaccess/veriaccess/internal/identity"
	"github.com/veriaccess/veriaccess/internal/observability"
	"github.com/veriaccess/veriaccess/internal/occupancy"
	"github.com/veriaccess/veriaccess/internal/parking"
	"github.com/veriaccess/veriaccess/internal/visitor"
	"github.com/veriaccess/veriaccess/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	IdentityHandler  *identity.Handler
	AccessHandler    *access.Handler
	OccupancyHandler *occupancy.Handler
	ParkingHandler   *parking.Handler
	VisitorHandler   *visitor.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config != nil && !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", params.IdentityHandler.MountAuthRoutes)
		r.Route("/cards", params.IdentityHandler.MountCardRoutes)
		r.Route("/access", func(r chi.Router) {
			r.Group(params.AccessHandler.MountAttemptRoutes)
			r.Group(params.AccessHandler.MountRoutes)
		})
		r.Route("/occupancy", params.OccupancyHandler.MountRoutes)
		r.Route("/parking", params.ParkingHandler.MountRoutes)
		r.Route("/visitors", params.VisitorHandler.MountRoutes)
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
