package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/smashbros/backoffice/internal/observability"
	reconcilehttp "github.com/smashbros/backoffice/internal/reconcile/http"
	snapshothttp "github.com/smashbros/backoffice/internal/snapshot/http"
	"github.com/smashbros/backoffice/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	SnapshotHandler  *snapshothttp.Handler
	ReconcileHandler *reconcilehttp.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with backoffice defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	token := ""
	if params.Config != nil {
		token = params.Config.APIToken
	}
	r.Group(func(r chi.Router) {
		r.Use(RequireAPIToken(token, params.Logger))
		if params.SnapshotHandler != nil {
			params.SnapshotHandler.MountRoutes(r)
		}
		if params.ReconcileHandler != nil {
			params.ReconcileHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
