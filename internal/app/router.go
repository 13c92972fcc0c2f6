package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/loomworks-erp/loomworks-erp/internal/bom"
	"github.com/loomworks-erp/loomworks-erp/internal/dispatch"
	"github.com/loomworks-erp/loomworks-erp/internal/ledger"
	"github.com/loomworks-erp/loomworks-erp/internal/observability"
	"github.com/loomworks-erp/loomworks-erp/internal/orders"
	"github.com/loomworks-erp/loomworks-erp/internal/requisition"
	"github.com/loomworks-erp/loomworks-erp/internal/routing"
	"github.com/loomworks-erp/loomworks-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	OrdersHandler      *orders.Handler
	DispatchHandler    *dispatch.Handler
	RoutingHandler     *routing.Handler
	LedgerHandler      *ledger.Handler
	CatalogHandler     *bom.Handler
	RequisitionHandler *requisition.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
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

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/orders", params.OrdersHandler.MountRoutes)
		r.Route("/dispatch", params.DispatchHandler.MountRoutes)
		r.Route("/routing", params.RoutingHandler.MountRoutes)
		r.Route("/stock", params.LedgerHandler.MountRoutes)
		r.Route("/catalog", params.CatalogHandler.MountRoutes)
		r.Route("/requisitions", params.RequisitionHandler.MountRoutes)
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
