package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Services bundles the application services exposed over HTTP.
// A nil service leaves its routes unregistered.
type Services struct {
	Sync          *service.SyncService
	Review        *service.ReviewService
	Commit        *service.CommitService
	Imports       *service.ImportService
	Rules         *service.RuleService
	Ledger        *service.LedgerService
	Subscriptions *service.SubscriptionService
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuthConfig controls bearer-token checks on /v1.
type AuthConfig struct {
	Enabled bool
	Secret  string
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, db Pinger, auth AuthConfig, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(db, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		if auth.Enabled {
			r.Use(JWTAuthMiddleware([]byte(auth.Secret), logger))
		}

		// =============================================
		// Items, accounts and ingestion
		// =============================================
		if svc.Sync != nil {
			r.Get("/items", listItemsHandler(svc.Sync, logger))
			r.Post("/items", linkItemHandler(svc.Sync, logger))
			r.Post("/items/{itemId}/fetch", fetchRangeHandler(svc.Sync, logger))
			r.Post("/items/{itemId}/sync", syncDeltaHandler(svc.Sync, logger))
			r.Post("/sync", syncAllHandler(svc.Sync, logger))
			r.Put("/accounts/{accountId}/import", setAccountImportHandler(svc.Sync, logger))
			r.Get("/sessions/{sessionId}/audit", auditHandler(svc.Sync, logger))
		}
		if svc.Imports != nil {
			r.Post("/imports", importHandler(svc.Imports, logger))
		}

		// =============================================
		// Staging review and commit
		// =============================================
		if svc.Review != nil {
			r.Get("/sessions/{sessionId}/staged", listStagedHandler(svc.Review, logger))
			r.Post("/sessions/{sessionId}/approve", approveHandler(svc.Review, logger))
			r.Post("/sessions/{sessionId}/remap", remapHandler(svc.Review, logger))
			r.Put("/staged/{stagedId}/category", assignCategoryHandler(svc.Review, logger))
			r.Post("/staged/{stagedId}/toggle", toggleHandler(svc.Review, logger))
			r.Post("/staged/categorize", bulkCategorizeHandler(svc.Review, logger))
		}
		if svc.Commit != nil {
			r.Post("/sessions/{sessionId}/commit", commitHandler(svc.Commit, logger))
		}

		// =============================================
		// Mapping rules
		// =============================================
		if svc.Rules != nil {
			r.Get("/rules", listRulesHandler(svc.Rules, logger))
			r.Post("/rules", createRuleHandler(svc.Rules, logger))
			r.Post("/rules/derive", deriveRulesHandler(svc.Rules, logger))
			r.Put("/rules/{ruleId}", updateRuleHandler(svc.Rules, logger))
			r.Delete("/rules/{ruleId}", deleteRuleHandler(svc.Rules, logger))
			r.Post("/rules/{ruleId}/apply", applyRuleHandler(svc.Rules, logger))
		}

		// =============================================
		// Ledger and subscriptions
		// =============================================
		if svc.Ledger != nil {
			r.Get("/ledger", listLedgerHandler(svc.Ledger, logger))
			r.Get("/ledger/unmapped", unmappedMerchantsHandler(svc.Ledger, logger))
			r.Put("/ledger/{ledgerId}/category", amendCategoryHandler(svc.Ledger, logger))
		}
		if svc.Subscriptions != nil {
			r.Get("/subscriptions", subscriptionsHandler(svc.Subscriptions, logger))
		}
	})

	return r
}

// ============================================================
// Operational endpoints
// ============================================================

func healthzHandler(db Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)
		services := []domain.ServiceHealth{
			{Name: "ingest-api", Status: "healthy", LastChecked: now},
		}

		if db != nil {
			start := time.Now()
			err := db.Ping(r.Context())
			status := "healthy"
			if err != nil {
				logger.Warn("database ping failed", zap.Error(err))
				status = "degraded"
			}
			services = append(services, domain.ServiceHealth{
				Name: "postgres", Status: status, LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status != "healthy" {
				overallStatus = s.Status
			}
		}
		writeJSON(w, http.StatusOK, domain.HealthStatus{Status: overallStatus, Services: services})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
