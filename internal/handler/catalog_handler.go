package handler

import (
	"net/http"
	"strconv"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/port"
	"github.com/boddenberg/ledger-ingest-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Mapping rules
// ============================================================

func ruleViews(list []domain.MappingRule) []service.RuleView {
	out := make([]service.RuleView, 0, len(list))
	for _, r := range list {
		out = append(out, service.ViewOf(r))
	}
	return out
}

func listRulesHandler(svc *service.RuleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/rules")
		defer span.End()

		list, err := svc.List(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, ruleViews(list))
	}
}

func createRuleHandler(svc *service.RuleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/rules")
		defer span.End()

		var in service.RuleInput
		if err := decodeBody(r, &in); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		rule, err := svc.Create(ctx, in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, service.ViewOf(*rule))
	}
}

type updateRuleResponse struct {
	Rule    service.RuleView `json:"rule"`
	Updated int              `json:"updated"`
}

func updateRuleHandler(svc *service.RuleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/rules/{ruleId}")
		defer span.End()

		var in service.RuleInput
		if err := decodeBody(r, &in); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		rule, n, err := svc.Update(ctx, chi.URLParam(r, "ruleId"), in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, updateRuleResponse{Rule: service.ViewOf(*rule), Updated: n})
	}
}

func deleteRuleHandler(svc *service.RuleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/rules/{ruleId}")
		defer span.End()

		if err := svc.Delete(ctx, chi.URLParam(r, "ruleId")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func applyRuleHandler(svc *service.RuleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/rules/{ruleId}/apply")
		defer span.End()

		n, err := svc.ApplyToHistory(ctx, chi.URLParam(r, "ruleId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.CountResponse{Updated: n})
	}
}

func deriveRulesHandler(svc *service.RuleService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/rules/derive")
		defer span.End()

		created, err := svc.DeriveFromHistory(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, ruleViews(created))
	}
}

// ============================================================
// Ledger
// ============================================================

func listLedgerHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/ledger")
		defer span.End()

		q := r.URL.Query()
		from, err := parseDateParam(r, "from")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		to, err := parseDateParam(r, "to")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		f := port.LedgerFilter{From: from, To: to, TxnType: domain.TxnType(q.Get("type"))}
		if f.TxnType != "" && f.TxnType != domain.TxnExpense && f.TxnType != domain.TxnIncome {
			writeError(w, http.StatusBadRequest, "type must be expense or income")
			return
		}
		f.Uncategorized, _ = strconv.ParseBool(q.Get("uncategorized"))

		rows, err := svc.List(ctx, f)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		page, pageSize := parsePagination(r)
		writeJSON(w, http.StatusOK, paginate(rows, page, pageSize))
	}
}

func amendCategoryHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/ledger/{ledgerId}/category")
		defer span.End()

		var req categorizeRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		row, err := svc.AmendCategory(ctx, chi.URLParam(r, "ledgerId"), req.ref())
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, row)
	}
}

func unmappedMerchantsHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/ledger/unmapped")
		defer span.End()

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		list, err := svc.UnmappedMerchants(ctx, limit)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// ============================================================
// Subscriptions
// ============================================================

func subscriptionsHandler(svc *service.SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/subscriptions")
		defer span.End()

		since, err := parseDateParam(r, "since")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		report, err := svc.Detect(ctx, since)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
