package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Items & accounts
// ============================================================

type linkItemRequest struct {
	ItemID      string `json:"item_id"`
	AccessToken string `json:"access_token"`
}

func linkItemHandler(svc *service.SyncService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/items")
		defer span.End()

		var req linkItemRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if err := svc.LinkItem(ctx, req.ItemID, req.AccessToken); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"item_id": req.ItemID})
	}
}

func listItemsHandler(svc *service.SyncService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/items")
		defer span.End()

		items, err := svc.ListItems(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func setAccountImportHandler(svc *service.SyncService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/accounts/{accountId}/import")
		defer span.End()

		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if req.Enabled == nil {
			writeError(w, http.StatusBadRequest, "enabled is required")
			return
		}
		accountID := chi.URLParam(r, "accountId")
		if err := svc.SetAccountImport(ctx, accountID, *req.Enabled); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ============================================================
// Fetch & sync
// ============================================================

type fetchRangeRequest struct {
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	AccountIDs []string `json:"account_ids,omitempty"`
}

func fetchRangeHandler(svc *service.SyncService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/items/{itemId}/fetch")
		defer span.End()

		itemID := chi.URLParam(r, "itemId")
		span.SetAttributes(attribute.String("item.id", itemID))

		var req fetchRangeRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		start, err := time.Parse(dateLayout, req.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		end, err := time.Parse(dateLayout, req.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}

		sess, err := svc.FetchRange(ctx, service.RangeRequest{
			ItemID:        itemID,
			Start:         start,
			End:           end,
			AccountFilter: req.AccountIDs,
			CreatedBy:     createdBy(r),
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func syncDeltaHandler(svc *service.SyncService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/items/{itemId}/sync")
		defer span.End()

		itemID := chi.URLParam(r, "itemId")
		span.SetAttributes(attribute.String("item.id", itemID))

		var req struct {
			AccountIDs []string `json:"account_ids,omitempty"`
		}
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		sess, err := svc.SyncDelta(ctx, itemID, req.AccountIDs)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func syncAllHandler(svc *service.SyncService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/sync")
		defer span.End()

		outcomes, err := svc.SyncAll(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, outcomes)
	}
}

func auditHandler(svc *service.SyncService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/sessions/{sessionId}/audit")
		defer span.End()

		audit, err := svc.Audit(ctx, chi.URLParam(r, "sessionId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, audit)
	}
}

// ============================================================
// Bulk import
// ============================================================

func importHandler(svc *service.ImportService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/imports")
		defer span.End()

		var req service.ImportRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if req.AccountID == "" {
			handleServiceError(w, &domain.ErrValidation{Field: "account_id", Message: "required"}, logger)
			return
		}
		if req.CreatedBy == "" {
			req.CreatedBy = createdBy(r)
		}
		res, err := svc.Import(ctx, req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// createdBy attributes sessions to the token subject when auth is on.
func createdBy(r *http.Request) string {
	if sub := SubjectFromContext(r.Context()); sub != "" {
		return sub
	}
	return "api"
}
