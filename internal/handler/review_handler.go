package handler

import (
	"net/http"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Staging review
// ============================================================

type idsRequest struct {
	IDs []string `json:"ids"`
}

type categorizeRequest struct {
	IDs           []string `json:"ids,omitempty"`
	CategoryID    string   `json:"category_id"`
	SubcategoryID string   `json:"subcategory_id,omitempty"`
}

func (c categorizeRequest) ref() domain.CategoryRef {
	return domain.CategoryRef{CategoryID: c.CategoryID, SubcategoryID: c.SubcategoryID}
}

func listStagedHandler(svc *service.ReviewService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/sessions/{sessionId}/staged")
		defer span.End()

		sessionID := chi.URLParam(r, "sessionId")
		span.SetAttributes(attribute.String("session.id", sessionID))

		var statuses []domain.StagingStatus
		for _, s := range splitList(r.URL.Query().Get("status")) {
			statuses = append(statuses, domain.StagingStatus(s))
		}
		rows, err := svc.List(ctx, sessionID, statuses)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		page, pageSize := parsePagination(r)
		writeJSON(w, http.StatusOK, paginate(rows, page, pageSize))
	}
}

func assignCategoryHandler(svc *service.ReviewService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/staged/{stagedId}/category")
		defer span.End()

		var req categorizeRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		n, err := svc.AssignCategory(ctx, chi.URLParam(r, "stagedId"), req.ref())
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.CountResponse{Updated: n})
	}
}

func bulkCategorizeHandler(svc *service.ReviewService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/staged/categorize")
		defer span.End()

		var req categorizeRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		n, err := svc.BulkCategorize(ctx, req.IDs, req.ref())
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.CountResponse{Updated: n})
	}
}

func toggleHandler(svc *service.ReviewService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/staged/{stagedId}/toggle")
		defer span.End()

		row, err := svc.Toggle(ctx, chi.URLParam(r, "stagedId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, row)
	}
}

func approveHandler(svc *service.ReviewService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/sessions/{sessionId}/approve")
		defer span.End()

		var req idsRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		n, err := svc.Approve(ctx, chi.URLParam(r, "sessionId"), req.IDs)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.CountResponse{Updated: n})
	}
}

func remapHandler(svc *service.ReviewService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/sessions/{sessionId}/remap")
		defer span.End()

		n, err := svc.Remap(ctx, chi.URLParam(r, "sessionId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.CountResponse{Updated: n})
	}
}

// ============================================================
// Commit
// ============================================================

func commitHandler(svc *service.CommitService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/sessions/{sessionId}/commit")
		defer span.End()

		sessionID := chi.URLParam(r, "sessionId")
		span.SetAttributes(attribute.String("session.id", sessionID))

		var sel domain.CommitSelection
		if err := decodeBody(r, &sel); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		res, err := svc.Commit(ctx, sessionID, sel)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
