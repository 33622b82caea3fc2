package service

import (
	"context"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ledgerTracer = otel.Tracer("service/ledger")

const defaultUnmappedLimit = 50

// LedgerService reads the ledger and applies in-place category amendments.
type LedgerService struct {
	store   port.Store
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewLedgerService creates a new ledger service.
func NewLedgerService(store port.Store, metrics *observability.Metrics, logger *zap.Logger) *LedgerService {
	return &LedgerService{store: store, metrics: metrics, logger: logger}
}

// List returns live ledger rows matching the filter, oldest first.
func (s *LedgerService) List(ctx context.Context, f port.LedgerFilter) ([]domain.LedgerTransaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.List")
	defer span.End()
	return s.store.ListLedger(ctx, f)
}

// AmendCategory changes the category of one committed row. Amount, dates and
// dedup hash stay as committed.
func (s *LedgerService) AmendCategory(ctx context.Context, id string, ref domain.CategoryRef) (*domain.LedgerTransaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.AmendCategory")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.id", id))

	row, err := s.store.GetLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Deleted {
		return nil, &domain.ErrNotFound{Resource: "ledger transaction", ID: id}
	}
	if err := validateCategoryRef(ctx, s.store, ref); err != nil {
		return nil, err
	}
	if err := s.store.UpdateCategory(ctx, id, &ref); err != nil {
		return nil, err
	}

	s.logger.Info("ledger category amended",
		zap.String("ledger_id", id),
		zap.String("category_id", ref.CategoryID),
		zap.String("subcategory_id", ref.SubcategoryID),
	)
	return s.store.GetLedger(ctx, id)
}

// UnmappedMerchants lists uncategorized expense merchants, most frequent first.
func (s *LedgerService) UnmappedMerchants(ctx context.Context, limit int) ([]domain.UnmappedMerchant, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.UnmappedMerchants")
	defer span.End()

	if limit <= 0 {
		limit = defaultUnmappedLimit
	}
	return s.store.UnmappedMerchants(ctx, limit)
}
