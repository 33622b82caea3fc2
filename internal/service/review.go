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

var reviewTracer = otel.Tracer("service/review")

// ReviewService applies human review actions to staged rows.
type ReviewService struct {
	store       port.Store
	categorizer *Categorizer
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewReviewService creates a new review service.
func NewReviewService(store port.Store, categorizer *Categorizer, metrics *observability.Metrics, logger *zap.Logger) *ReviewService {
	return &ReviewService{store: store, categorizer: categorizer, metrics: metrics, logger: logger}
}

// List returns a session's staged rows, optionally filtered by status.
func (s *ReviewService) List(ctx context.Context, sessionID string, statuses []domain.StagingStatus) ([]domain.StagedTransaction, error) {
	ctx, span := reviewTracer.Start(ctx, "ReviewService.List")
	defer span.End()

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if !st.Valid() {
			return nil, &domain.ErrValidation{Field: "status", Message: "unknown status " + string(st)}
		}
	}
	return s.store.ListStaged(ctx, sessionID, statuses)
}

// AssignCategory sets a category on one staged row and marks it ready. Other
// reviewable rows with exactly the same raw merchant and name receive the same
// category. It returns the number of rows updated.
func (s *ReviewService) AssignCategory(ctx context.Context, stagedID string, ref domain.CategoryRef) (int, error) {
	ctx, span := reviewTracer.Start(ctx, "ReviewService.AssignCategory")
	defer span.End()
	span.SetAttributes(attribute.String("staged.id", stagedID))

	if err := s.validateRef(ctx, ref); err != nil {
		return 0, err
	}
	row, err := s.store.GetStaged(ctx, stagedID)
	if err != nil {
		return 0, err
	}
	if row.Status.Terminal() || row.Status == domain.StatusExcluded {
		return 0, &domain.ErrInvalidTransition{ID: row.ID, From: row.Status, Action: "categorize"}
	}
	if err := s.setCategory(ctx, row, ref); err != nil {
		return 0, err
	}
	updated := 1

	peers, err := s.store.FindByRawPair(ctx, row.MerchantName, row.Name,
		[]domain.StagingStatus{domain.StatusNeedsCategory, domain.StatusReady})
	if err != nil {
		return updated, err
	}
	for i := range peers {
		if peers[i].ID == row.ID || peers[i].Category.Equal(&ref) {
			continue
		}
		if err := s.setCategory(ctx, &peers[i], ref); err != nil {
			return updated, err
		}
		updated++
	}

	s.logger.Info("category assigned",
		zap.String("staged_id", stagedID),
		zap.String("category_id", ref.CategoryID),
		zap.Int("rows_updated", updated),
	)
	return updated, nil
}

// BulkCategorize assigns one category to each listed row without propagation.
// Rows that cannot take a category are left untouched and not counted.
func (s *ReviewService) BulkCategorize(ctx context.Context, stagedIDs []string, ref domain.CategoryRef) (int, error) {
	ctx, span := reviewTracer.Start(ctx, "ReviewService.BulkCategorize")
	defer span.End()

	if err := s.validateRef(ctx, ref); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range stagedIDs {
		row, err := s.store.GetStaged(ctx, id)
		if err != nil {
			return n, err
		}
		if row.Status.Terminal() || row.Status == domain.StatusExcluded {
			continue
		}
		if err := s.setCategory(ctx, row, ref); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Toggle flips a row between excluded and reviewable. An excluded row returns
// to ready when it has a category and to needs_category otherwise.
func (s *ReviewService) Toggle(ctx context.Context, stagedID string) (*domain.StagedTransaction, error) {
	ctx, span := reviewTracer.Start(ctx, "ReviewService.Toggle")
	defer span.End()

	row, err := s.store.GetStaged(ctx, stagedID)
	if err != nil {
		return nil, err
	}
	switch {
	case row.Status.Terminal():
		return nil, &domain.ErrInvalidTransition{ID: row.ID, From: row.Status, Action: "toggle"}
	case row.Status == domain.StatusExcluded:
		row.Status = reviewStatus(row)
		row.ExcludeReason = ""
	default:
		row.Status = domain.StatusExcluded
		row.ExcludeReason = domain.ReasonManual
	}
	if err := s.store.UpdateStaged(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Approve moves ready and needs_category rows to approved and restores
// excluded rows to review. Terminal rows are skipped. It returns the number
// of rows changed.
func (s *ReviewService) Approve(ctx context.Context, sessionID string, stagedIDs []string) (int, error) {
	ctx, span := reviewTracer.Start(ctx, "ReviewService.Approve")
	defer span.End()

	n := 0
	for _, id := range stagedIDs {
		row, err := s.store.GetStaged(ctx, id)
		if err != nil {
			return n, err
		}
		if row.SessionID != sessionID {
			return n, &domain.ErrNotFound{Resource: "staged transaction", ID: id}
		}
		switch row.Status {
		case domain.StatusExcluded:
			row.Status = reviewStatus(row)
			row.ExcludeReason = ""
		case domain.StatusReady, domain.StatusNeedsCategory:
			row.Status = domain.StatusApproved
		default:
			continue
		}
		if err := s.store.UpdateStaged(ctx, row); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Remap re-runs categorization over a session's needs_category rows, e.g.
// after rules changed. It returns how many rows became ready.
func (s *ReviewService) Remap(ctx context.Context, sessionID string) (int, error) {
	ctx, span := reviewTracer.Start(ctx, "ReviewService.Remap")
	defer span.End()

	rows, err := s.store.ListStaged(ctx, sessionID, []domain.StagingStatus{domain.StatusNeedsCategory})
	if err != nil {
		return 0, err
	}
	s.categorizer.Invalidate()
	matcher, err := s.categorizer.Matcher(ctx)
	if err != nil {
		return 0, err
	}

	accounts := make(map[string]*domain.Account)
	n := 0
	for i := range rows {
		row := &rows[i]
		acct, ok := accounts[row.AccountID]
		if !ok {
			if acct, err = s.store.GetAccount(ctx, row.AccountID); err != nil {
				return n, err
			}
			accounts[row.AccountID] = acct
		}
		sug, err := s.categorizer.suggestWith(ctx, matcher, suggestInputFor(acct.Source, row.MerchantName, row.Name))
		if err != nil {
			return n, err
		}
		if sug == nil {
			continue
		}
		row.Category = sug.Category
		row.Status = domain.StatusReady
		if err := s.store.UpdateStaged(ctx, row); err != nil {
			return n, err
		}
		n++
	}

	span.SetAttributes(attribute.Int("remapped.count", n))
	s.logger.Info("session remapped", zap.String("session_id", sessionID), zap.Int("remapped", n), zap.Int("candidates", len(rows)))
	return n, nil
}

func (s *ReviewService) setCategory(ctx context.Context, row *domain.StagedTransaction, ref domain.CategoryRef) error {
	cp := ref
	row.Category = &cp
	if row.Status == domain.StatusNeedsCategory {
		row.Status = domain.StatusReady
	}
	return s.store.UpdateStaged(ctx, row)
}

func (s *ReviewService) validateRef(ctx context.Context, ref domain.CategoryRef) error {
	return validateCategoryRef(ctx, s.store, ref)
}

func validateCategoryRef(ctx context.Context, store port.CategoryStore, ref domain.CategoryRef) error {
	if ref.CategoryID == "" {
		return &domain.ErrValidation{Field: "category_id", Message: "required"}
	}
	if _, err := store.GetCategory(ctx, ref.CategoryID); err != nil {
		return err
	}
	if ref.SubcategoryID != "" {
		sub, err := store.GetCategory(ctx, ref.SubcategoryID)
		if err != nil {
			return err
		}
		if sub.ParentID != ref.CategoryID {
			return &domain.ErrValidation{Field: "subcategory_id", Message: "not a subcategory of " + ref.CategoryID}
		}
	}
	return nil
}

func reviewStatus(row *domain.StagedTransaction) domain.StagingStatus {
	if row.Category != nil {
		return domain.StatusReady
	}
	return domain.StatusNeedsCategory
}
