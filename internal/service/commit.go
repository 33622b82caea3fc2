package service

import (
	"context"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/normalize"
	"github.com/boddenberg/ledger-ingest-go/internal/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var commitTracer = otel.Tracer("service/commit")

// LedgerAmount applies the ledger sign convention to an aggregator amount:
// outflows (positive) become negative expenses, everything else positive income.
func LedgerAmount(raw decimal.Decimal) (decimal.Decimal, domain.TxnType) {
	if raw.IsPositive() {
		return raw.Abs().Neg(), domain.TxnExpense
	}
	return raw.Abs(), domain.TxnIncome
}

// CommitService promotes reviewed staged rows into the ledger.
type CommitService struct {
	store   port.Store
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewCommitService creates a new commit service.
func NewCommitService(store port.Store, metrics *observability.Metrics, logger *zap.Logger) *CommitService {
	return &CommitService{store: store, metrics: metrics, logger: logger}
}

// Commit inserts the selected rows of a session into the ledger in one
// transaction. Rows already in the ledger, by external id or by content and
// category, are counted as skipped duplicates. Any other failure rolls back
// the whole batch.
func (s *CommitService) Commit(ctx context.Context, sessionID string, sel domain.CommitSelection) (*domain.CommitResult, error) {
	ctx, span := commitTracer.Start(ctx, "CommitService.Commit")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	start := time.Now()
	defer func() { s.metrics.RecordDuration("commit", time.Since(start)) }()

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	candidates, err := s.selectRows(ctx, sessionID, sel)
	if err != nil {
		return nil, err
	}

	result := &domain.CommitResult{}
	rows := make([]domain.StagedTransaction, 0, len(candidates))
	for _, r := range candidates {
		if r.Status.Committable() {
			rows = append(rows, r)
		} else {
			result.Ineligible++
		}
	}

	sources := make(map[string]string)
	for _, r := range rows {
		if _, ok := sources[r.AccountID]; ok {
			continue
		}
		acct, err := s.store.GetAccount(ctx, r.AccountID)
		if err != nil {
			return nil, err
		}
		sources[r.AccountID] = acct.Source
	}

	var inserted, skipped int
	err = s.store.InTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		inserted, skipped = 0, 0
		for i := range rows {
			ok, err := s.commitOne(ctx, tx, &rows[i], sources[rows[i].AccountID])
			if err != nil {
				return err
			}
			if ok {
				inserted++
			} else {
				skipped++
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("commit batch rolled back", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	result.Inserted = inserted
	result.SkippedDuplicates = skipped
	s.metrics.AddCommitted("inserted", result.Inserted)
	s.metrics.AddCommitted("duplicate", result.SkippedDuplicates)
	s.metrics.AddCommitted("ineligible", result.Ineligible)

	span.SetAttributes(
		attribute.Int("commit.inserted", result.Inserted),
		attribute.Int("commit.skipped", result.SkippedDuplicates),
	)
	s.logger.Info("session committed",
		zap.String("session_id", sessionID),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped_duplicates", result.SkippedDuplicates),
		zap.Int("ineligible", result.Ineligible),
	)
	return result, nil
}

func (s *CommitService) selectRows(ctx context.Context, sessionID string, sel domain.CommitSelection) ([]domain.StagedTransaction, error) {
	if len(sel.IDs) > 0 {
		out := make([]domain.StagedTransaction, 0, len(sel.IDs))
		for _, id := range sel.IDs {
			row, err := s.store.GetStaged(ctx, id)
			if err != nil {
				return nil, err
			}
			if row.SessionID != sessionID {
				return nil, &domain.ErrNotFound{Resource: "staged transaction", ID: id}
			}
			out = append(out, *row)
		}
		return out, nil
	}

	statuses := sel.Statuses
	if len(statuses) == 0 {
		statuses = []domain.StagingStatus{domain.StatusReady, domain.StatusApproved}
	}
	return s.store.ListStaged(ctx, sessionID, statuses)
}

func (s *CommitService) commitOne(ctx context.Context, tx port.LedgerTx, row *domain.StagedTransaction, source string) (bool, error) {
	exists, err := tx.ExistsByExternalID(ctx, row.ExternalID)
	if err != nil || exists {
		return false, err
	}

	descNorm := normalize.Description(row.Name)
	exists, err = tx.ExistsByContentAndCategory(ctx, row.Date, row.Amount.Abs(), descNorm, row.Category)
	if err != nil || exists {
		return false, err
	}

	amount, txnType := LedgerAmount(row.Amount)
	merchantRaw := row.MerchantName
	if merchantRaw == "" {
		merchantRaw = row.Name
	}
	return tx.Insert(ctx, &domain.LedgerTransaction{
		AccountID:      row.AccountID,
		ExternalID:     row.ExternalID,
		PostedDate:     row.Date,
		Amount:         amount,
		Currency:       row.Currency,
		MerchantRaw:    merchantRaw,
		DescriptionRaw: row.Name,
		MerchantNorm:   normalize.Merchant(row.MerchantName, row.Name),
		DescNorm:       descNorm,
		Category:       row.Category,
		Source:         source,
		TxnType:        txnType,
		DedupHash:      row.HashKey,
		SessionID:      row.SessionID,
	})
}
