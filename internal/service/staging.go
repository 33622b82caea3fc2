package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/dedup"
	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/normalize"
	"github.com/boddenberg/ledger-ingest-go/internal/port"
	"github.com/boddenberg/ledger-ingest-go/internal/rules"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var stagingTracer = otel.Tracer("service/staging")

// ============================================================
// Exclusion rules
// ============================================================

var excludedPrimary = map[string]bool{
	"TRANSFER":           true,
	"TRANSFER_IN":        true,
	"TRANSFER_OUT":       true,
	"INTERNAL_TRANSFER":  true,
	"LOAN_PAYMENTS":      true,
	"BANK_FEES_ATM_FEES": true,
}

var excludedDetailed = map[string]bool{
	"LOAN_PAYMENTS_CREDIT_CARD_PAYMENT": true,
	"TRANSFER_CREDIT":                   true,
	"TRANSFER_DEBIT":                    true,
}

var boilerplateNames = []string{
	"PAYMENT RECEIVED - THANK YOU",
}

// hintKey upper-cases a coarse category hint and joins its words with
// underscores, so "internal transfer" and "INTERNAL_TRANSFER" compare equal.
func hintKey(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// exclusionReason returns the reason a record is kept out of the ledger, or
// "" when it should be categorized normally.
func exclusionReason(raw domain.RawTransaction) string {
	if p := hintKey(raw.CategoryPrimary); excludedPrimary[p] {
		return "category_" + strings.ToLower(p)
	}
	if excludedDetailed[hintKey(raw.CategoryDetailed)] {
		return domain.ReasonCreditCardPayment
	}
	name := strings.ToUpper(raw.Name)
	for _, b := range boilerplateNames {
		if strings.Contains(name, b) {
			return domain.ReasonCustomRule
		}
	}
	return ""
}

// ============================================================
// Staging pipeline
// ============================================================

// Window is an inclusive purchase-date range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether d falls on or between the window's days.
func (w *Window) Contains(d time.Time) bool {
	if w == nil {
		return true
	}
	day := truncateDay(d)
	return !day.Before(truncateDay(w.Start)) && !day.After(truncateDay(w.End))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StagingService turns raw aggregator records into staged rows with a status
// and a suggested category.
type StagingService struct {
	store         port.Store
	categorizer   *Categorizer
	reconciler    *Reconciler
	defaultSource string
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// NewStagingService creates a new staging service. Accounts seen for the first
// time are created with defaultSource.
func NewStagingService(store port.Store, categorizer *Categorizer, reconciler *Reconciler, defaultSource string, metrics *observability.Metrics, logger *zap.Logger) *StagingService {
	return &StagingService{
		store:         store,
		categorizer:   categorizer,
		reconciler:    reconciler,
		defaultSource: defaultSource,
		metrics:       metrics,
		logger:        logger,
	}
}

// StageRequest is one batch of records for a session.
type StageRequest struct {
	SessionID     string
	Records       []domain.RawTransaction
	Window        *Window
	AccountFilter []string

	// Rejected are records the source could not decode. They count as
	// fetched and skipped and are reported in the summary.
	Rejected []domain.RowError
}

// Stage hashes, classifies and persists a batch, then reconciles pending
// records against their posted replacements. The batch is written in one
// call, so a failure leaves nothing of it staged.
func (s *StagingService) Stage(ctx context.Context, req StageRequest) (domain.ImportSummary, error) {
	ctx, span := stagingTracer.Start(ctx, "StagingService.Stage")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int("records.count", len(req.Records)),
	)

	start := time.Now()
	defer func() { s.metrics.RecordDuration("stage", time.Since(start)) }()

	var summary domain.ImportSummary
	summary.Fetched = len(req.Records) + len(req.Rejected)
	summary.Skipped = len(req.Rejected)
	summary.Errors = append(summary.Errors, req.Rejected...)

	matcher, err := s.categorizer.Matcher(ctx)
	if err != nil {
		return summary, err
	}

	filter := make(map[string]bool, len(req.AccountFilter))
	for _, id := range req.AccountFilter {
		filter[id] = true
	}
	accounts := make(map[string]*domain.Account)

	rows := make([]domain.StagedTransaction, 0, len(req.Records))
	for _, raw := range req.Records {
		if len(filter) > 0 && !filter[raw.AccountID] {
			summary.Skipped++
			continue
		}
		acct, ok := accounts[raw.AccountID]
		if !ok {
			acct, err = s.store.EnsureAccount(ctx, raw.AccountID, s.defaultSource)
			if err != nil {
				return summary, err
			}
			accounts[raw.AccountID] = acct
		}
		if !acct.EnabledForImport {
			summary.Skipped++
			continue
		}

		purchase := raw.PurchaseDate()
		if purchase == nil {
			summary.Skipped++
			summary.Errors = append(summary.Errors, domain.RowError{
				RecordID: raw.ExternalID, Field: "date", Message: "missing purchase date",
			})
			continue
		}
		if !req.Window.Contains(*purchase) {
			summary.OutsideWindow++
			continue
		}

		row, err := s.stageOne(ctx, matcher, req.SessionID, acct, raw, *purchase)
		if err != nil {
			return summary, err
		}
		summary.Count(row.Status)
		rows = append(rows, row)
	}

	if len(rows) > 0 {
		if err := s.store.InsertStaged(ctx, rows); err != nil {
			return summary, err
		}
	}
	for _, st := range []domain.StagingStatus{domain.StatusReady, domain.StatusNeedsCategory, domain.StatusExcluded, domain.StatusDuplicate} {
		s.metrics.AddStaged(string(st), countStatus(rows, st))
	}

	superseded, err := s.reconciler.Reconcile(ctx, req.SessionID)
	if err != nil {
		return summary, err
	}
	summary.Superseded += superseded

	s.logger.Info("batch staged",
		zap.String("session_id", req.SessionID),
		zap.Int("fetched", summary.Fetched),
		zap.Int("staged", summary.Total),
		zap.Int("ready", summary.Ready),
		zap.Int("needs_category", summary.NeedsCategory),
		zap.Int("excluded", summary.Excluded),
		zap.Int("duplicate", summary.Duplicate),
		zap.Int("outside_window", summary.OutsideWindow),
		zap.Int("row_errors", len(summary.Errors)),
	)
	s.metrics.AddRowErrors("aggregator", len(summary.Errors))
	return summary, nil
}

func (s *StagingService) stageOne(ctx context.Context, matcher *rules.Matcher, sessionID string, acct *domain.Account, raw domain.RawTransaction, purchase time.Time) (domain.StagedTransaction, error) {
	merchantNorm := normalize.Merchant(raw.MerchantName, raw.Name)
	descNorm := normalize.Description(raw.Name)

	currency := raw.Currency
	if currency == "" {
		currency = acct.Currency
	}
	snapshot, _ := json.Marshal(raw)

	row := domain.StagedTransaction{
		ID:                   uuid.NewString(),
		SessionID:            sessionID,
		ExternalID:           raw.ExternalID,
		PendingTransactionID: raw.PendingTransactionID,
		AccountID:            acct.ID,
		Date:                 purchase,
		AuthorizedDate:       raw.AuthorizedDate,
		Name:                 raw.Name,
		MerchantName:         raw.MerchantName,
		Amount:               raw.Amount,
		Currency:             currency,
		CategoryPrimary:      raw.CategoryPrimary,
		CategoryDetailed:     raw.CategoryDetailed,
		HashKey:              dedup.ContentHash(acct.ID, purchase, raw.Amount, dedup.Identifier(merchantNorm, descNorm)),
		RawJSON:              snapshot,
	}

	dup, err := s.store.ExistsByContent(ctx, purchase, raw.Amount.Abs(), descNorm)
	if err != nil {
		return row, err
	}
	if dup {
		row.Status = domain.StatusDuplicate
		return row, nil
	}

	if reason := exclusionReason(raw); reason != "" {
		row.Status = domain.StatusExcluded
		row.ExcludeReason = reason
		return row, nil
	}

	sug, err := s.categorizer.suggestWith(ctx, matcher, suggestInputFor(acct.Source, raw.MerchantName, raw.Name))
	if err != nil {
		return row, err
	}
	if sug != nil {
		row.Category = sug.Category
		row.Status = domain.StatusReady
	} else {
		row.Status = domain.StatusNeedsCategory
	}
	return row, nil
}

// suggestInputFor builds categorizer input the same way the commit engine
// writes ledger text, so raw history lookups compare like with like.
func suggestInputFor(source, merchantName, name string) SuggestInput {
	merchantRaw := merchantName
	if merchantRaw == "" {
		merchantRaw = name
	}
	return SuggestInput{
		Source:         source,
		MerchantRaw:    merchantRaw,
		DescriptionRaw: name,
		MerchantNorm:   normalize.Merchant(merchantName, name),
		DescNorm:       normalize.Description(name),
	}
}

func countStatus(rows []domain.StagedTransaction, st domain.StagingStatus) int {
	n := 0
	for _, r := range rows {
		if r.Status == st {
			n++
		}
	}
	return n
}
