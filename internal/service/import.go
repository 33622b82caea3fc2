package service

import (
	"context"
	"strings"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/dedup"
	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/normalize"
	"github.com/boddenberg/ledger-ingest-go/internal/port"
	"github.com/boddenberg/ledger-ingest-go/internal/rules"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var importTracer = otel.Tracer("service/import")

const incomeCategoryName = "Income"

// SheetKind tells whether a sheet's amounts are spending or earnings.
type SheetKind string

const (
	SheetExpense SheetKind = "expense"
	SheetIncome  SheetKind = "income"
)

// ImportRow is one parsed spreadsheet row. Date and Amount are nil when the
// source cell could not be parsed; ParseError carries the parser's message.
type ImportRow struct {
	Row         int              `json:"row"`
	Date        *time.Time       `json:"date,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Merchant    string           `json:"merchant,omitempty"`
	Description string           `json:"description"`
	Category    string           `json:"category,omitempty"`
	Subcategory string           `json:"subcategory,omitempty"`
	ParseError  string           `json:"parse_error,omitempty"`
}

// ImportSheet is a named group of rows of one kind.
type ImportSheet struct {
	Name string      `json:"name"`
	Kind SheetKind   `json:"kind"`
	Rows []ImportRow `json:"rows"`
}

// ImportRequest loads historical rows for one account directly into the ledger.
type ImportRequest struct {
	AccountID string        `json:"account_id"`
	Sheets    []ImportSheet `json:"sheets"`
	CreatedBy string        `json:"created_by,omitempty"`
}

// ImportResult summarises one bulk import.
type ImportResult struct {
	SessionID string            `json:"session_id"`
	Inserted  int               `json:"inserted"`
	Skipped   int               `json:"skipped"`
	Expenses  int               `json:"expenses"`
	Income    int               `json:"income"`
	Errors    []domain.RowError `json:"errors"`
}

// ImportService writes bulk-file rows into the ledger.
type ImportService struct {
	store       port.Store
	categorizer *Categorizer
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewImportService creates a new import service.
func NewImportService(store port.Store, categorizer *Categorizer, metrics *observability.Metrics, logger *zap.Logger) *ImportService {
	return &ImportService{store: store, categorizer: categorizer, metrics: metrics, logger: logger}
}

type importCandidate struct {
	txn  domain.LedgerTransaction
	kind SheetKind
}

// Import validates every row, resolves categories and inserts the valid rows
// in one transaction. Identity is the content hash only: a row whose hash is
// already in the ledger is skipped. Malformed rows are reported, never fatal.
func (s *ImportService) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	ctx, span := importTracer.Start(ctx, "ImportService.Import")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordDuration("import", time.Since(start)) }()

	acct, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	for _, sh := range req.Sheets {
		if sh.Kind != SheetExpense && sh.Kind != SheetIncome {
			return nil, &domain.ErrValidation{Field: "kind", Message: "sheet " + sh.Name + " must be expense or income"}
		}
	}

	sess := &domain.ImportSession{ID: uuid.NewString(), Mode: domain.ModeFile, CreatedBy: req.CreatedBy}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	matcher, err := s.categorizer.Matcher(ctx)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{SessionID: sess.ID, Errors: []domain.RowError{}}
	labels := newLabelResolver(s.store)
	var candidates []importCandidate
	fetched := 0
	for _, sh := range req.Sheets {
		for _, row := range sh.Rows {
			fetched++
			if rowErr := validateRow(sh.Name, row); rowErr != nil {
				result.Errors = append(result.Errors, *rowErr)
				continue
			}
			cat, err := s.resolveCategory(ctx, labels, matcher, sh.Kind, row)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, importCandidate{
				txn:  buildImported(acct, sess.ID, sh.Kind, row, cat),
				kind: sh.Kind,
			})
		}
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		result.Inserted, result.Skipped, result.Expenses, result.Income = 0, 0, 0, 0
		for i := range candidates {
			ok, err := tx.Insert(ctx, &candidates[i].txn)
			if err != nil {
				return err
			}
			if !ok {
				result.Skipped++
				continue
			}
			result.Inserted++
			if candidates[i].kind == SheetIncome {
				result.Income++
			} else {
				result.Expenses++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := domain.ImportSummary{
		Fetched:   fetched,
		Total:     result.Inserted,
		Duplicate: result.Skipped,
		Skipped:   len(result.Errors),
		Errors:    result.Errors,
	}
	if err := s.store.UpdateSessionResult(ctx, sess.ID, summary, ""); err != nil {
		return nil, err
	}

	s.metrics.AddRowErrors("import", len(result.Errors))
	s.metrics.AddCommitted("inserted", result.Inserted)
	s.metrics.AddCommitted("duplicate", result.Skipped)
	span.SetAttributes(
		attribute.Int("import.inserted", result.Inserted),
		attribute.Int("import.errors", len(result.Errors)),
	)
	s.logger.Info("bulk import finished",
		zap.String("session_id", sess.ID),
		zap.String("account_id", acct.ID),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped),
		zap.Int("row_errors", len(result.Errors)),
	)
	return result, nil
}

func validateRow(sheet string, row ImportRow) *domain.RowError {
	switch {
	case row.ParseError != "":
		return &domain.RowError{Sheet: sheet, Row: row.Row, Message: row.ParseError}
	case row.Date == nil:
		return &domain.RowError{Sheet: sheet, Row: row.Row, Field: "date", Message: "missing or unparseable date"}
	case row.Amount == nil:
		return &domain.RowError{Sheet: sheet, Row: row.Row, Field: "amount", Message: "missing or unparseable amount"}
	case strings.TrimSpace(row.Description) == "" && strings.TrimSpace(row.Merchant) == "":
		return &domain.RowError{Sheet: sheet, Row: row.Row, Field: "description", Message: "description or merchant is required"}
	}
	return nil
}

// resolveCategory prefers the sheet's own labels. Income rows always file
// under the Income category; expense rows without labels go through the rules.
func (s *ImportService) resolveCategory(ctx context.Context, labels *labelResolver, matcher *rules.Matcher, kind SheetKind, row ImportRow) (*domain.CategoryRef, error) {
	if kind == SheetIncome {
		return labels.resolve(ctx, incomeCategoryName, row.Category)
	}
	if strings.TrimSpace(row.Category) != "" {
		return labels.resolve(ctx, row.Category, row.Subcategory)
	}
	merchantNorm := normalize.Merchant(row.Merchant, row.Description)
	ref, _ := matcher.Match(merchantNorm, normalize.Description(row.Description))
	return ref, nil
}

func buildImported(acct *domain.Account, sessionID string, kind SheetKind, row ImportRow, cat *domain.CategoryRef) domain.LedgerTransaction {
	// Sheets hold unsigned amounts; convert to the aggregator convention first.
	raw := row.Amount.Abs()
	if kind == SheetIncome {
		raw = raw.Neg()
	}
	amount, txnType := LedgerAmount(raw)

	merchantRaw := strings.TrimSpace(row.Merchant)
	desc := strings.TrimSpace(row.Description)
	if desc == "" {
		desc = merchantRaw
	}
	if merchantRaw == "" {
		merchantRaw = desc
	}
	merchantNorm := normalize.Merchant(row.Merchant, desc)
	descNorm := normalize.Description(desc)

	return domain.LedgerTransaction{
		AccountID:      acct.ID,
		PostedDate:     *row.Date,
		Amount:         amount,
		Currency:       acct.Currency,
		MerchantRaw:    merchantRaw,
		DescriptionRaw: desc,
		MerchantNorm:   merchantNorm,
		DescNorm:       descNorm,
		Category:       cat,
		Source:         acct.Source,
		TxnType:        txnType,
		DedupHash:      dedup.ContentHash(acct.ID, *row.Date, raw, dedup.Identifier(merchantNorm, descNorm)),
		SessionID:      sessionID,
	}
}

// labelResolver maps category labels to refs, creating missing categories.
type labelResolver struct {
	store port.CategoryStore
	seen  map[string]*domain.CategoryRef
}

func newLabelResolver(store port.CategoryStore) *labelResolver {
	return &labelResolver{store: store, seen: make(map[string]*domain.CategoryRef)}
}

func (l *labelResolver) resolve(ctx context.Context, category, subcategory string) (*domain.CategoryRef, error) {
	category, subcategory = strings.TrimSpace(category), strings.TrimSpace(subcategory)
	key := strings.ToLower(category + "\x00" + subcategory)
	if ref, ok := l.seen[key]; ok {
		return ref, nil
	}

	parent, err := l.store.GetOrCreateCategory(ctx, category, "")
	if err != nil {
		return nil, err
	}
	ref := &domain.CategoryRef{CategoryID: parent.ID}
	if subcategory != "" {
		sub, err := l.store.GetOrCreateCategory(ctx, subcategory, parent.ID)
		if err != nil {
			return nil, err
		}
		ref.SubcategoryID = sub.ID
	}
	l.seen[key] = ref
	return ref, nil
}
