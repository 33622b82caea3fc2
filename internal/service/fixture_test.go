package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/cache"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/memstore"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/resilience"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/secret"
	"github.com/boddenberg/ledger-ingest-go/internal/normalize"
	"github.com/boddenberg/ledger-ingest-go/internal/port"
	"github.com/boddenberg/ledger-ingest-go/internal/recurring"
	"github.com/boddenberg/ledger-ingest-go/internal/rules"
	"github.com/boddenberg/ledger-ingest-go/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const testSource = "aggregator"

// --- Mocks ---

type fakeAggregator struct {
	mu sync.Mutex

	rangeRecords []domain.RawTransaction
	rangeRejects []domain.RowError
	rangeErr     error
	gotStart     time.Time
	gotEnd       time.Time

	// pages and pageErrs are keyed by token + "|" + cursor.
	pages    map[string]*domain.DeltaPage
	pageErrs map[string]error
	tokens   []string
}

func newFakeAggregator() *fakeAggregator {
	return &fakeAggregator{pages: map[string]*domain.DeltaPage{}, pageErrs: map[string]error{}}
}

func (f *fakeAggregator) FetchRange(_ context.Context, token string, start, end time.Time, _ []string) (*domain.RangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.gotStart, f.gotEnd = start, end
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	return &domain.RangeResult{Transactions: f.rangeRecords, Errors: f.rangeRejects}, nil
}

func (f *fakeAggregator) FetchDeltaPage(_ context.Context, token, cursor string, _ []string) (*domain.DeltaPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	key := token + "|" + cursor
	if err := f.pageErrs[key]; err != nil {
		return nil, err
	}
	if p, ok := f.pages[key]; ok {
		return p, nil
	}
	return &domain.DeltaPage{NextCursor: cursor}, nil
}

// --- Fixture ---

type fixture struct {
	store       *memstore.Store
	metrics     *observability.Metrics
	aggregator  *fakeAggregator
	categorizer *service.Categorizer
	staging     *service.StagingService
	review      *service.ReviewService
	commit      *service.CommitService
	sync        *service.SyncService
	imports     *service.ImportService
	rules       *service.RuleService
	ledger      *service.LedgerService
	subs        *service.SubscriptionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memstore.New())
}

func newFixtureWithStore(t *testing.T, store *memstore.Store) *fixture {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()

	sealer, err := secret.NewSealer(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}

	f := &fixture{store: store, metrics: metrics, aggregator: newFakeAggregator()}
	f.categorizer = service.NewCategorizer(store, store, cache.New[*rules.Matcher](time.Minute), metrics, logger)
	reconciler := service.NewReconciler(store, metrics, logger)
	f.staging = service.NewStagingService(store, f.categorizer, reconciler, testSource, metrics, logger)
	f.review = service.NewReviewService(store, f.categorizer, metrics, logger)
	f.commit = service.NewCommitService(store, metrics, logger)
	f.sync = service.NewSyncService(f.aggregator, store, f.staging, sealer, resilience.NewBulkhead(2), 5, metrics, logger)
	f.imports = service.NewImportService(store, f.categorizer, metrics, logger)
	f.rules = service.NewRuleService(store, f.categorizer, metrics, logger)
	f.ledger = service.NewLedgerService(store, metrics, logger)
	f.subs = service.NewSubscriptionService(store, recurring.NewDetector(recurring.DefaultConfig()), metrics, logger)
	return f
}

func (f *fixture) category(t *testing.T, name string) domain.CategoryRef {
	t.Helper()
	c, err := f.store.GetOrCreateCategory(context.Background(), name, "")
	if err != nil {
		t.Fatalf("category %s: %v", name, err)
	}
	return domain.CategoryRef{CategoryID: c.ID}
}

func (f *fixture) account(t *testing.T, externalID string) *domain.Account {
	t.Helper()
	a, err := f.store.EnsureAccount(context.Background(), externalID, testSource)
	if err != nil {
		t.Fatalf("account %s: %v", externalID, err)
	}
	return a
}

func (f *fixture) session(t *testing.T) string {
	t.Helper()
	sess := &domain.ImportSession{ID: "sess-" + t.Name(), Mode: domain.ModeRange, CreatedBy: "test"}
	if err := f.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("session: %v", err)
	}
	return sess.ID
}

func (f *fixture) rule(t *testing.T, matchType, fields, pattern string, target domain.CategoryRef) *domain.MappingRule {
	t.Helper()
	r, err := f.rules.Create(context.Background(), service.RuleInput{
		MatchType:  matchType,
		Fields:     fields,
		Pattern:    pattern,
		CategoryID: target.CategoryID,
	})
	if err != nil {
		t.Fatalf("rule %s: %v", pattern, err)
	}
	return r
}

func (f *fixture) stage(t *testing.T, sessionID string, raws ...domain.RawTransaction) domain.ImportSummary {
	t.Helper()
	summary, err := f.staging.Stage(context.Background(), service.StageRequest{SessionID: sessionID, Records: raws})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	return summary
}

// staged returns a session's rows keyed by external id.
func (f *fixture) staged(t *testing.T, sessionID string) map[string]domain.StagedTransaction {
	t.Helper()
	rows, err := f.store.ListStaged(context.Background(), sessionID, nil)
	if err != nil {
		t.Fatalf("list staged: %v", err)
	}
	out := make(map[string]domain.StagedTransaction, len(rows))
	for _, r := range rows {
		out[r.ExternalID] = r
	}
	return out
}

func (f *fixture) seedLedger(t *testing.T, rows ...domain.LedgerTransaction) {
	t.Helper()
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx port.LedgerTx) error {
		for i := range rows {
			if _, err := tx.Insert(ctx, &rows[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
}

func (f *fixture) liveLedger(t *testing.T) []domain.LedgerTransaction {
	t.Helper()
	rows, err := f.store.ListLedger(context.Background(), port.LedgerFilter{})
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	return rows
}

// --- Builders ---

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func datePtr(s string) *time.Time {
	d := day(s)
	return &d
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func raw(id, accountID, date, name, amount string) domain.RawTransaction {
	return domain.RawTransaction{
		ExternalID: id,
		AccountID:  accountID,
		Date:       datePtr(date),
		Name:       name,
		Amount:     money(amount),
		Currency:   "USD",
	}
}

// historyRow builds a categorized ledger row whose text is normalized the way
// the commit engine would.
func historyRow(ext, accountID, date, name, amount string, cat *domain.CategoryRef) domain.LedgerTransaction {
	amt, typ := service.LedgerAmount(money(amount))
	return domain.LedgerTransaction{
		AccountID:      accountID,
		ExternalID:     ext,
		PostedDate:     day(date),
		Amount:         amt,
		Currency:       "USD",
		MerchantRaw:    name,
		DescriptionRaw: name,
		MerchantNorm:   normalize.Merchant("", name),
		DescNorm:       normalize.Description(name),
		Category:       cat,
		Source:         testSource,
		TxnType:        typ,
		DedupHash:      "hash-" + ext,
	}
}

func refPtr(r domain.CategoryRef) *domain.CategoryRef {
	return &r
}
