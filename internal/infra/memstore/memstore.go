// Package memstore is an in-process implementation of every persistence port.
// It backs STORE_BACKEND=memory and the service tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store keeps all state behind one mutex. Ledger batches hold the write lock
// for their whole duration, so concurrent commits serialize.
type Store struct {
	mu sync.RWMutex

	ledger     []*domain.LedgerTransaction
	sessions   map[string]*domain.ImportSession
	staged     []*domain.StagedTransaction
	stagedByID map[string]*domain.StagedTransaction
	rules      map[string]*domain.MappingRule
	ruleSeq    int64
	categories map[string]*domain.Category
	accounts   map[string]*domain.Account
	items      map[string]*domain.Item

	now func() time.Time
}

var _ port.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:   make(map[string]*domain.ImportSession),
		stagedByID: make(map[string]*domain.StagedTransaction),
		rules:      make(map[string]*domain.MappingRule),
		categories: make(map[string]*domain.Category),
		accounts:   make(map[string]*domain.Account),
		items:      make(map[string]*domain.Item),
		now:        time.Now,
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func cloneRef(c *domain.CategoryRef) *domain.CategoryRef {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func cloneLedger(t *domain.LedgerTransaction) domain.LedgerTransaction {
	cp := *t
	cp.Category = cloneRef(t.Category)
	return cp
}

func cloneStaged(t *domain.StagedTransaction) domain.StagedTransaction {
	cp := *t
	cp.Category = cloneRef(t.Category)
	if t.AuthorizedDate != nil {
		d := *t.AuthorizedDate
		cp.AuthorizedDate = &d
	}
	if t.RawJSON != nil {
		cp.RawJSON = append([]byte(nil), t.RawJSON...)
	}
	return cp
}

// ============================================================
// Ledger
// ============================================================

func (s *Store) ExistsByContent(_ context.Context, date time.Time, absAmount decimal.Decimal, descNorm string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.existsByContent(s.ledger, date, absAmount, descNorm, nil, false), nil
}

func (s *Store) existsByContent(rows []*domain.LedgerTransaction, date time.Time, absAmount decimal.Decimal, descNorm string, cat *domain.CategoryRef, checkCat bool) bool {
	for _, t := range rows {
		if t.Deleted || !sameDay(t.PostedDate, date) || t.DescNorm != descNorm {
			continue
		}
		if !t.Amount.Abs().Equal(absAmount.Abs()) {
			continue
		}
		if checkCat && !t.Category.Equal(cat) {
			continue
		}
		return true
	}
	return false
}

func (s *Store) LatestCategory(_ context.Context, f port.HistoryFilter) (*domain.CategoryRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.LedgerTransaction
	for _, t := range s.ledger {
		if t.Deleted || t.Category == nil || !matchesHistory(t, f) {
			continue
		}
		// Ties go to the later insert.
		if best == nil || !t.PostedDate.Before(best.PostedDate) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneRef(best.Category), nil
}

func matchesHistory(t *domain.LedgerTransaction, f port.HistoryFilter) bool {
	if f.Source != "" && t.Source != f.Source {
		return false
	}
	if f.MerchantRaw != nil && t.MerchantRaw != *f.MerchantRaw {
		return false
	}
	if f.DescriptionRaw != nil && t.DescriptionRaw != *f.DescriptionRaw {
		return false
	}
	if f.MerchantNorm != "" && t.MerchantNorm != f.MerchantNorm {
		return false
	}
	if f.MerchantNormContains != "" && !strings.Contains(t.MerchantNorm, f.MerchantNormContains) {
		return false
	}
	if f.MerchantNormWithin != "" && (t.MerchantNorm == "" || !strings.Contains(f.MerchantNormWithin, t.MerchantNorm)) {
		return false
	}
	return true
}

// InTx buffers inserts and publishes them only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.ledger = append(s.ledger, tx.pending...)
	return nil
}

type memTx struct {
	store   *Store
	pending []*domain.LedgerTransaction
}

func (tx *memTx) all() []*domain.LedgerTransaction {
	rows := make([]*domain.LedgerTransaction, 0, len(tx.store.ledger)+len(tx.pending))
	rows = append(rows, tx.store.ledger...)
	return append(rows, tx.pending...)
}

func (tx *memTx) ExistsByExternalID(_ context.Context, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	for _, t := range tx.all() {
		if t.ExternalID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) ExistsByContentAndCategory(_ context.Context, date time.Time, absAmount decimal.Decimal, descNorm string, cat *domain.CategoryRef) (bool, error) {
	return tx.store.existsByContent(tx.all(), date, absAmount, descNorm, cat, true), nil
}

// Insert enforces the same unique keys as the SQL schema: (account, date,
// amount, dedup hash) and a non-empty external id.
func (tx *memTx) Insert(_ context.Context, t *domain.LedgerTransaction) (bool, error) {
	for _, e := range tx.all() {
		if t.ExternalID != "" && e.ExternalID == t.ExternalID {
			return false, nil
		}
		if e.AccountID == t.AccountID && sameDay(e.PostedDate, t.PostedDate) &&
			e.Amount.Equal(t.Amount) && e.DedupHash == t.DedupHash {
			return false, nil
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = tx.store.now()
	}
	row := cloneLedger(t)
	tx.pending = append(tx.pending, &row)
	return true, nil
}

func (s *Store) GetLedger(_ context.Context, id string) (*domain.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.ledger {
		if t.ID == id {
			row := s.withCategoryName(t)
			return &row, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "ledger transaction", ID: id}
}

func (s *Store) withCategoryName(t *domain.LedgerTransaction) domain.LedgerTransaction {
	row := cloneLedger(t)
	if row.Category != nil {
		if c, ok := s.categories[row.Category.CategoryID]; ok {
			row.CategoryName = c.Name
		}
	}
	return row
}

func (s *Store) ListLedger(_ context.Context, f port.LedgerFilter) ([]domain.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.LedgerTransaction
	for _, t := range s.ledger {
		if t.Deleted {
			continue
		}
		if f.From != nil && t.PostedDate.Before(*f.From) {
			continue
		}
		if f.To != nil && t.PostedDate.After(*f.To) {
			continue
		}
		if f.TxnType != "" && t.TxnType != f.TxnType {
			continue
		}
		if f.Uncategorized && t.Category != nil {
			continue
		}
		out = append(out, s.withCategoryName(t))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PostedDate.Before(out[j].PostedDate) })
	return out, nil
}

func (s *Store) SoftDeleteByExternalID(_ context.Context, externalIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		if id != "" {
			ids[id] = true
		}
	}
	n := 0
	for _, t := range s.ledger {
		if !t.Deleted && ids[t.ExternalID] {
			t.Deleted = true
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateCategory(_ context.Context, id string, cat *domain.CategoryRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.ledger {
		if t.ID == id {
			t.Category = cloneRef(cat)
			return nil
		}
	}
	return &domain.ErrNotFound{Resource: "ledger transaction", ID: id}
}

func (s *Store) UnmappedMerchants(_ context.Context, limit int) ([]domain.UnmappedMerchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make(map[string]*domain.UnmappedMerchant)
	for _, t := range s.ledger {
		if t.Deleted || t.Category != nil || t.TxnType != domain.TxnExpense {
			continue
		}
		g, ok := groups[t.MerchantNorm]
		if !ok {
			g = &domain.UnmappedMerchant{MerchantNorm: t.MerchantNorm, TotalAmount: decimal.Zero, FirstSeen: t.PostedDate, LastSeen: t.PostedDate}
			groups[t.MerchantNorm] = g
		}
		g.Count++
		g.TotalAmount = g.TotalAmount.Add(t.Amount.Abs())
		if t.PostedDate.Before(g.FirstSeen) {
			g.FirstSeen = t.PostedDate
		}
		if t.PostedDate.After(g.LastSeen) {
			g.LastSeen = t.PostedDate
		}
	}

	out := make([]domain.UnmappedMerchant, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].MerchantNorm < out[j].MerchantNorm
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountBySession(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.ledger {
		if t.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}
