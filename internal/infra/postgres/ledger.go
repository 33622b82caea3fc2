package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/port"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ============================================================
// Ledger reads
// ============================================================

const ledgerColumns = `
	l.id, l.account_id, COALESCE(l.external_id, ''), l.posted_date, l.amount, l.currency,
	l.merchant_raw, l.description_raw, l.merchant_norm, l.desc_norm,
	l.category_id, l.subcategory_id, COALESCE(c.name, ''),
	l.source, l.txn_type, l.dedup_hash, COALESCE(l.session_id, ''), l.is_deleted, l.created_at`

const ledgerFrom = `FROM ledger_transactions l LEFT JOIN categories c ON c.id = l.category_id`

func scanLedger(row pgx.Row) (domain.LedgerTransaction, error) {
	var (
		t             domain.LedgerTransaction
		categoryID    *string
		subcategoryID *string
		txnType       string
	)
	err := row.Scan(
		&t.ID, &t.AccountID, &t.ExternalID, &t.PostedDate, &t.Amount, &t.Currency,
		&t.MerchantRaw, &t.DescriptionRaw, &t.MerchantNorm, &t.DescNorm,
		&categoryID, &subcategoryID, &t.CategoryName,
		&t.Source, &txnType, &t.DedupHash, &t.SessionID, &t.Deleted, &t.CreatedAt,
	)
	t.Category = refFromColumns(categoryID, subcategoryID)
	t.TxnType = domain.TxnType(txnType)
	return t, err
}

func (s *Store) ExistsByContent(ctx context.Context, date time.Time, absAmount decimal.Decimal, descNorm string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ExistsByContent")
	defer span.End()
	return existsByContent(ctx, s.pool, date, absAmount, descNorm, nil, false)
}

func existsByContent(ctx context.Context, q querier, date time.Time, absAmount decimal.Decimal, descNorm string, cat *domain.CategoryRef, checkCat bool) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM ledger_transactions
		WHERE NOT is_deleted AND posted_date = $1 AND abs(amount) = $2 AND desc_norm = $3`
	args := []any{date, absAmount.Abs(), descNorm}
	if checkCat {
		categoryID, subcategoryID := refColumns(cat)
		query += ` AND category_id IS NOT DISTINCT FROM $4 AND subcategory_id IS NOT DISTINCT FROM $5`
		args = append(args, categoryID, subcategoryID)
	}
	query += `)`

	var exists bool
	if err := q.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("content lookup: %w", err)
	}
	return exists, nil
}

func (s *Store) LatestCategory(ctx context.Context, f port.HistoryFilter) (*domain.CategoryRef, error) {
	ctx, span := tracer.Start(ctx, "Postgres.LatestCategory")
	defer span.End()

	where := []string{"NOT is_deleted", "category_id IS NOT NULL"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.MerchantRaw != nil {
		add("merchant_raw = $%d", *f.MerchantRaw)
	}
	if f.DescriptionRaw != nil {
		add("description_raw = $%d", *f.DescriptionRaw)
	}
	if f.MerchantNorm != "" {
		add("merchant_norm = $%d", f.MerchantNorm)
	}
	if f.MerchantNormContains != "" {
		add("strpos(merchant_norm, $%d) > 0", f.MerchantNormContains)
	}
	if f.MerchantNormWithin != "" {
		add("merchant_norm <> '' AND strpos($%d, merchant_norm) > 0", f.MerchantNormWithin)
	}

	query := `SELECT category_id, subcategory_id FROM ledger_transactions WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY posted_date DESC, created_at DESC LIMIT 1`

	var categoryID, subcategoryID *string
	err := s.pool.QueryRow(ctx, query, args...).Scan(&categoryID, &subcategoryID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history lookup: %w", err)
	}
	return refFromColumns(categoryID, subcategoryID), nil
}

func (s *Store) GetLedger(ctx context.Context, id string) (*domain.LedgerTransaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetLedger")
	defer span.End()

	t, err := scanLedger(s.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` `+ledgerFrom+` WHERE l.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "ledger transaction", id)
	}
	return &t, nil
}

func (s *Store) ListLedger(ctx context.Context, f port.LedgerFilter) ([]domain.LedgerTransaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListLedger")
	defer span.End()

	where := []string{"NOT l.is_deleted"}
	var args []any
	if f.From != nil {
		args = append(args, *f.From)
		where = append(where, fmt.Sprintf("l.posted_date >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where = append(where, fmt.Sprintf("l.posted_date <= $%d", len(args)))
	}
	if f.TxnType != "" {
		args = append(args, string(f.TxnType))
		where = append(where, fmt.Sprintf("l.txn_type = $%d", len(args)))
	}
	if f.Uncategorized {
		where = append(where, "l.category_id IS NULL")
	}

	query := `SELECT ` + ledgerColumns + ` ` + ledgerFrom + ` WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY l.posted_date, l.created_at`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerTransaction
	for rows.Next() {
		t, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ============================================================
// Ledger writes
// ============================================================

func (s *Store) SoftDeleteByExternalID(ctx context.Context, externalIDs []string) (int, error) {
	ctx, span := tracer.Start(ctx, "Postgres.SoftDeleteByExternalID")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_transactions SET is_deleted = TRUE
		 WHERE NOT is_deleted AND external_id = ANY($1)`, externalIDs)
	if err != nil {
		return 0, fmt.Errorf("soft delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) UpdateCategory(ctx context.Context, id string, cat *domain.CategoryRef) error {
	ctx, span := tracer.Start(ctx, "Postgres.UpdateCategory")
	defer span.End()

	categoryID, subcategoryID := refColumns(cat)
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_transactions SET category_id = $2, subcategory_id = $3 WHERE id = $1`,
		id, categoryID, subcategoryID)
	if err != nil {
		return fmt.Errorf("update category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "ledger transaction", ID: id}
	}
	return nil
}

func (s *Store) UnmappedMerchants(ctx context.Context, limit int) ([]domain.UnmappedMerchant, error) {
	ctx, span := tracer.Start(ctx, "Postgres.UnmappedMerchants")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT merchant_norm, count(*), sum(abs(amount)), min(posted_date), max(posted_date)
		FROM ledger_transactions
		WHERE NOT is_deleted AND category_id IS NULL AND txn_type = $1
		GROUP BY merchant_norm
		ORDER BY count(*) DESC, merchant_norm
		LIMIT $2`, string(domain.TxnExpense), limit)
	if err != nil {
		return nil, fmt.Errorf("unmapped merchants: %w", err)
	}
	defer rows.Close()

	var out []domain.UnmappedMerchant
	for rows.Next() {
		var m domain.UnmappedMerchant
		if err := rows.Scan(&m.MerchantNorm, &m.Count, &m.TotalAmount, &m.FirstSeen, &m.LastSeen); err != nil {
			return nil, fmt.Errorf("scan unmapped merchant: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CountBySession(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CountBySession")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM ledger_transactions WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by session: %w", err)
	}
	return n, nil
}

// ============================================================
// Commit transactions
// ============================================================

// InTx runs fn in one transaction. Rollback after a successful commit is a no-op.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	ctx, span := tracer.Start(ctx, "Postgres.InTx")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) ExistsByExternalID(ctx context.Context, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE external_id = $1)`, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("external id lookup: %w", err)
	}
	return exists, nil
}

func (t *ledgerTx) ExistsByContentAndCategory(ctx context.Context, date time.Time, absAmount decimal.Decimal, descNorm string, cat *domain.CategoryRef) (bool, error) {
	return existsByContent(ctx, t.tx, date, absAmount, descNorm, cat, true)
}

// Insert runs inside a savepoint so a unique violation only discards this row.
func (t *ledgerTx) Insert(ctx context.Context, row *domain.LedgerTransaction) (bool, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	categoryID, subcategoryID := refColumns(row.Category)

	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	_, err = sp.Exec(ctx, `
		INSERT INTO ledger_transactions (
			id, account_id, external_id, posted_date, amount, currency,
			merchant_raw, description_raw, merchant_norm, desc_norm,
			category_id, subcategory_id, source, txn_type, dedup_hash, session_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		row.ID, row.AccountID, nullIfEmpty(row.ExternalID), row.PostedDate, row.Amount, row.Currency,
		row.MerchantRaw, row.DescriptionRaw, row.MerchantNorm, row.DescNorm,
		categoryID, subcategoryID, row.Source, string(row.TxnType), row.DedupHash, nullIfEmpty(row.SessionID), row.CreatedAt,
	)
	if err != nil {
		_ = sp.Rollback(ctx)
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert ledger row: %w", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	return true, nil
}
