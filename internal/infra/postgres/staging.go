package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"

	"github.com/jackc/pgx/v5"
)

// ============================================================
// Import sessions
// ============================================================

func (s *Store) CreateSession(ctx context.Context, sess *domain.ImportSession) error {
	ctx, span := tracer.Start(ctx, "Postgres.CreateSession")
	defer span.End()

	if sess.ID == "" {
		return &domain.ErrValidation{Field: "id", Message: "required"}
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	summary, err := json.Marshal(sess.Summary)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_sessions (id, item_id, mode, start_date, end_date, cursor_in, cursor_out, summary, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, nullIfEmpty(sess.ItemID), string(sess.Mode), sess.StartDate, sess.EndDate,
		sess.CursorIn, sess.CursorOut, summary, sess.CreatedBy, sess.CreatedAt,
	)
	if isUniqueViolation(err) {
		return &domain.ErrConflict{Message: "import session already exists: " + sess.ID}
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.ImportSession, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetSession")
	defer span.End()

	var (
		sess    domain.ImportSession
		itemID  *string
		mode    string
		summary []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, item_id, mode, start_date, end_date, cursor_in, cursor_out, summary, created_by, created_at
		FROM import_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &itemID, &mode, &sess.StartDate, &sess.EndDate, &sess.CursorIn, &sess.CursorOut, &summary, &sess.CreatedBy, &sess.CreatedAt)
	if err != nil {
		return nil, notFound(err, "import session", id)
	}
	sess.ItemID = deref(itemID)
	sess.Mode = domain.ImportMode(mode)
	if err := json.Unmarshal(summary, &sess.Summary); err != nil {
		return nil, fmt.Errorf("decode session summary: %w", err)
	}
	return &sess, nil
}

func (s *Store) UpdateSessionResult(ctx context.Context, id string, summary domain.ImportSummary, cursorOut string) error {
	ctx, span := tracer.Start(ctx, "Postgres.UpdateSessionResult")
	defer span.End()

	raw, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE import_sessions SET summary = $2, cursor_out = $3 WHERE id = $1`, id, raw, cursorOut)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "import session", ID: id}
	}
	return nil
}

// ============================================================
// Staged transactions
// ============================================================

const stagedColumns = `
	id, session_id, external_id, pending_transaction_id, account_id, date, authorized_date,
	name, merchant_name, amount, currency, category_primary, category_detailed,
	category_id, subcategory_id, status, exclude_reason, hash_key, raw_json, created_at`

// stagedOrder lists excluded, ready, needs_category and duplicate rows first, newest first within each.
const stagedOrder = ` ORDER BY CASE status
		WHEN 'excluded' THEN 1
		WHEN 'ready' THEN 2
		WHEN 'needs_category' THEN 3
		WHEN 'duplicate' THEN 4
		ELSE 5 END, date DESC, seq`

func scanStaged(row pgx.Row) (domain.StagedTransaction, error) {
	var (
		t             domain.StagedTransaction
		categoryID    *string
		subcategoryID *string
		status        string
	)
	err := row.Scan(
		&t.ID, &t.SessionID, &t.ExternalID, &t.PendingTransactionID, &t.AccountID, &t.Date, &t.AuthorizedDate,
		&t.Name, &t.MerchantName, &t.Amount, &t.Currency, &t.CategoryPrimary, &t.CategoryDetailed,
		&categoryID, &subcategoryID, &status, &t.ExcludeReason, &t.HashKey, &t.RawJSON, &t.CreatedAt,
	)
	t.Category = refFromColumns(categoryID, subcategoryID)
	t.Status = domain.StagingStatus(status)
	return t, err
}

func collectStaged(rows pgx.Rows) ([]domain.StagedTransaction, error) {
	defer rows.Close()
	var out []domain.StagedTransaction
	for rows.Next() {
		t, err := scanStaged(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staged row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertStaged writes a staging batch atomically.
func (s *Store) InsertStaged(ctx context.Context, rows []domain.StagedTransaction) error {
	ctx, span := tracer.Start(ctx, "Postgres.InsertStaged")
	defer span.End()

	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for i := range rows {
		r := &rows[i]
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		categoryID, subcategoryID := refColumns(r.Category)
		var rawJSON []byte
		if len(r.RawJSON) > 0 {
			rawJSON = r.RawJSON
		}
		batch.Queue(`
			INSERT INTO staged_transactions (
				id, session_id, external_id, pending_transaction_id, account_id, date, authorized_date,
				name, merchant_name, amount, currency, category_primary, category_detailed,
				category_id, subcategory_id, status, exclude_reason, hash_key, raw_json, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			r.ID, r.SessionID, r.ExternalID, r.PendingTransactionID, r.AccountID, r.Date, r.AuthorizedDate,
			r.Name, r.MerchantName, r.Amount, r.Currency, r.CategoryPrimary, r.CategoryDetailed,
			categoryID, subcategoryID, string(r.Status), r.ExcludeReason, r.HashKey, rawJSON, r.CreatedAt,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Message: "staged transaction id reused"}
		}
		return fmt.Errorf("insert staged rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit staged rows: %w", err)
	}
	return nil
}

func (s *Store) GetStaged(ctx context.Context, id string) (*domain.StagedTransaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetStaged")
	defer span.End()

	t, err := scanStaged(s.pool.QueryRow(ctx, `SELECT `+stagedColumns+` FROM staged_transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "staged transaction", id)
	}
	return &t, nil
}

func (s *Store) ListStaged(ctx context.Context, sessionID string, statuses []domain.StagingStatus) ([]domain.StagedTransaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListStaged")
	defer span.End()

	query := `SELECT ` + stagedColumns + ` FROM staged_transactions WHERE session_id = $1`
	args := []any{sessionID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusStrings(statuses))
	}
	rows, err := s.pool.Query(ctx, query+stagedOrder, args...)
	if err != nil {
		return nil, fmt.Errorf("list staged: %w", err)
	}
	return collectStaged(rows)
}

// UpdateStaged persists the review fields only.
func (s *Store) UpdateStaged(ctx context.Context, row *domain.StagedTransaction) error {
	ctx, span := tracer.Start(ctx, "Postgres.UpdateStaged")
	defer span.End()

	categoryID, subcategoryID := refColumns(row.Category)
	tag, err := s.pool.Exec(ctx, `
		UPDATE staged_transactions
		SET status = $2, exclude_reason = $3, category_id = $4, subcategory_id = $5
		WHERE id = $1`,
		row.ID, string(row.Status), row.ExcludeReason, categoryID, subcategoryID)
	if err != nil {
		return fmt.Errorf("update staged row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "staged transaction", ID: row.ID}
	}
	return nil
}

func (s *Store) ListPendingLinked(ctx context.Context, sessionID string) ([]domain.StagedTransaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListPendingLinked")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+stagedColumns+` FROM staged_transactions
		WHERE session_id = $1 AND pending_transaction_id <> '' ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending-linked rows: %w", err)
	}
	return collectStaged(rows)
}

func (s *Store) FindAllByExternalID(ctx context.Context, externalID string) ([]domain.StagedTransaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.FindAllByExternalID")
	defer span.End()

	if externalID == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+stagedColumns+` FROM staged_transactions
		WHERE external_id = $1 ORDER BY seq`, externalID)
	if err != nil {
		return nil, fmt.Errorf("find staged by external id: %w", err)
	}
	return collectStaged(rows)
}

func (s *Store) FindByRawPair(ctx context.Context, merchantName, name string, statuses []domain.StagingStatus) ([]domain.StagedTransaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.FindByRawPair")
	defer span.End()

	query := `SELECT ` + stagedColumns + ` FROM staged_transactions WHERE merchant_name = $1 AND name = $2`
	args := []any{merchantName, name}
	if len(statuses) > 0 {
		query += ` AND status = ANY($3)`
		args = append(args, statusStrings(statuses))
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("find staged by raw pair: %w", err)
	}
	return collectStaged(rows)
}
