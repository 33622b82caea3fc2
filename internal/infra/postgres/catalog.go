package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ============================================================
// Mapping rules
// ============================================================

const ruleColumns = `id, seq, match_type, fields, pattern, desc_pattern, category_id, subcategory_id, priority, created_at, updated_at`

func scanRule(row pgx.Row) (domain.MappingRule, error) {
	var (
		r             domain.MappingRule
		matchType     string
		fields        string
		pattern       string
		descPattern   string
		subcategoryID *string
	)
	if err := row.Scan(&r.ID, &r.Seq, &matchType, &fields, &pattern, &descPattern,
		&r.Target.CategoryID, &subcategoryID, &r.Priority, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	r.Target.SubcategoryID = deref(subcategoryID)

	mt, err := domain.ParseMatchType(matchType)
	if err != nil {
		return r, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	scope, err := domain.NewFieldScope(fields, pattern, descPattern)
	if err != nil {
		return r, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	r.MatchType, r.Scope = mt, scope
	return r, nil
}

func (s *Store) ListRules(ctx context.Context) ([]domain.MappingRule, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListRules")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM mapping_rules ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []domain.MappingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRule(ctx context.Context, id string) (*domain.MappingRule, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetRule")
	defer span.End()

	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM mapping_rules WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "mapping rule", id)
	}
	return &r, nil
}

func (s *Store) CreateRule(ctx context.Context, r *domain.MappingRule) error {
	ctx, span := tracer.Start(ctx, "Postgres.CreateRule")
	defer span.End()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	merchant, desc := domain.ScopePatterns(r.Scope)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mapping_rules (id, match_type, fields, pattern, desc_pattern, category_id, subcategory_id, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at, updated_at`,
		r.ID, r.MatchType.String(), r.Scope.Kind(), merchant, desc,
		r.Target.CategoryID, nullIfEmpty(r.Target.SubcategoryID), r.Priority,
	).Scan(&r.Seq, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func (s *Store) UpdateRule(ctx context.Context, r *domain.MappingRule) error {
	ctx, span := tracer.Start(ctx, "Postgres.UpdateRule")
	defer span.End()

	merchant, desc := domain.ScopePatterns(r.Scope)
	err := s.pool.QueryRow(ctx, `
		UPDATE mapping_rules
		SET match_type = $2, fields = $3, pattern = $4, desc_pattern = $5,
		    category_id = $6, subcategory_id = $7, priority = $8, updated_at = now()
		WHERE id = $1
		RETURNING seq, created_at, updated_at`,
		r.ID, r.MatchType.String(), r.Scope.Kind(), merchant, desc,
		r.Target.CategoryID, nullIfEmpty(r.Target.SubcategoryID), r.Priority,
	).Scan(&r.Seq, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return notFound(err, "mapping rule", r.ID)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Postgres.DeleteRule")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM mapping_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "mapping rule", ID: id}
	}
	return nil
}

// ============================================================
// Categories
// ============================================================

func (s *Store) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetCategory")
	defer span.End()

	var (
		c        domain.Category
		parentID *string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, name, parent_id FROM categories WHERE id = $1`, id).Scan(&c.ID, &c.Name, &parentID)
	if err != nil {
		return nil, notFound(err, "category", id)
	}
	c.ParentID = deref(parentID)
	return &c, nil
}

// GetOrCreateCategory matches names case-insensitively under the same parent.
func (s *Store) GetOrCreateCategory(ctx context.Context, name, parentID string) (*domain.Category, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetOrCreateCategory")
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &domain.ErrValidation{Field: "name", Message: "required"}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO categories (id, name, parent_id) VALUES ($1, $2, $3)
		ON CONFLICT (lower(name), COALESCE(parent_id, '')) DO NOTHING`,
		uuid.NewString(), name, nullIfEmpty(parentID))
	if err != nil {
		return nil, fmt.Errorf("create category: %w", err)
	}

	c := domain.Category{ParentID: parentID}
	err = s.pool.QueryRow(ctx, `
		SELECT id, name FROM categories
		WHERE lower(name) = lower($1) AND COALESCE(parent_id, '') = $2`,
		name, parentID).Scan(&c.ID, &c.Name)
	if err != nil {
		return nil, fmt.Errorf("load category %s: %w", name, err)
	}
	return &c, nil
}

// ============================================================
// Accounts
// ============================================================

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.ExternalID, &a.Name, &a.Source, &a.Currency, &a.EnabledForImport)
	return a, err
}

const accountColumns = `id, external_id, name, source, currency, enabled_for_import`

func (s *Store) EnsureAccount(ctx context.Context, externalID, defaultSource string) (*domain.Account, error) {
	ctx, span := tracer.Start(ctx, "Postgres.EnsureAccount")
	defer span.End()

	name := externalID
	if len(name) > 4 {
		name = name[len(name)-4:]
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, external_id, name, source, currency, enabled_for_import)
		VALUES ($1, $2, $3, $4, 'USD', TRUE)
		ON CONFLICT (external_id) DO NOTHING`,
		uuid.NewString(), externalID, "Account "+name, defaultSource)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, notFound(err, "account", externalID)
	}
	return &a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetAccount")
	defer span.End()

	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return &a, nil
}

func (s *Store) SetImportEnabled(ctx context.Context, id string, enabled bool) error {
	ctx, span := tracer.Start(ctx, "Postgres.SetImportEnabled")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET enabled_for_import = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set import enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "account", ID: id}
	}
	return nil
}

// ============================================================
// Items
// ============================================================

func (s *Store) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetItem")
	defer span.End()

	var it domain.Item
	err := s.pool.QueryRow(ctx, `SELECT id, access_token, cursor, updated_at FROM items WHERE id = $1`, id).
		Scan(&it.ID, &it.AccessToken, &it.Cursor, &it.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "item", id)
	}
	return &it, nil
}

func (s *Store) ListItems(ctx context.Context) ([]domain.Item, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListItems")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, access_token, cursor, updated_at FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(&it.ID, &it.AccessToken, &it.Cursor, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) SaveItem(ctx context.Context, item *domain.Item) error {
	ctx, span := tracer.Start(ctx, "Postgres.SaveItem")
	defer span.End()

	if item.ID == "" {
		return &domain.ErrValidation{Field: "id", Message: "required"}
	}
	item.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO items (id, access_token, cursor, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET access_token = EXCLUDED.access_token, cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at`,
		item.ID, item.AccessToken, item.Cursor, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	return nil
}

func (s *Store) SaveCursor(ctx context.Context, itemID, cursor string) error {
	ctx, span := tracer.Start(ctx, "Postgres.SaveCursor")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE items SET cursor = $2, updated_at = now() WHERE id = $1`, itemID, cursor)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "item", ID: itemID}
	}
	s.logger.Debug("item cursor advanced", zap.String("item_id", itemID))
	return nil
}
