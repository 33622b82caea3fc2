package memstore

import (
	"context"
	"sort"
	"strings"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"

	"github.com/google/uuid"
)

// ============================================================
// Rules
// ============================================================

func (s *Store) ListRules(_ context.Context) ([]domain.MappingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MappingRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) GetRule(_ context.Context, id string) (*domain.MappingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "mapping rule", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (s *Store) CreateRule(_ context.Context, r *domain.MappingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.ruleSeq++
	r.Seq = s.ruleSeq
	r.CreatedAt = s.now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *Store) UpdateRule(_ context.Context, r *domain.MappingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rules[r.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "mapping rule", ID: r.ID}
	}
	r.Seq = cur.Seq
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = s.now()
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return &domain.ErrNotFound{Resource: "mapping rule", ID: id}
	}
	delete(s.rules, id)
	return nil
}

// ============================================================
// Categories
// ============================================================

func (s *Store) GetCategory(_ context.Context, id string) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "category", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetOrCreateCategory(_ context.Context, name, parentID string) (*domain.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &domain.ErrValidation{Field: "name", Message: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.categories {
		if c.ParentID == parentID && strings.EqualFold(c.Name, name) {
			cp := *c
			return &cp, nil
		}
	}
	c := &domain.Category{ID: uuid.NewString(), Name: name, ParentID: parentID}
	s.categories[c.ID] = c
	cp := *c
	return &cp, nil
}

// ============================================================
// Accounts and items
// ============================================================

func (s *Store) EnsureAccount(_ context.Context, externalID, defaultSource string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.ExternalID == externalID {
			cp := *a
			return &cp, nil
		}
	}
	a := &domain.Account{
		ID:               uuid.NewString(),
		ExternalID:       externalID,
		Name:             "Account " + lastN(externalID, 4),
		Source:           defaultSource,
		Currency:         "USD",
		EnabledForImport: true,
	}
	s.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (s *Store) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "account", ID: id}
	}
	cp := *a
	return &cp, nil
}

func (s *Store) SetImportEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return &domain.ErrNotFound{Resource: "account", ID: id}
	}
	a.EnabledForImport = enabled
	return nil
}

func (s *Store) GetItem(_ context.Context, id string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "item", ID: id}
	}
	cp := *it
	return &cp, nil
}

func (s *Store) ListItems(_ context.Context) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveItem(_ context.Context, item *domain.Item) error {
	if item.ID == "" {
		return &domain.ErrValidation{Field: "id", Message: "required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = s.now()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *Store) SaveCursor(_ context.Context, itemID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return &domain.ErrNotFound{Resource: "item", ID: itemID}
	}
	it.Cursor = cursor
	it.UpdatedAt = s.now()
	return nil
}
