package service

import (
	"context"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/port"
	"github.com/boddenberg/ledger-ingest-go/internal/rules"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ruleTracer = otel.Tracer("service/rules")

// DerivedRulePriority is the priority given to rules learned from history.
const DerivedRulePriority = 100

// RuleInput is the editable part of a mapping rule.
type RuleInput struct {
	MatchType     string `json:"match_type"`
	Fields        string `json:"fields"`
	Pattern       string `json:"pattern,omitempty"`
	DescPattern   string `json:"desc_pattern,omitempty"`
	CategoryID    string `json:"category_id"`
	SubcategoryID string `json:"subcategory_id,omitempty"`
	Priority      int    `json:"priority"`
}

// RuleView is the wire form of a mapping rule.
type RuleView struct {
	ID            string    `json:"id"`
	MatchType     string    `json:"match_type"`
	Fields        string    `json:"fields"`
	Pattern       string    `json:"pattern,omitempty"`
	DescPattern   string    `json:"desc_pattern,omitempty"`
	CategoryID    string    `json:"category_id"`
	SubcategoryID string    `json:"subcategory_id,omitempty"`
	Priority      int       `json:"priority"`
	Valid         bool      `json:"valid"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ViewOf flattens a rule for JSON output.
func ViewOf(r domain.MappingRule) RuleView {
	merchant, desc := domain.ScopePatterns(r.Scope)
	return RuleView{
		ID:            r.ID,
		MatchType:     r.MatchType.String(),
		Fields:        r.Scope.Kind(),
		Pattern:       merchant,
		DescPattern:   desc,
		CategoryID:    r.Target.CategoryID,
		SubcategoryID: r.Target.SubcategoryID,
		Priority:      r.Priority,
		Valid:         r.RegexValid(),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (in RuleInput) apply(r *domain.MappingRule) error {
	mt, err := domain.ParseMatchType(in.MatchType)
	if err != nil {
		return err
	}
	scope, err := domain.NewFieldScope(in.Fields, in.Pattern, in.DescPattern)
	if err != nil {
		return err
	}
	r.MatchType = mt
	r.Scope = scope
	r.Target = domain.CategoryRef{CategoryID: in.CategoryID, SubcategoryID: in.SubcategoryID}
	r.Priority = in.Priority
	return r.Validate()
}

// RuleService manages mapping rules and re-applies them to the ledger.
type RuleService struct {
	store       port.Store
	categorizer *Categorizer
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewRuleService creates a new rule service.
func NewRuleService(store port.Store, categorizer *Categorizer, metrics *observability.Metrics, logger *zap.Logger) *RuleService {
	return &RuleService{store: store, categorizer: categorizer, metrics: metrics, logger: logger}
}

// List returns all rules in evaluation order.
func (s *RuleService) List(ctx context.Context) ([]domain.MappingRule, error) {
	ctx, span := ruleTracer.Start(ctx, "RuleService.List")
	defer span.End()

	list, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	domain.SortRules(list)
	return list, nil
}

// Create validates and stores a new rule.
func (s *RuleService) Create(ctx context.Context, in RuleInput) (*domain.MappingRule, error) {
	ctx, span := ruleTracer.Start(ctx, "RuleService.Create")
	defer span.End()

	r := &domain.MappingRule{}
	if err := in.apply(r); err != nil {
		return nil, err
	}
	if err := validateCategoryRef(ctx, s.store, r.Target); err != nil {
		return nil, err
	}
	if !r.RegexValid() {
		s.logger.Warn("rule stored with invalid regex; it will never match", zap.String("pattern", in.Pattern), zap.String("desc_pattern", in.DescPattern))
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return nil, err
	}
	s.categorizer.Invalidate()
	return r, nil
}

// Update edits a rule and re-applies it to the ledger. It returns the rule and
// the number of ledger rows recategorized.
func (s *RuleService) Update(ctx context.Context, id string, in RuleInput) (*domain.MappingRule, int, error) {
	ctx, span := ruleTracer.Start(ctx, "RuleService.Update")
	defer span.End()

	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if err := in.apply(r); err != nil {
		return nil, 0, err
	}
	if err := validateCategoryRef(ctx, s.store, r.Target); err != nil {
		return nil, 0, err
	}
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return nil, 0, err
	}
	s.categorizer.Invalidate()

	n, err := s.applyRule(ctx, *r)
	return r, n, err
}

// Delete removes a rule. Ledger rows it categorized keep their category.
func (s *RuleService) Delete(ctx context.Context, id string) error {
	ctx, span := ruleTracer.Start(ctx, "RuleService.Delete")
	defer span.End()

	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.categorizer.Invalidate()
	return nil
}

// ApplyToHistory recategorizes every live ledger row the rule matches whose
// category differs from the rule's target.
func (s *RuleService) ApplyToHistory(ctx context.Context, id string) (int, error) {
	ctx, span := ruleTracer.Start(ctx, "RuleService.ApplyToHistory")
	defer span.End()

	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.applyRule(ctx, *r)
}

func (s *RuleService) applyRule(ctx context.Context, r domain.MappingRule) (int, error) {
	rows, err := s.store.ListLedger(ctx, port.LedgerFilter{})
	if err != nil {
		return 0, err
	}
	target := r.Target
	n := 0
	for _, row := range rows {
		if row.Category.Equal(&target) || !rules.Matches(r, row.MerchantNorm, row.DescNorm) {
			continue
		}
		if err := s.store.UpdateCategory(ctx, row.ID, &target); err != nil {
			return n, err
		}
		n++
	}
	s.logger.Info("rule applied to history", zap.String("rule_id", r.ID), zap.Int("rows_updated", n))
	return n, nil
}

type pairKey struct {
	merchant string
	desc     string
}

// DeriveFromHistory creates an EXACT pair rule for every (merchant, description)
// combination the ledger always files under the same category. Combinations
// already covered by an identical rule are skipped. It returns the rules created.
func (s *RuleService) DeriveFromHistory(ctx context.Context) ([]domain.MappingRule, error) {
	ctx, span := ruleTracer.Start(ctx, "RuleService.DeriveFromHistory")
	defer span.End()

	rows, err := s.store.ListLedger(ctx, port.LedgerFilter{})
	if err != nil {
		return nil, err
	}

	groups := make(map[pairKey]*domain.CategoryRef)
	conflicted := make(map[pairKey]bool)
	var order []pairKey
	for _, row := range rows {
		if row.Category == nil || row.MerchantNorm == "" || row.DescNorm == "" {
			continue
		}
		k := pairKey{row.MerchantNorm, row.DescNorm}
		cur, ok := groups[k]
		switch {
		case !ok:
			groups[k] = row.Category
			order = append(order, k)
		case !cur.Equal(row.Category):
			conflicted[k] = true
		}
	}

	existing, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	covered := make(map[pairKey]bool, len(existing))
	for _, r := range existing {
		if _, ok := r.MatchType.(domain.Exact); !ok {
			continue
		}
		if p, ok := r.Scope.(domain.PairScope); ok {
			covered[pairKey{p.MerchantPattern, p.DescriptionPattern}] = true
		}
	}

	var created []domain.MappingRule
	for _, k := range order {
		if conflicted[k] || covered[k] {
			continue
		}
		r := &domain.MappingRule{
			MatchType: domain.Exact{},
			Scope:     domain.PairScope{MerchantPattern: k.merchant, DescriptionPattern: k.desc},
			Target:    *groups[k],
			Priority:  DerivedRulePriority,
		}
		if err := s.store.CreateRule(ctx, r); err != nil {
			return created, err
		}
		created = append(created, *r)
	}
	if len(created) > 0 {
		s.categorizer.Invalidate()
	}

	span.SetAttributes(attribute.Int("rules.created", len(created)))
	s.logger.Info("rules derived from history", zap.Int("created", len(created)), zap.Int("conflicting_pairs", len(conflicted)))
	return created, nil
}
