// Package service implements the ingestion use cases: staging, review,
// commit, sync, bulk import, rule management and subscription detection.
package service

import (
	"context"
	"strings"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/port"
	"github.com/boddenberg/ledger-ingest-go/internal/rules"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var categorizeTracer = otel.Tracer("service/categorizer")

const ruleCacheKey = "rules"

// Cascade step names, reported alongside a suggestion.
const (
	StepRawPair           = "raw_merchant_description"
	StepRawDescription    = "raw_description"
	StepRawMerchant       = "raw_merchant"
	StepRule              = "rule"
	StepMerchantExact     = "merchant_exact"
	StepMerchantSubstring = "merchant_substring"
	StepDistinctiveWord   = "distinctive_word"
)

const minDistinctiveWordLen = 6

var genericBusinessWords = map[string]bool{
	"hotel": true, "restaurant": true, "cafe": true, "shop": true,
	"store": true, "market": true, "center": true, "service": true,
	"company": true, "corp": true, "ltd": true, "inc": true,
}

// SuggestInput is the text of one transaction as seen by the categorizer.
type SuggestInput struct {
	Source         string
	MerchantRaw    string
	DescriptionRaw string
	MerchantNorm   string
	DescNorm       string
}

// Suggestion is a category found by the cascade and the step that found it.
type Suggestion struct {
	Category *domain.CategoryRef
	Step     string
}

type cascadeStep struct {
	name string
	run  func(ctx context.Context, c *Categorizer, m *rules.Matcher, in SuggestInput) (*domain.CategoryRef, error)
}

// cascade is evaluated top-down; the first step returning a category wins.
// Raw history precedes the rule engine so a transaction identical to one
// already categorized keeps that category.
var cascade = []cascadeStep{
	{StepRawPair, func(ctx context.Context, c *Categorizer, _ *rules.Matcher, in SuggestInput) (*domain.CategoryRef, error) {
		if in.MerchantRaw == "" || in.DescriptionRaw == "" {
			return nil, nil
		}
		return c.ledger.LatestCategory(ctx, port.HistoryFilter{Source: in.Source, MerchantRaw: &in.MerchantRaw, DescriptionRaw: &in.DescriptionRaw})
	}},
	{StepRawDescription, func(ctx context.Context, c *Categorizer, _ *rules.Matcher, in SuggestInput) (*domain.CategoryRef, error) {
		if in.DescriptionRaw == "" {
			return nil, nil
		}
		return c.ledger.LatestCategory(ctx, port.HistoryFilter{Source: in.Source, DescriptionRaw: &in.DescriptionRaw})
	}},
	{StepRawMerchant, func(ctx context.Context, c *Categorizer, _ *rules.Matcher, in SuggestInput) (*domain.CategoryRef, error) {
		if in.MerchantRaw == "" {
			return nil, nil
		}
		return c.ledger.LatestCategory(ctx, port.HistoryFilter{Source: in.Source, MerchantRaw: &in.MerchantRaw})
	}},
	{StepRule, func(_ context.Context, _ *Categorizer, m *rules.Matcher, in SuggestInput) (*domain.CategoryRef, error) {
		ref, _ := m.Match(in.MerchantNorm, in.DescNorm)
		return ref, nil
	}},
	{StepMerchantExact, func(ctx context.Context, c *Categorizer, _ *rules.Matcher, in SuggestInput) (*domain.CategoryRef, error) {
		if in.MerchantNorm == "" {
			return nil, nil
		}
		return c.ledger.LatestCategory(ctx, port.HistoryFilter{MerchantNorm: in.MerchantNorm})
	}},
	{StepMerchantSubstring, func(ctx context.Context, c *Categorizer, _ *rules.Matcher, in SuggestInput) (*domain.CategoryRef, error) {
		if in.MerchantNorm == "" {
			return nil, nil
		}
		ref, err := c.ledger.LatestCategory(ctx, port.HistoryFilter{MerchantNormContains: in.MerchantNorm})
		if err != nil || ref != nil {
			return ref, err
		}
		return c.ledger.LatestCategory(ctx, port.HistoryFilter{MerchantNormWithin: in.MerchantNorm})
	}},
	{StepDistinctiveWord, func(ctx context.Context, c *Categorizer, _ *rules.Matcher, in SuggestInput) (*domain.CategoryRef, error) {
		for _, w := range distinctiveWords(in.MerchantNorm) {
			ref, err := c.ledger.LatestCategory(ctx, port.HistoryFilter{MerchantNormContains: w})
			if err != nil || ref != nil {
				return ref, err
			}
		}
		return nil, nil
	}},
}

// distinctiveWords returns the words of a multi-word merchant long and
// specific enough to identify it on their own.
func distinctiveWords(merchantNorm string) []string {
	words := strings.Fields(merchantNorm)
	if len(words) < 2 {
		return nil
	}
	var out []string
	for _, w := range words {
		if len(w) >= minDistinctiveWordLen && !genericBusinessWords[w] {
			out = append(out, w)
		}
	}
	return out
}

// Categorizer suggests categories from mapping rules and ledger history.
type Categorizer struct {
	rules   port.RuleStore
	ledger  port.LedgerStore
	cache   port.Cache[*rules.Matcher]
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewCategorizer creates a new categorizer. The compiled rule set is cached
// until Invalidate is called or the cache entry expires.
func NewCategorizer(ruleStore port.RuleStore, ledger port.LedgerStore, cache port.Cache[*rules.Matcher], metrics *observability.Metrics, logger *zap.Logger) *Categorizer {
	return &Categorizer{rules: ruleStore, ledger: ledger, cache: cache, metrics: metrics, logger: logger}
}

// Matcher returns the compiled rule set, loading it on a cache miss.
func (c *Categorizer) Matcher(ctx context.Context) (*rules.Matcher, error) {
	m, hit, err := c.cache.Load(ruleCacheKey, func() (*rules.Matcher, error) {
		list, err := c.rules.ListRules(ctx)
		if err != nil {
			return nil, err
		}
		return rules.Compile(list, c.logger), nil
	})
	if err != nil {
		return nil, err
	}
	if hit {
		c.metrics.IncrCacheHit()
	} else {
		c.metrics.IncrCacheMiss()
	}
	return m, nil
}

// Invalidate drops the cached rule set so the next lookup reloads it.
func (c *Categorizer) Invalidate() {
	c.cache.Delete(ruleCacheKey)
}

// Suggest runs the cascade and returns the first hit, or nil when every step misses.
func (c *Categorizer) Suggest(ctx context.Context, in SuggestInput) (*Suggestion, error) {
	ctx, span := categorizeTracer.Start(ctx, "Categorizer.Suggest")
	defer span.End()

	m, err := c.Matcher(ctx)
	if err != nil {
		return nil, err
	}
	sug, err := c.suggestWith(ctx, m, in)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(spanStep(sug))
	return sug, nil
}

func (c *Categorizer) suggestWith(ctx context.Context, m *rules.Matcher, in SuggestInput) (*Suggestion, error) {
	for _, step := range cascade {
		ref, err := step.run(ctx, c, m, in)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			if c.logger != nil {
				c.logger.Debug("category suggested",
					zap.String("step", step.name),
					zap.String("merchant_norm", in.MerchantNorm),
					zap.String("category_id", ref.CategoryID),
				)
			}
			return &Suggestion{Category: ref, Step: step.name}, nil
		}
	}
	return nil, nil
}

// spanStep tags the current span with the cascade step that produced a suggestion.
func spanStep(s *Suggestion) attribute.KeyValue {
	if s == nil {
		return attribute.String("categorize.step", "none")
	}
	return attribute.String("categorize.step", s.Step)
}
