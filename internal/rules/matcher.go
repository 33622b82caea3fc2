// Package rules evaluates mapping rules against normalized merchant and
// description text.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"

	"go.uber.org/zap"
)

type compiled struct {
	rule       domain.MappingRule
	merchantRe *regexp.Regexp
	descRe     *regexp.Regexp
	broken     bool
}

// Matcher is an immutable, ordered rule set. It is safe for concurrent use.
type Matcher struct {
	rules []compiled
}

// Compile sorts a copy of rules into evaluation order and pre-compiles REGEX
// patterns. Rules with malformed expressions are kept but never match.
func Compile(rules []domain.MappingRule, logger *zap.Logger) *Matcher {
	sorted := make([]domain.MappingRule, len(rules))
	copy(sorted, rules)
	domain.SortRules(sorted)

	m := &Matcher{rules: make([]compiled, 0, len(sorted))}
	for _, r := range sorted {
		c := compile(r)
		if c.broken && logger != nil {
			merchant, desc := domain.ScopePatterns(r.Scope)
			logger.Warn("invalid regex rule ignored",
				zap.String("rule_id", r.ID),
				zap.String("pattern", merchant),
				zap.String("desc_pattern", desc),
			)
		}
		m.rules = append(m.rules, c)
	}
	return m
}

func compile(r domain.MappingRule) compiled {
	c := compiled{rule: r}
	if _, ok := r.MatchType.(domain.Regex); !ok {
		return c
	}
	merchant, desc := domain.ScopePatterns(r.Scope)
	var err error
	if merchant != "" {
		if c.merchantRe, err = regexp.Compile("(?i)" + merchant); err != nil {
			c.broken = true
		}
	}
	if desc != "" {
		if c.descRe, err = regexp.Compile("(?i)" + desc); err != nil {
			c.broken = true
		}
	}
	return c
}

// Len returns the number of rules, including broken ones.
func (m *Matcher) Len() int {
	return len(m.rules)
}

// Match returns the target of the first matching rule and the rule itself, or
// nil when nothing matches.
func (m *Matcher) Match(merchantNorm, descNorm string) (*domain.CategoryRef, *domain.MappingRule) {
	for i := range m.rules {
		c := &m.rules[i]
		if c.matches(merchantNorm, descNorm) {
			target := c.rule.Target
			return &target, &c.rule
		}
	}
	return nil, nil
}

// Matches evaluates a single rule. Used when re-applying one rule to history.
func Matches(rule domain.MappingRule, merchantNorm, descNorm string) bool {
	c := compile(rule)
	return c.matches(merchantNorm, descNorm)
}

func (c *compiled) matches(merchantNorm, descNorm string) bool {
	if c.broken {
		return false
	}
	switch s := c.rule.Scope.(type) {
	case domain.MerchantScope:
		return c.field(merchantNorm, s.Pattern, c.merchantRe)
	case domain.DescriptionScope:
		return c.field(descNorm, s.Pattern, c.descRe)
	case domain.PairScope:
		return c.field(merchantNorm, s.MerchantPattern, c.merchantRe) &&
			c.field(descNorm, s.DescriptionPattern, c.descRe)
	default:
		panic(fmt.Sprintf("rules: unhandled field scope %T", s))
	}
}

func (c *compiled) field(text, pattern string, re *regexp.Regexp) bool {
	if text == "" || pattern == "" {
		return false
	}
	switch c.rule.MatchType.(type) {
	case domain.Exact:
		return strings.EqualFold(text, pattern)
	case domain.Contains:
		return strings.Contains(strings.ToLower(text), strings.ToLower(pattern))
	case domain.Regex:
		return re != nil && re.MatchString(text)
	default:
		panic(fmt.Sprintf("rules: unhandled match type %T", c.rule.MatchType))
	}
}
