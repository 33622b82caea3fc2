package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// CategoryRef is a resolved (category, subcategory) pair.
type CategoryRef struct {
	CategoryID    string `json:"category_id"`
	SubcategoryID string `json:"subcategory_id,omitempty"`
}

// Equal compares two optional refs.
func (c *CategoryRef) Equal(o *CategoryRef) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	return c.CategoryID == o.CategoryID && c.SubcategoryID == o.SubcategoryID
}

// Category is a named ledger category. Subcategories carry a ParentID.
type Category struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// MatchType is the closed set of pattern comparison strategies.
// The unexported method keeps implementations inside this package.
type MatchType interface {
	Rank() int
	String() string
	isMatchType()
}

// Exact requires case-insensitive string equality.
type Exact struct{}

// Contains requires the pattern to occur as a case-insensitive substring.
type Contains struct{}

// Regex requires a case-insensitive regular expression search to succeed.
type Regex struct{}

func (Exact) Rank() int         { return 0 }
func (Contains) Rank() int      { return 1 }
func (Regex) Rank() int         { return 2 }
func (Exact) String() string    { return "EXACT" }
func (Contains) String() string { return "CONTAINS" }
func (Regex) String() string    { return "REGEX" }
func (Exact) isMatchType()      {}
func (Contains) isMatchType()   {}
func (Regex) isMatchType()      {}

// ParseMatchType converts a stored name into a MatchType.
func ParseMatchType(s string) (MatchType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EXACT":
		return Exact{}, nil
	case "CONTAINS":
		return Contains{}, nil
	case "REGEX":
		return Regex{}, nil
	}
	return nil, &ErrValidation{Field: "match_type", Message: fmt.Sprintf("unknown match type %q", s)}
}

// FieldScope is the closed set of fields a rule is evaluated against.
// Each variant carries exactly the patterns it needs.
type FieldScope interface {
	Kind() string
	isFieldScope()
}

// MerchantScope compares the normalized merchant only.
type MerchantScope struct {
	Pattern string
}

// DescriptionScope compares the normalized description only.
type DescriptionScope struct {
	Pattern string
}

// PairScope requires both patterns to match their fields.
type PairScope struct {
	MerchantPattern    string
	DescriptionPattern string
}

func (MerchantScope) Kind() string     { return "MERCHANT" }
func (DescriptionScope) Kind() string  { return "DESCRIPTION" }
func (PairScope) Kind() string         { return "PAIR" }
func (MerchantScope) isFieldScope()    {}
func (DescriptionScope) isFieldScope() {}
func (PairScope) isFieldScope()        {}

// NewFieldScope builds a scope from its stored representation.
func NewFieldScope(kind, merchantPattern, descPattern string) (FieldScope, error) {
	switch strings.ToUpper(strings.TrimSpace(kind)) {
	case "MERCHANT", "":
		if merchantPattern == "" {
			return nil, &ErrValidation{Field: "pattern", Message: "merchant pattern is required"}
		}
		return MerchantScope{Pattern: merchantPattern}, nil
	case "DESCRIPTION":
		if descPattern == "" {
			return nil, &ErrValidation{Field: "desc_pattern", Message: "description pattern is required"}
		}
		return DescriptionScope{Pattern: descPattern}, nil
	case "PAIR":
		if merchantPattern == "" || descPattern == "" {
			return nil, &ErrValidation{Field: "pattern", Message: "pair rules need both patterns"}
		}
		return PairScope{MerchantPattern: merchantPattern, DescriptionPattern: descPattern}, nil
	}
	return nil, &ErrValidation{Field: "fields", Message: fmt.Sprintf("unknown field scope %q", kind)}
}

// ScopePatterns returns the (merchant, description) patterns of a scope for storage.
func ScopePatterns(s FieldScope) (merchant, desc string) {
	switch v := s.(type) {
	case MerchantScope:
		return v.Pattern, ""
	case DescriptionScope:
		return "", v.Pattern
	case PairScope:
		return v.MerchantPattern, v.DescriptionPattern
	default:
		panic(fmt.Sprintf("domain: unhandled field scope %T", s))
	}
}

// MappingRule maps normalized text to a category.
type MappingRule struct {
	ID        string      `json:"id"`
	MatchType MatchType   `json:"-"`
	Scope     FieldScope  `json:"-"`
	Target    CategoryRef `json:"target"`
	Priority  int         `json:"priority"`
	Seq       int64       `json:"seq"` // insertion order, final tie-break
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Validate checks that a rule is fully specified. Malformed regular expressions
// are accepted here; the matcher treats them as never matching.
func (r *MappingRule) Validate() error {
	if r.MatchType == nil {
		return &ErrValidation{Field: "match_type", Message: "required"}
	}
	if r.Scope == nil {
		return &ErrValidation{Field: "fields", Message: "required"}
	}
	if r.Target.CategoryID == "" {
		return &ErrValidation{Field: "category_id", Message: "required"}
	}
	return nil
}

// RegexValid reports whether every pattern of a REGEX rule compiles.
func (r *MappingRule) RegexValid() bool {
	if _, ok := r.MatchType.(Regex); !ok {
		return true
	}
	m, d := ScopePatterns(r.Scope)
	for _, p := range []string{m, d} {
		if p == "" {
			continue
		}
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return false
		}
	}
	return true
}

// SortRules orders rules by match-type rank, then priority descending, then insertion order.
func SortRules(rules []MappingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.MatchType.Rank() != b.MatchType.Rank() {
			return a.MatchType.Rank() < b.MatchType.Rank()
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Seq < b.Seq
	})
}
