// Package normalize turns raw merchant and description strings into the
// canonical comparison form used for dedup, rule matching and history lookups.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// noise is removed before punctuation stripping. Order matters only for readability.
var noise = []*regexp.Regexp{
	regexp.MustCompile(`\*+`),
	regexp.MustCompile(`#\d+`),
	regexp.MustCompile(`\b\d{2}/\d{2}\b`),
	regexp.MustCompile(`\b\d{4}\b`),
	regexp.MustCompile(`\bpayment\b`),
	regexp.MustCompile(`\bthank you\b`),
	regexp.MustCompile(`\bmerci\b`),
	regexp.MustCompile(`\bpos\b`),
	regexp.MustCompile(`\bdebit\b`),
	regexp.MustCompile(`\bcredit\b`),
	regexp.MustCompile(`\btransfer\b`),
	regexp.MustCompile(`\bvirement\b`),
	regexp.MustCompile(`\binterac\b`),
}

var (
	punctuation    = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	trailingNumber = regexp.MustCompile(`\s+\d+\s*$`)
	trailingRegion = regexp.MustCompile(`\s+[a-z]{2}\s*$`)
	whitespace     = regexp.MustCompile(`\s+`)
)

// Merchant normalizes a merchant name, falling back to the description when the
// merchant is empty. Known merchant variants collapse to one canonical name.
// An empty result means there was nothing to normalize.
func Merchant(merchantRaw, descriptionRaw string) string {
	text := merchantRaw
	if strings.TrimSpace(text) == "" {
		text = descriptionRaw
	}
	if strings.TrimSpace(text) == "" {
		return ""
	}
	text = foldCase(text)
	text = CanonicalVariant(text)
	return clean(text)
}

// Description normalizes a description. Merchant variants are not applied.
func Description(descriptionRaw string) string {
	if strings.TrimSpace(descriptionRaw) == "" {
		return ""
	}
	return clean(foldCase(descriptionRaw))
}

// Text is an alias for Description for free-form input.
func Text(s string) string {
	return Description(s)
}

// foldCase lower-cases and strips combining marks. If decomposition fails the
// lower-cased input is returned with invalid UTF-8 replaced.
func foldCase(s string) string {
	lower := strings.ToLower(strings.ToValidUTF8(s, " "))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, lower)
	if err != nil {
		return lower
	}
	return out
}

func clean(text string) string {
	for _, re := range noise {
		text = re.ReplaceAllString(text, " ")
	}
	text = punctuation.ReplaceAllString(text, " ")
	text = trailingNumber.ReplaceAllString(text, "")
	text = trailingRegion.ReplaceAllString(text, "")
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}
