package normalize

import (
	"regexp"
	"strings"
)

// variant maps a high-volume merchant pattern to its canonical name.
// When canonical is empty the matched brand token itself is used.
type variant struct {
	pattern   *regexp.Regexp
	canonical string
}

// variants are tried top-down against the upper-cased text; the first match wins.
// Specific patterns (UBER EATS) must precede their general forms (UBER).
var variants = []variant{
	{regexp.MustCompile(`\bLONGO'?S( MLS)?\b`), "longos"},
	{regexp.MustCompile(`\bAMAZON(\.COM|\.CA)?( PAYMENTS| MKTPLACE| PRIME| DIGITAL)?`), "amazon"},
	{regexp.MustCompile(`\bAMZN( MKTP| MKTPLACE)?`), "amazon"},
	{regexp.MustCompile(`\bUBER\s*EATS`), "uber eats"},
	{regexp.MustCompile(`\bUBER( RIDES| TRIP| TECHNOLOGIES| CANADA| BV)?\b`), "uber"},
	{regexp.MustCompile(`\bTIM HORTON'?S?\b`), "tim hortons"},
	{regexp.MustCompile(`\bDOLLAR(AMA)?\b`), "dollarama"},
	{regexp.MustCompile(`\bNETFLIX`), "netflix"},
	{regexp.MustCompile(`\bREXALL( PHARMACY)?\b`), "rexall"},
	{regexp.MustCompile(`\bFARM BOY\b`), "farm boy"},
	{regexp.MustCompile(`\bKITCHEN MARKET\b`), "kitchen market"},
	{regexp.MustCompile(`\bNATURE'?S EMPORIUM\b`), "natures emporium"},
	{regexp.MustCompile(`\bMC ?DONALD'?S?\b`), "mcdonalds"},
	{regexp.MustCompile(`\bSTARBUCKS?\b`), "starbucks"},
	{regexp.MustCompile(`\bSBUX\b`), "starbucks"},
	{regexp.MustCompile(`\bWAL ?MART( SUPERCENTER| STORE)?\b`), "walmart"},
	{regexp.MustCompile(`\b(CANADIAN TIRE|CDN TIRE|CT)\b`), "canadian tire"},
	{regexp.MustCompile(`\bMETRO( ONTARIO| INC| STORE)?\b`), "metro"},
	{regexp.MustCompile(`\b(LOBLAWS?|REAL CANADIAN SUPERSTORE|SUPERSTORE)\b`), "loblaws"},
	{regexp.MustCompile(`\b(SHOPPERS( DRUG MART)?|SDM)\b`), "shoppers drug mart"},
	{regexp.MustCompile(`\b(ROGERS|BELL|TELUS|FIDO)( COMMUNICATIONS| WIRELESS| MOBILITY| CABLE| CANADA)?\b`), ""},
}

var telecomBrand = regexp.MustCompile(`\b(ROGERS|BELL|TELUS|FIDO)\b`)

// CanonicalVariant returns the canonical name of the first matching known
// merchant variant, or text unchanged when none match.
func CanonicalVariant(text string) string {
	upper := strings.ToUpper(text)
	for _, v := range variants {
		if !v.pattern.MatchString(upper) {
			continue
		}
		if v.canonical != "" {
			return v.canonical
		}
		if m := telecomBrand.FindStringSubmatch(upper); m != nil {
			return strings.ToLower(m[1])
		}
	}
	return text
}
