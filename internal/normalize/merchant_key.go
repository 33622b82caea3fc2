package normalize

import (
	"regexp"
	"strings"
)

const (
	stripeProcessor = "ONLINE PAYMENTS BY STRIPE"
	b2bProcessor    = "B2B TRANSACTION"
)

// keyRule folds a (merchant, description) pair into a brand key. Both inputs
// are upper-cased and trimmed before evaluation.
type keyRule struct {
	key     string
	matches func(merchant, desc string) bool
}

func viaProcessor(processor string, descTokens ...string) func(string, string) bool {
	return func(m, d string) bool {
		if m != processor {
			return false
		}
		for _, t := range descTokens {
			if strings.Contains(d, t) {
				return true
			}
		}
		return false
	}
}

func merchantHas(token string) func(string, string) bool {
	return func(m, _ string) bool { return strings.Contains(m, token) }
}

func descHas(token string) func(string, string) bool {
	return func(_, d string) bool { return strings.Contains(d, token) }
}

func anyOf(preds ...func(string, string) bool) func(string, string) bool {
	return func(m, d string) bool {
		for _, p := range preds {
			if p(m, d) {
				return true
			}
		}
		return false
	}
}

var patreonMembership = regexp.MustCompile(`PATREON.*MEMBERSHIP`)

// keyRules fold payment-processor pass-through charges and brand variations.
// Evaluated top-down; first match wins.
var keyRules = []keyRule{
	{"OPENAI", anyOf(viaProcessor(stripeProcessor, "OPENAI", "CHATGPT"), merchantHas("OPENAI"))},
	{"CURSOR", anyOf(viaProcessor(stripeProcessor, "CURSOR"), merchantHas("CURSOR"))},
	{"TRADINGVIEW", anyOf(viaProcessor(b2bProcessor, "TRADINGVIEW"), merchantHas("TRADINGVIEW"))},
	{"LEETCODE", anyOf(viaProcessor(stripeProcessor, "LEETCODE"), merchantHas("LEETCODE"))},
	{"NETFLIX", anyOf(merchantHas("NETFLIX"), descHas("NETFLIX"))},
	{"MEMBERSHIP_FEE", anyOf(
		merchantHas("MEMBERSHIP FEE"),
		func(m, d string) bool {
			return m == "CHECKOUT.COM ECOMM MEDIUM EEA" && patreonMembership.MatchString(d)
		},
		func(m, d string) bool {
			return strings.Contains(m, "INTEREST") && strings.Contains(d, "MEMBERSHIP FEE")
		},
	)},
	{"FIDO", anyOf(merchantHas("FIDO"), descHas("FIDO MOBILE"))},
	{"BELL_CANADA", anyOf(
		merchantHas("BELL CANADA"),
		func(m, d string) bool { return strings.Contains(m, "BELL") && strings.Contains(d, "BELL CANADA") },
	)},
	{"SPOTIFY", merchantHas("SPOTIFY")},
	{"APPLE", anyOf(merchantHas("APPLE.COM"), merchantHas("APPLE SERVICES"))},
	{"GOOGLE", anyOf(merchantHas("GOOGLE *"), merchantHas("GOOGLE STORAGE"))},
	{"EQUINOX", merchantHas("EQUINOX")},
	{"OURARING", merchantHas("OURA")},
	{"ROGERS", merchantHas("ROGERS")},
	{"TELUS", merchantHas("TELUS")},
}

var (
	corporateSuffix = regexp.MustCompile(`\s+(INC|LLC|LTD|CORP|CO|CORPORATION|LIMITED)\.?$`)
	trailingCode    = regexp.MustCompile(`\s+[A-Z]*\d[A-Z0-9]*$`)
	keySpaces       = regexp.MustCompile(`\s+`)
)

// MerchantKey returns the grouping key used by recurring-charge detection.
// It differs from Merchant: processor pass-through charges fold into the brand
// named in the description, and unknown merchants keep their upper-cased raw
// name minus corporate suffixes and trailing reference codes.
func MerchantKey(merchantRaw, descriptionRaw string) string {
	m := strings.ToUpper(strings.TrimSpace(merchantRaw))
	d := strings.ToUpper(strings.TrimSpace(descriptionRaw))
	if m == "" {
		m = d
	}
	if m == "" {
		return ""
	}
	for _, r := range keyRules {
		if r.matches(m, d) {
			return r.key
		}
	}
	key := keySpaces.ReplaceAllString(m, " ")
	key = corporateSuffix.ReplaceAllString(key, "")
	key = trailingCode.ReplaceAllString(key, "")
	return strings.TrimSpace(key)
}
