package normalize_test

import (
	"testing"

	"github.com/boddenberg/ledger-ingest-go/internal/normalize"

	"github.com/stretchr/testify/assert"
)

func TestMerchant(t *testing.T) {
	tests := []struct {
		name     string
		merchant string
		desc     string
		want     string
	}{
		{"uber eats before uber", "UBER EATS *TRIP 1234", "", "uber eats"},
		{"uber rides", "UBER TECHNOLOGIES", "", "uber"},
		{"numbered store", "LONGO'S MLS #123", "", "longos"},
		{"telecom keeps brand", "ROGERS WIRELESS 800", "", "rogers"},
		{"description fallback", "", "NETFLIX.COM 866", "netflix"},
		{"diacritics and trailing number", "Café Délice 42", "", "cafe delice"},
		{"trailing region code", "Some Shop 1234 Toronto ON", "", "some shop toronto"},
		{"word boundary keeps metropolitan", "METROPOLITAN DELI", "", "metropolitan deli"},
		{"empty", "", "", ""},
		{"whitespace only", "   ", "  ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalize.Merchant(tt.merchant, tt.desc))
		})
	}
}

func TestDescription(t *testing.T) {
	assert.Equal(t, "", normalize.Description(""))
	assert.Equal(t, "", normalize.Description("INTERAC PAYMENT - THANK YOU 12/05"))
	assert.Equal(t, "shop xyz toronto", normalize.Description("SHOP XYZ TORONTO ON"))
	// Trailing two-letter tokens are treated as region codes.
	assert.Equal(t, "coffee", normalize.Description("**Coffee Co. #5521"))
	// Variants only apply to merchants.
	assert.Equal(t, "uber eats order", normalize.Description("UBER EATS ORDER"))
}

func TestCanonicalVariant_FirstMatchWins(t *testing.T) {
	assert.Equal(t, "uber eats", normalize.CanonicalVariant("uber eats toronto"))
	assert.Equal(t, "uber", normalize.CanonicalVariant("uber canada trip"))
	assert.Equal(t, "amazon", normalize.CanonicalVariant("amzn mktp ca"))
	assert.Equal(t, "bell", normalize.CanonicalVariant("bell canada 5551"))
	assert.Equal(t, "no match here", normalize.CanonicalVariant("no match here"))
}

func TestMerchantKey(t *testing.T) {
	tests := []struct {
		merchant string
		desc     string
		want     string
	}{
		{"ONLINE PAYMENTS BY STRIPE", "OPENAI *CHATGPT SUBSCR", "OPENAI"},
		{"ONLINE PAYMENTS BY STRIPE", "CHATGPT PLUS", "OPENAI"},
		{"ONLINE PAYMENTS BY STRIPE", "CURSOR AI POWERED IDE", "CURSOR"},
		{"ONLINE PAYMENTS BY STRIPE", "LEETCODE PREMIUM", "LEETCODE"},
		{"B2B TRANSACTION", "TRADINGVIEW PRO", "TRADINGVIEW"},
		{"NEW MERCHANT", "FIDO MOBILE 800", "FIDO"},
		{"Bell Mobility", "BELL CANADA ONLINE", "BELL_CANADA"},
		{"Spotify P2A3B4", "", "SPOTIFY"},
		{"ACME WIDGETS INC", "", "ACME WIDGETS"},
		{"GYM CLUB 4821", "", "GYM CLUB"},
		{"", "", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalize.MerchantKey(tt.merchant, tt.desc), "%q / %q", tt.merchant, tt.desc)
	}
}

func TestMerchantKey_DiffersFromMerchant(t *testing.T) {
	// The generic processor name normalizes to itself, but the key folds into the brand.
	assert.Equal(t, "online payments by stripe", normalize.Merchant("ONLINE PAYMENTS BY STRIPE", "OPENAI"))
	assert.Equal(t, "OPENAI", normalize.MerchantKey("ONLINE PAYMENTS BY STRIPE", "OPENAI"))
}
