// Package dedup computes the content hash that identifies a real-world
// transaction independently of where it was fetched from.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// ContentHash returns the hex SHA-256 of account, purchase date, amount and the
// normalized identifier. Amount is rendered with two decimals so 42 and 42.00
// hash identically.
func ContentHash(accountID string, purchaseDate time.Time, amount decimal.Decimal, identifier string) string {
	var b strings.Builder
	b.WriteString(accountID)
	b.WriteByte('|')
	b.WriteString(purchaseDate.Format(dateLayout))
	b.WriteByte('|')
	b.WriteString(amount.StringFixed(2))
	b.WriteByte('|')
	b.WriteString(identifier)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Identifier joins the normalized merchant and description used as the hash's
// text component. Empty parts are dropped.
func Identifier(merchantNorm, descNorm string) string {
	switch {
	case merchantNorm == "":
		return descNorm
	case descNorm == "":
		return merchantNorm
	}
	return merchantNorm + "|" + descNorm
}
