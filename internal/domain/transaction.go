package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawTransaction is a record as delivered by the aggregator or a bulk file.
// Amount follows the aggregator convention: positive means funds leaving the account.
type RawTransaction struct {
	ExternalID           string          `json:"transaction_id"`
	PendingTransactionID string          `json:"pending_transaction_id,omitempty"`
	AccountID            string          `json:"account_id"`
	Date                 *time.Time      `json:"date,omitempty"`
	AuthorizedDate       *time.Time      `json:"authorized_date,omitempty"`
	Name                 string          `json:"name"`
	MerchantName         string          `json:"merchant_name,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"iso_currency_code,omitempty"`
	CategoryPrimary      string          `json:"category_primary,omitempty"`
	CategoryDetailed     string          `json:"category_detailed,omitempty"`
	Pending              bool            `json:"pending"`
}

// PurchaseDate prefers the authorized date and falls back to the posted date.
func (r RawTransaction) PurchaseDate() *time.Time {
	if r.AuthorizedDate != nil {
		return r.AuthorizedDate
	}
	return r.Date
}

// RemovedTransaction identifies a record the aggregator withdrew during delta sync.
type RemovedTransaction struct {
	ExternalID string `json:"transaction_id"`
	AccountID  string `json:"account_id,omitempty"`
}

// DeltaPage is one page of an incremental sync.
type DeltaPage struct {
	Added      []RawTransaction     `json:"added"`
	Modified   []RawTransaction     `json:"modified"`
	Removed    []RemovedTransaction `json:"removed"`
	NextCursor string               `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`

	// Errors lists added or modified records that could not be decoded.
	Errors []RowError `json:"errors,omitempty"`
}

// RangeResult is the outcome of a range fetch: the decoded records plus the
// ones that were skipped as malformed.
type RangeResult struct {
	Transactions []RawTransaction `json:"transactions"`
	Errors       []RowError       `json:"errors,omitempty"`
}

// StagingStatus is the review state of a staged transaction.
type StagingStatus string

const (
	StatusNeedsCategory StagingStatus = "needs_category"
	StatusReady         StagingStatus = "ready"
	StatusApproved      StagingStatus = "approved"
	StatusExcluded      StagingStatus = "excluded"
	StatusDuplicate     StagingStatus = "duplicate"
	StatusSuperseded    StagingStatus = "superseded"
)

// Committable reports whether rows in this status may be promoted to the ledger.
func (s StagingStatus) Committable() bool {
	return s == StatusReady || s == StatusApproved
}

// Terminal reports whether the status can no longer be changed by review actions.
func (s StagingStatus) Terminal() bool {
	return s == StatusDuplicate || s == StatusSuperseded
}

// Valid reports whether s is a known status.
func (s StagingStatus) Valid() bool {
	switch s {
	case StatusNeedsCategory, StatusReady, StatusApproved, StatusExcluded, StatusDuplicate, StatusSuperseded:
		return true
	}
	return false
}

// Exclusion and supersede reason codes.
const (
	ReasonCreditCardPayment = "credit_card_payment"
	ReasonCustomRule        = "custom_rule"
	ReasonReplacedByPosted  = "replaced_by_posted"
	ReasonManual            = "manual"
)

// StagedTransaction is a candidate ledger entry awaiting review.
type StagedTransaction struct {
	ID                   string          `json:"id"`
	SessionID            string          `json:"session_id"`
	ExternalID           string          `json:"external_id,omitempty"`
	PendingTransactionID string          `json:"pending_transaction_id,omitempty"`
	AccountID            string          `json:"account_id"`
	Date                 time.Time       `json:"date"`
	AuthorizedDate       *time.Time      `json:"authorized_date,omitempty"`
	Name                 string          `json:"name"`
	MerchantName         string          `json:"merchant_name,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	CategoryPrimary      string          `json:"category_primary,omitempty"`
	CategoryDetailed     string          `json:"category_detailed,omitempty"`
	Category             *CategoryRef    `json:"suggested_category,omitempty"`
	Status               StagingStatus   `json:"status"`
	ExcludeReason        string          `json:"exclude_reason,omitempty"`
	HashKey              string          `json:"hash_key"`
	RawJSON              []byte          `json:"-"`
	CreatedAt            time.Time       `json:"created_at"`
}

// TxnType classifies a ledger row.
type TxnType string

const (
	TxnExpense TxnType = "expense"
	TxnIncome  TxnType = "income"
)

// LedgerTransaction is a permanent, accepted transaction.
// Expenses are stored negative and income positive.
type LedgerTransaction struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	ExternalID     string          `json:"external_id,omitempty"`
	PostedDate     time.Time       `json:"posted_date"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	MerchantRaw    string          `json:"merchant_raw"`
	DescriptionRaw string          `json:"description_raw"`
	MerchantNorm   string          `json:"merchant_norm,omitempty"`
	DescNorm       string          `json:"description_norm,omitempty"`
	Category       *CategoryRef    `json:"category,omitempty"`
	CategoryName   string          `json:"category_name,omitempty"`
	Source         string          `json:"source"`
	TxnType        TxnType         `json:"txn_type"`
	DedupHash      string          `json:"dedup_hash"`
	SessionID      string          `json:"session_id,omitempty"`
	Deleted        bool            `json:"is_deleted"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UnmappedMerchant summarises uncategorized ledger rows sharing a normalized merchant.
type UnmappedMerchant struct {
	MerchantNorm string          `json:"merchant_norm"`
	Count        int             `json:"count"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	FirstSeen    time.Time       `json:"first_seen"`
	LastSeen     time.Time       `json:"last_seen"`
}
