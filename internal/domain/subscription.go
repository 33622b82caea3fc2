package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceChange records a step in a subscription's monthly amount.
type PriceChange struct {
	From decimal.Decimal `json:"from"`
	To   decimal.Decimal `json:"to"`
	Date string          `json:"date"` // YYYY-MM of the first month at the new price
}

// Subscription is a detected recurring charge.
type Subscription struct {
	Merchant      string          `json:"merchant"`
	DisplayName   string          `json:"display_name"`
	Category      string          `json:"category"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount"`
	MonthsCount   int             `json:"months_count"`
	TotalCharged  decimal.Decimal `json:"total_charged"`
	FirstDate     time.Time       `json:"first_date"`
	LastDate      time.Time       `json:"last_date"`
	PriceChanges  []PriceChange   `json:"price_changes"`
	IsCurrent     bool            `json:"is_current"`
}

// SubscriptionReport is the detector output with headline totals.
type SubscriptionReport struct {
	Subscriptions []Subscription  `json:"subscriptions"`
	CurrentCount  int             `json:"count"`
	TotalMonthly  decimal.Decimal `json:"total_monthly"`
	TotalAllTime  decimal.Decimal `json:"total_all_time"`
}
