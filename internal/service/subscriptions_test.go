package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/port"
)

func TestDetectSubscriptions_FromLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "acc-1")
	streaming := f.category(t, "Streaming")

	now := time.Now().UTC()
	first := time.Date(now.Year(), now.Month(), 5, 0, 0, 0, 0, time.UTC).AddDate(0, -6, 0)
	amounts := []string{"15.99", "15.99", "15.99", "17.99", "17.99", "17.99"}
	var rows []domain.LedgerTransaction
	for i, a := range amounts {
		date := first.AddDate(0, i, 0).Format("2006-01-02")
		rows = append(rows, historyRow("sub-"+date, acct.ID, date, "CRAVE TV", a, refPtr(streaming)))
	}
	rows = append(rows, historyRow("refund", acct.ID, first.Format("2006-01-02"), "CRAVE TV", "-15.99", refPtr(streaming)))
	f.seedLedger(t, rows...)

	report, err := f.subs.Detect(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Subscriptions) != 1 {
		t.Fatalf("expected one subscription, got %+v", report.Subscriptions)
	}
	sub := report.Subscriptions[0]
	if sub.Category != "Streaming" || sub.MonthsCount != 6 || !sub.IsCurrent {
		t.Errorf("unexpected subscription %+v", sub)
	}
	if sub.MonthlyAmount.StringFixed(2) != "17.99" || len(sub.PriceChanges) != 1 {
		t.Errorf("expected price change to 17.99, got %s %+v", sub.MonthlyAmount, sub.PriceChanges)
	}
	if report.CurrentCount != 1 {
		t.Errorf("expected current count 1, got %d", report.CurrentCount)
	}

	since := first.AddDate(0, 4, 0)
	report, err = f.subs.Detect(ctx, &since)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Subscriptions) != 0 {
		t.Errorf("two months of history should not qualify, got %+v", report.Subscriptions)
	}
}

func TestDetectSubscriptions_IgnoresDeleted(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "acc-1")
	f.seedLedger(t, historyRow("x", acct.ID, "2025-01-05", "NETFLIX", "9.99", nil))
	if _, err := f.store.SoftDeleteByExternalID(context.Background(), []string{"x"}); err != nil {
		t.Fatal(err)
	}
	rows, _ := f.store.ListLedger(context.Background(), port.LedgerFilter{TxnType: domain.TxnExpense})
	if len(rows) != 0 {
		t.Fatalf("deleted row still listed")
	}
	report, err := f.subs.Detect(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Subscriptions) != 0 {
		t.Errorf("unexpected subscriptions %+v", report.Subscriptions)
	}
}
