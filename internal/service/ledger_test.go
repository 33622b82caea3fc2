package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
)

func TestAmendCategory_KeepsIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "acc-1")
	misc := f.category(t, "Misc")
	f.seedLedger(t, historyRow("h1", acct.ID, "2025-01-02", "BLUE BOTTLE COFFEE", "4.50", nil))
	before := f.liveLedger(t)[0]

	got, err := f.ledger.AmendCategory(ctx, before.ID, misc)
	if err != nil {
		t.Fatal(err)
	}
	if got.Category == nil || got.Category.CategoryID != misc.CategoryID || got.CategoryName != "Misc" {
		t.Fatalf("category not amended: %+v", got)
	}
	if got.DedupHash != before.DedupHash || !got.Amount.Equal(before.Amount) || !got.PostedDate.Equal(before.PostedDate) {
		t.Errorf("amendment changed row identity: before %+v after %+v", before, got)
	}

	_, err = f.ledger.AmendCategory(ctx, before.ID, domain.CategoryRef{CategoryID: "nope"})
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found for unknown category, got %v", err)
	}
}

func TestUnmappedMerchants(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "acc-1")
	misc := f.category(t, "Misc")
	f.seedLedger(t,
		historyRow("h1", acct.ID, "2025-01-02", "CORNER STORE", "3.00", nil),
		historyRow("h2", acct.ID, "2025-02-02", "CORNER STORE", "4.00", nil),
		historyRow("h3", acct.ID, "2025-01-05", "LONE KIOSK", "2.00", nil),
		historyRow("h4", acct.ID, "2025-01-06", "FILED CAFE", "5.00", refPtr(misc)),
		historyRow("h5", acct.ID, "2025-01-07", "REFUND DESK", "-6.00", nil),
	)

	got, err := f.ledger.UnmappedMerchants(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 unmapped merchants, got %+v", got)
	}
	if got[0].MerchantNorm != "corner store" || got[0].Count != 2 || !got[0].TotalAmount.Equal(money("7.00")) {
		t.Errorf("unexpected top merchant %+v", got[0])
	}
	if got[1].MerchantNorm != "lone kiosk" {
		t.Errorf("unexpected second merchant %+v", got[1])
	}
}
