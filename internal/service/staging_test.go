package service_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/service"

	"go.uber.org/zap"
)

func TestStage_AssignsStatuses(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "acc-1")
	dining := f.category(t, "Dining")
	groceries := f.category(t, "Groceries")
	f.rule(t, "CONTAINS", "MERCHANT", "greenleaf", groceries)
	f.seedLedger(t, historyRow("old-1", acct.ID, "2025-03-01", "CORNER BAKERY", "25.00", &dining))

	transfer := raw("excl", "acc-1", "2025-03-02", "TFR TO SAVINGS", "100.00")
	transfer.CategoryPrimary = "internal transfer"
	card := raw("card", "acc-1", "2025-03-03", "AMEX", "300.00")
	card.CategoryDetailed = "LOAN_PAYMENTS_CREDIT_CARD_PAYMENT"

	sessionID := f.session(t)
	summary := f.stage(t, sessionID,
		raw("dup", "acc-1", "2025-03-01", "CORNER BAKERY", "25.00"),
		transfer,
		card,
		raw("thanks", "acc-1", "2025-03-04", "PAYMENT RECEIVED - THANK YOU", "-500.00"),
		raw("rule", "acc-1", "2025-03-05", "GREENLEAF GROCERS 0042", "54.10"),
		raw("unknown", "acc-1", "2025-03-06", "ZYXWV QRST", "9.99"),
	)

	want := domain.ImportSummary{Fetched: 6, Total: 6, Duplicate: 1, Excluded: 3, Ready: 1, NeedsCategory: 1}
	if !reflect.DeepEqual(summary, want) {
		t.Fatalf("summary = %+v, want %+v", summary, want)
	}

	rows := f.staged(t, sessionID)
	checks := []struct {
		id     string
		status domain.StagingStatus
		reason string
	}{
		{"dup", domain.StatusDuplicate, ""},
		{"excl", domain.StatusExcluded, "category_internal_transfer"},
		{"card", domain.StatusExcluded, domain.ReasonCreditCardPayment},
		{"thanks", domain.StatusExcluded, domain.ReasonCustomRule},
		{"rule", domain.StatusReady, ""},
		{"unknown", domain.StatusNeedsCategory, ""},
	}
	for _, c := range checks {
		row := rows[c.id]
		if row.Status != c.status || row.ExcludeReason != c.reason {
			t.Errorf("%s: got (%s, %q), want (%s, %q)", c.id, row.Status, row.ExcludeReason, c.status, c.reason)
		}
	}
	if rows["excl"].Category != nil {
		t.Error("excluded rows should not get a category suggestion")
	}
	if !rows["rule"].Category.Equal(&groceries) {
		t.Errorf("expected groceries suggestion, got %+v", rows["rule"].Category)
	}
	if rows["rule"].HashKey == "" || len(rows["rule"].RawJSON) == 0 {
		t.Error("expected hash and raw snapshot on staged row")
	}
	if got := f.metrics.StagedCount("excluded"); got != 3 {
		t.Errorf("expected excluded metric 3, got %v", got)
	}
}

func TestStage_ReconcileSupersedesCopiesInOtherSessions(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	dining := f.category(t, "Dining")
	f.rule(t, "CONTAINS", "MERCHANT", "coffee hut", dining)
	ctx := context.Background()

	pending := raw("P1", "acc-1", "2025-04-01", "COFFEE HUT", "4.50")
	pending.Pending = true
	var sessions []string
	for _, id := range []string{"sess-a", "sess-b", "sess-c"} {
		if err := f.store.CreateSession(ctx, &domain.ImportSession{ID: id, Mode: domain.ModeDelta}); err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, id)
	}
	// Re-delivery stages the same pending record twice.
	f.stage(t, "sess-a", pending)
	f.stage(t, "sess-b", pending)

	posted := raw("T1", "acc-1", "2025-04-02", "COFFEE HUT", "4.50")
	posted.PendingTransactionID = "P1"
	summary := f.stage(t, "sess-c", posted)
	if summary.Superseded != 2 {
		t.Fatalf("expected both pending copies superseded, got %+v", summary)
	}
	for _, id := range []string{"sess-a", "sess-b"} {
		if st := f.staged(t, id)["P1"].Status; st != domain.StatusSuperseded {
			t.Errorf("%s.P1 = %s, want superseded", id, st)
		}
	}

	for _, id := range sessions {
		if _, err := f.commit.Commit(ctx, id, domain.CommitSelection{}); err != nil {
			t.Fatalf("commit %s: %v", id, err)
		}
	}
	ledger := f.liveLedger(t)
	if len(ledger) != 1 || ledger[0].ExternalID != "T1" {
		t.Fatalf("expected one ledger row for one charge, got %+v", ledger)
	}
}

func TestStage_FiltersAndWindow(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	disabled := f.account(t, "acc-3")
	if err := f.store.SetImportEnabled(context.Background(), disabled.ID, false); err != nil {
		t.Fatal(err)
	}

	noDate := raw("nodate", "acc-1", "2025-03-10", "SHOP", "1.00")
	noDate.Date = nil
	lateButAuthorized := raw("auth", "acc-1", "2025-04-02", "LATE SETTLE", "7.00")
	lateButAuthorized.AuthorizedDate = datePtr("2025-03-30")

	sessionID := f.session(t)
	summary, err := f.staging.Stage(context.Background(), service.StageRequest{
		SessionID: sessionID,
		Records: []domain.RawTransaction{
			raw("in", "acc-1", "2025-03-15", "IN WINDOW", "3.00"),
			raw("other-acct", "acc-2", "2025-03-15", "FILTERED", "3.00"),
			raw("disabled", "acc-3", "2025-03-15", "DISABLED", "3.00"),
			noDate,
			raw("late", "acc-1", "2025-04-03", "OUTSIDE", "3.00"),
			lateButAuthorized,
		},
		Window:        &service.Window{Start: day("2025-03-01"), End: day("2025-03-31")},
		AccountFilter: []string{"acc-1", "acc-3"},
		Rejected:      []domain.RowError{{Sheet: "transactions", Row: 7, RecordID: "bad", Field: "amount", Message: "missing amount"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Total != 2 || summary.Skipped != 4 || summary.OutsideWindow != 1 || summary.Fetched != 7 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Errors) != 2 || summary.Errors[0].RecordID != "bad" ||
		summary.Errors[1].RecordID != "nodate" || summary.Errors[1].Field != "date" {
		t.Errorf("expected rejected and undated rows reported, got %+v", summary.Errors)
	}
	if got := f.metrics.RowErrorCount("aggregator"); got != 2 {
		t.Errorf("expected row error metric 2, got %v", got)
	}
	rows := f.staged(t, sessionID)
	if got := rows["auth"].Date; !got.Equal(day("2025-03-30")) {
		t.Errorf("expected purchase date from authorized date, got %v", got)
	}
	if _, ok := rows["late"]; ok {
		t.Error("row outside the window was staged")
	}
}

func TestStage_HashIsStableAcrossSessions(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	r := raw("x1", "acc-1", "2025-05-01", "HARBOUR BOOKS", "12.00")

	s1 := f.session(t)
	f.stage(t, s1, r)
	s2 := &domain.ImportSession{ID: "second", Mode: domain.ModeRange}
	if err := f.store.CreateSession(context.Background(), s2); err != nil {
		t.Fatal(err)
	}
	f.stage(t, s2.ID, r)

	a, b := f.staged(t, s1)["x1"], f.staged(t, s2.ID)["x1"]
	if a.HashKey == "" || a.HashKey != b.HashKey {
		t.Fatalf("expected identical hashes, got %q and %q", a.HashKey, b.HashKey)
	}
}

func TestStage_ReconcilesPendingWithinSession(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	dining := f.category(t, "Dining")
	f.rule(t, "CONTAINS", "MERCHANT", "coffee hut", dining)

	sessionID := f.session(t)
	pending := raw("P1", "acc-1", "2025-04-01", "COFFEE HUT", "4.50")
	pending.Pending = true
	f.stage(t, sessionID, pending)

	posted := raw("T1", "acc-1", "2025-04-02", "COFFEE HUT", "4.50")
	posted.AuthorizedDate = datePtr("2025-04-01")
	posted.PendingTransactionID = "P1"
	summary := f.stage(t, sessionID, posted)

	if summary.Superseded != 1 {
		t.Fatalf("expected one superseded record, got %+v", summary)
	}
	rows := f.staged(t, sessionID)
	if rows["P1"].Status != domain.StatusSuperseded || rows["P1"].ExcludeReason != domain.ReasonReplacedByPosted {
		t.Fatalf("expected P1 superseded, got %s/%s", rows["P1"].Status, rows["P1"].ExcludeReason)
	}

	result, err := f.commit.Commit(context.Background(), sessionID, domain.CommitSelection{})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	ledger := f.liveLedger(t)
	if result.Inserted != 1 || len(ledger) != 1 || ledger[0].ExternalID != "T1" {
		t.Fatalf("expected exactly the posted row in the ledger, got %+v / %+v", result, ledger)
	}

	// Reconciling again changes nothing.
	n, err := service.NewReconciler(f.store, f.metrics, zap.NewNop()).Reconcile(context.Background(), sessionID)
	if err != nil || n != 0 {
		t.Errorf("expected idempotent reconcile, got %d, %v", n, err)
	}
}
