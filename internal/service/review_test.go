package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
)

func TestAssignCategory_PropagatesToSameRawPair(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	misc := f.category(t, "Misc")
	sessionID := f.session(t)
	f.stage(t, sessionID,
		raw("a", "acc-1", "2025-02-01", "ZYXWV QRST", "5.00"),
		raw("b", "acc-1", "2025-02-08", "ZYXWV QRST", "6.00"),
		raw("c", "acc-1", "2025-02-09", "OTHER THING", "7.00"),
	)
	rows := f.staged(t, sessionID)

	n, err := f.review.AssignCategory(context.Background(), rows["a"].ID, misc)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows updated, got %d", n)
	}

	rows = f.staged(t, sessionID)
	for _, id := range []string{"a", "b"} {
		if rows[id].Status != domain.StatusReady || !rows[id].Category.Equal(&misc) {
			t.Errorf("%s: expected ready with category, got %s %+v", id, rows[id].Status, rows[id].Category)
		}
	}
	if rows["c"].Status != domain.StatusNeedsCategory {
		t.Errorf("unrelated row changed to %s", rows["c"].Status)
	}
}

func TestAssignCategory_RejectsTerminalAndUnknownCategory(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "acc-1")
	misc := f.category(t, "Misc")
	f.seedLedger(t, historyRow("old", acct.ID, "2025-02-01", "ZYXWV QRST", "5.00", nil))

	sessionID := f.session(t)
	f.stage(t, sessionID, raw("dup", "acc-1", "2025-02-01", "ZYXWV QRST", "5.00"))
	dup := f.staged(t, sessionID)["dup"]
	if dup.Status != domain.StatusDuplicate {
		t.Fatalf("expected duplicate, got %s", dup.Status)
	}

	_, err := f.review.AssignCategory(context.Background(), dup.ID, misc)
	var inv *domain.ErrInvalidTransition
	if !errors.As(err, &inv) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_, err = f.review.AssignCategory(context.Background(), dup.ID, domain.CategoryRef{CategoryID: "nope"})
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound for unknown category, got %v", err)
	}
}

func TestToggleAndApprove(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	groceries := f.category(t, "Groceries")
	f.rule(t, "CONTAINS", "MERCHANT", "greenleaf", groceries)
	sessionID := f.session(t)
	f.stage(t, sessionID,
		raw("r", "acc-1", "2025-02-01", "GREENLEAF GROCERS", "5.00"),
		raw("n", "acc-1", "2025-02-02", "ZYXWV QRST", "6.00"),
	)
	rows := f.staged(t, sessionID)
	ctx := context.Background()

	row, err := f.review.Toggle(ctx, rows["r"].ID)
	if err != nil || row.Status != domain.StatusExcluded || row.ExcludeReason != domain.ReasonManual {
		t.Fatalf("expected manual exclusion, got %+v, %v", row, err)
	}
	row, err = f.review.Toggle(ctx, rows["r"].ID)
	if err != nil || row.Status != domain.StatusReady || row.ExcludeReason != "" {
		t.Fatalf("expected ready after second toggle, got %+v, %v", row, err)
	}

	n, err := f.review.Approve(ctx, sessionID, []string{rows["r"].ID, rows["n"].ID})
	if err != nil || n != 2 {
		t.Fatalf("approve: n=%d err=%v", n, err)
	}
	rows = f.staged(t, sessionID)
	if rows["r"].Status != domain.StatusApproved || rows["n"].Status != domain.StatusApproved {
		t.Fatalf("expected both approved, got %s and %s", rows["r"].Status, rows["n"].Status)
	}

	listed, err := f.review.List(ctx, sessionID, []domain.StagingStatus{domain.StatusApproved})
	if err != nil || len(listed) != 2 {
		t.Fatalf("list approved: %d rows, %v", len(listed), err)
	}
	if _, err := f.review.List(ctx, sessionID, []domain.StagingStatus{"bogus"}); err == nil {
		t.Error("expected validation error for unknown status")
	}
}

func TestRemap_AfterRuleChange(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	sessionID := f.session(t)
	f.stage(t, sessionID, raw("n", "acc-1", "2025-02-02", "ZYXWV QRST", "6.00"))

	misc := f.category(t, "Misc")
	f.rule(t, "EXACT", "MERCHANT", "zyxwv qrst", misc)

	n, err := f.review.Remap(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("remap: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one remapped row, got %d", n)
	}
	row := f.staged(t, sessionID)["n"]
	if row.Status != domain.StatusReady || !row.Category.Equal(&misc) {
		t.Errorf("expected ready/misc, got %s %+v", row.Status, row.Category)
	}
}
