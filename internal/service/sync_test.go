package service_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/service"
)

func linkItem(t *testing.T, f *fixture, itemID, token string) {
	t.Helper()
	if err := f.sync.LinkItem(context.Background(), itemID, token); err != nil {
		t.Fatalf("link item: %v", err)
	}
}

func itemCursor(t *testing.T, f *fixture, itemID string) string {
	t.Helper()
	item, err := f.store.GetItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	return item.Cursor
}

func TestLinkItem_SealsToken(t *testing.T) {
	f := newFixture(t)
	linkItem(t, f, "item-1", "access-sandbox-123")

	item, err := f.store.GetItem(context.Background(), "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if item.AccessToken == "" || item.AccessToken == "access-sandbox-123" {
		t.Fatalf("expected sealed token at rest, got %q", item.AccessToken)
	}
}

func TestSyncDelta_AdvancesCursorPerPage(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "acc-1")
	f.seedLedger(t, historyRow("gone", acct.ID, "2025-01-05", "OLD CHARGE", "3.00", nil))
	linkItem(t, f, "item-1", "tok-1")

	f.aggregator.pages["tok-1|"] = &domain.DeltaPage{
		Added:      []domain.RawTransaction{raw("a1", "acc-1", "2025-02-01", "FIRST", "1.00")},
		NextCursor: "c1",
		HasMore:    true,
	}
	f.aggregator.pages["tok-1|c1"] = &domain.DeltaPage{
		Added:      []domain.RawTransaction{raw("a2", "acc-1", "2025-02-02", "SECOND", "2.00")},
		Removed:    []domain.RemovedTransaction{{ExternalID: "gone"}},
		NextCursor: "c2",
	}

	sess, err := f.sync.SyncDelta(context.Background(), "item-1", nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if sess.Summary.Total != 2 || sess.Summary.Removed != 1 || sess.CursorOut != "c2" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if got := itemCursor(t, f, "item-1"); got != "c2" {
		t.Errorf("expected stored cursor c2, got %q", got)
	}
	for _, tok := range f.aggregator.tokens {
		if tok != "tok-1" {
			t.Errorf("aggregator received %q instead of the opened token", tok)
		}
	}
	for _, r := range f.liveLedger(t) {
		if r.ExternalID == "gone" {
			t.Error("removed record still live in ledger")
		}
	}

	stored, err := f.store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stored.Summary, sess.Summary) || stored.CursorOut != "c2" {
		t.Errorf("session result not persisted: %+v", stored)
	}
}

func TestSyncDelta_ErrorKeepsLastDurableCursor(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	linkItem(t, f, "item-1", "tok-1")

	f.aggregator.pages["tok-1|"] = &domain.DeltaPage{
		Added:      []domain.RawTransaction{raw("a1", "acc-1", "2025-02-01", "FIRST", "1.00")},
		NextCursor: "c1",
		HasMore:    true,
	}
	f.aggregator.pageErrs["tok-1|c1"] = &domain.ErrUpstream{Code: "ITEM_LOGIN_REQUIRED", Message: "login", StatusCode: 400}

	_, err := f.sync.SyncDelta(context.Background(), "item-1", nil)
	var up *domain.ErrUpstream
	if !errors.As(err, &up) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if got := itemCursor(t, f, "item-1"); got != "c1" {
		t.Errorf("expected cursor to stop at the last staged page, got %q", got)
	}
	if got := f.metrics.UpstreamErrorCount("ITEM_LOGIN_REQUIRED"); got != 1 {
		t.Errorf("expected upstream error metric 1, got %v", got)
	}

	// The first page stays staged and the session says so.
	staged, err := f.store.FindAllByExternalID(context.Background(), "a1")
	if err != nil || len(staged) != 1 {
		t.Fatalf("expected a1 staged once, got %+v, %v", staged, err)
	}
	stored, err := f.store.GetSession(context.Background(), staged[0].SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Summary.Total != 1 || stored.Summary.Fetched != 1 || stored.CursorOut != "c1" {
		t.Errorf("expected partial result on the session, got %+v / %q", stored.Summary, stored.CursorOut)
	}
}

func TestSyncDelta_ReportsMalformedRecords(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	linkItem(t, f, "item-1", "tok-1")

	f.aggregator.pages["tok-1|"] = &domain.DeltaPage{
		Added:      []domain.RawTransaction{raw("a1", "acc-1", "2025-02-01", "FIRST", "1.00")},
		Errors:     []domain.RowError{{Sheet: "added", Row: 2, RecordID: "a2", Field: "amount", Message: "missing amount"}},
		NextCursor: "c1",
		HasMore:    true,
	}
	f.aggregator.pages["tok-1|c1"] = &domain.DeltaPage{
		Errors:     []domain.RowError{{Sheet: "modified", Row: 1, RecordID: "m1", Field: "date", Message: "unparseable date"}},
		NextCursor: "c2",
	}

	sess, err := f.sync.SyncDelta(context.Background(), "item-1", nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	sum := sess.Summary
	if sum.Total != 1 || sum.Fetched != 3 || sum.Skipped != 2 || sess.CursorOut != "c2" {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(sum.Errors) != 2 || sum.Errors[0].RecordID != "a2" || sum.Errors[1].RecordID != "m1" {
		t.Errorf("expected both malformed records reported, got %+v", sum.Errors)
	}
}

func TestSyncDelta_CancelledLeavesCursor(t *testing.T) {
	f := newFixture(t)
	linkItem(t, f, "item-1", "tok-1")
	f.aggregator.pages["tok-1|"] = &domain.DeltaPage{NextCursor: "c1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.sync.SyncDelta(ctx, "item-1", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := itemCursor(t, f, "item-1"); got != "" {
		t.Errorf("cursor advanced to %q after cancellation", got)
	}
}

func TestFetchRange_GraceWindowAndPurchaseFilter(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	linkItem(t, f, "item-1", "tok-1")
	late := raw("late", "acc-1", "2025-04-02", "LATE SETTLE", "7.00")
	late.AuthorizedDate = datePtr("2025-03-30")
	f.aggregator.rangeRecords = []domain.RawTransaction{
		raw("in", "acc-1", "2025-03-15", "IN WINDOW", "3.00"),
		late,
		raw("after", "acc-1", "2025-04-02", "AFTER WINDOW", "4.00"),
	}
	f.aggregator.rangeRejects = []domain.RowError{{Sheet: "transactions", Row: 4, RecordID: "broken", Field: "amount", Message: "missing amount"}}

	sess, err := f.sync.FetchRange(context.Background(), service.RangeRequest{
		ItemID: "item-1",
		Start:  day("2025-03-01"),
		End:    day("2025-03-31"),
	})
	if err != nil {
		t.Fatalf("fetch range: %v", err)
	}
	if !f.aggregator.gotEnd.Equal(day("2025-04-05")) {
		t.Errorf("expected fetch to extend to 2025-04-05, got %v", f.aggregator.gotEnd)
	}
	if sess.Summary.Total != 2 || sess.Summary.OutsideWindow != 1 || sess.Summary.Skipped != 1 {
		t.Fatalf("unexpected summary %+v", sess.Summary)
	}
	if len(sess.Summary.Errors) != 1 || sess.Summary.Errors[0].RecordID != "broken" {
		t.Errorf("expected the malformed record in the summary, got %+v", sess.Summary.Errors)
	}

	audit, err := f.sync.Audit(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit.OutsideWindow) != 0 || audit.Committed != 0 || audit.StagedByState["needs_category"] != 2 {
		t.Errorf("unexpected audit %+v", audit)
	}
}

func TestFetchRange_RejectsInvertedWindow(t *testing.T) {
	f := newFixture(t)
	_, err := f.sync.FetchRange(context.Background(), service.RangeRequest{ItemID: "x", Start: day("2025-03-02"), End: day("2025-03-01")})
	var ve *domain.ErrValidation
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSyncAll_IsolatesItemFailures(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc-1")
	linkItem(t, f, "item-1", "tok-1")
	linkItem(t, f, "item-2", "tok-2")
	f.aggregator.pages["tok-1|"] = &domain.DeltaPage{
		Added:      []domain.RawTransaction{raw("a1", "acc-1", "2025-02-01", "FIRST", "1.00")},
		NextCursor: "c1",
	}
	f.aggregator.pageErrs["tok-2|"] = &domain.ErrUpstream{Code: "INTERNAL_SERVER_ERROR", Retryable: true, StatusCode: 500}

	outcomes, err := f.sync.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	byItem := map[string]service.SyncOutcome{}
	for _, o := range outcomes {
		byItem[o.ItemID] = o
	}
	if byItem["item-1"].Session == nil || byItem["item-1"].Error != "" {
		t.Errorf("item-1 should succeed: %+v", byItem["item-1"])
	}
	if byItem["item-2"].Error == "" {
		t.Error("item-2 should report its error")
	}
	if itemCursor(t, f, "item-1") != "c1" || itemCursor(t, f, "item-2") != "" {
		t.Error("unexpected cursors after SyncAll")
	}
}
