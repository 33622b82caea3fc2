package aggregator_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/aggregator"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/resilience"
)

var testCfg = resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond}

func newClient(url string) *aggregator.Client {
	return aggregator.NewClient(http.DefaultClient, url, aggregator.Credentials{ClientID: "id", Secret: "s"}, 2, testCfg)
}

func TestFetchRange_PagesUntilTotal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactions/get" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			AccessToken string `json:"access_token"`
			StartDate   string `json:"start_date"`
			Options     struct {
				Offset int `json:"offset"`
			} `json:"options"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AccessToken != "tok" || req.StartDate != "2025-01-01" {
			t.Errorf("unexpected request %+v", req)
		}
		atomic.AddInt32(&calls, 1)

		page := []map[string]any{
			{"transaction_id": "t1", "account_id": "a", "date": "2025-01-03", "authorized_date": "2025-01-02", "name": "SHOP", "amount": 12.5, "pending": false,
				"personal_finance_category": map[string]string{"primary": "GENERAL_MERCHANDISE", "detailed": "GENERAL_MERCHANDISE_OTHER"}},
			{"transaction_id": "t2", "account_id": "a", "date": "2025-01-04", "name": "REFUND", "amount": -3, "merchant_name": nil},
		}
		if req.Options.Offset > 0 {
			page = []map[string]any{{"transaction_id": "t3", "account_id": "a", "date": "bad-date", "name": "X", "amount": 1}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"transactions": page, "total_transactions": 3})
	}))
	defer srv.Close()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := newClient(srv.URL).FetchRange(context.Background(), "tok", start, start.AddDate(0, 1, 0), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 page calls, got %d", calls)
	}
	txns := result.Transactions
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	if txns[0].AuthorizedDate == nil || txns[0].PurchaseDate().Day() != 2 {
		t.Errorf("expected authorized date as purchase date, got %v", txns[0].PurchaseDate())
	}
	if txns[0].Amount.String() != "12.5" || txns[0].CategoryPrimary != "GENERAL_MERCHANDISE" {
		t.Errorf("unexpected first transaction %+v", txns[0])
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected the malformed date as a row error, got %+v", result.Errors)
	}
	if e := result.Errors[0]; e.RecordID != "t3" || e.Field != "date" || e.Row != 3 {
		t.Errorf("unexpected row error %+v", e)
	}
}

func TestFetchDeltaPage_MalformedRowDoesNotAbortPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"added": [
				{"transaction_id": "ok", "account_id": "a", "date": "2025-02-01", "name": "FINE", "amount": 7.25},
				{"transaction_id": "bad", "account_id": "a", "date": "2025-02-02", "name": "BROKEN", "amount": null}
			],
			"modified": [{"transaction_id": "m1", "account_id": "a", "date": "02/03/2025", "name": "ODD", "amount": 1}],
			"removed": [],
			"next_cursor": "c2",
			"has_more": false
		}`))
	}))
	defer srv.Close()

	page, err := newClient(srv.URL).FetchDeltaPage(context.Background(), "tok", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Added) != 1 || page.Added[0].ExternalID != "ok" {
		t.Errorf("expected the valid record to survive, got %+v", page.Added)
	}
	if len(page.Modified) != 0 {
		t.Errorf("expected malformed modified record skipped, got %+v", page.Modified)
	}
	if len(page.Errors) != 2 {
		t.Fatalf("expected 2 row errors, got %+v", page.Errors)
	}
	if e := page.Errors[0]; e.RecordID != "bad" || e.Field != "amount" || e.Sheet != "added" || e.Row != 2 {
		t.Errorf("unexpected amount error %+v", e)
	}
	if e := page.Errors[1]; e.RecordID != "m1" || e.Field != "date" || e.Sheet != "modified" {
		t.Errorf("unexpected date error %+v", e)
	}
	if page.NextCursor != "c2" {
		t.Errorf("expected cursor c2, got %q", page.NextCursor)
	}
}

func TestFetchDeltaPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Cursor string `json:"cursor"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Cursor != "c1" {
			t.Errorf("expected cursor c1, got %q", req.Cursor)
		}
		_, _ = w.Write([]byte(`{
			"added": [{"transaction_id": "n1", "account_id": "a", "date": "2025-02-01", "name": "NEW", "amount": 5, "pending_transaction_id": "p1"}],
			"modified": [],
			"removed": [{"transaction_id": "gone"}],
			"next_cursor": "c2",
			"has_more": true
		}`))
	}))
	defer srv.Close()

	page, err := newClient(srv.URL).FetchDeltaPage(context.Background(), "tok", "c1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.NextCursor != "c2" || !page.HasMore {
		t.Errorf("unexpected paging %+v", page)
	}
	if len(page.Added) != 1 || page.Added[0].PendingTransactionID != "p1" {
		t.Errorf("unexpected added %+v", page.Added)
	}
	if len(page.Removed) != 1 || page.Removed[0].ExternalID != "gone" {
		t.Errorf("unexpected removed %+v", page.Removed)
	}
}

func TestCall_RetriesRetryableCodes(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error_type":"RATE_LIMIT_EXCEEDED","error_code":"RATE_LIMIT_EXCEEDED","error_message":"slow down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"added":[],"modified":[],"removed":[],"next_cursor":"c","has_more":false}`))
	}))
	defer srv.Close()

	if _, err := newClient(srv.URL).FetchDeltaPage(context.Background(), "tok", "", nil); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestCall_PermanentErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_type":"ITEM_ERROR","error_code":"ITEM_LOGIN_REQUIRED","error_message":"login required"}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).FetchDeltaPage(context.Background(), "tok", "", nil)

	var up *domain.ErrUpstream
	if !errors.As(err, &up) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if up.Code != "ITEM_LOGIN_REQUIRED" || up.Retryable {
		t.Errorf("unexpected upstream error %+v", up)
	}
	var ext *domain.ErrExternalService
	if !errors.As(err, &ext) {
		t.Errorf("expected ErrExternalService wrapper, got %T", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestCall_ExhaustedRetriesSurfaceCode(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error_code":"INTERNAL_SERVER_ERROR","error_message":"oops"}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).FetchDeltaPage(context.Background(), "tok", "", nil)

	var up *domain.ErrUpstream
	if !errors.As(err, &up) || up.Code != "INTERNAL_SERVER_ERROR" || !up.Retryable {
		t.Fatalf("expected retryable upstream error, got %v", err)
	}
	if calls != int32(testCfg.MaxRetries+1) {
		t.Errorf("expected %d calls, got %d", testCfg.MaxRetries+1, calls)
	}
}
