// Package aggregator is the HTTP client for the account-data aggregator.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/resilience"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("client/aggregator")

const dateLayout = "2006-01-02"

// retryableCodes are aggregator error codes worth retrying. Anything else
// (auth failures, invalid input, item errors) aborts the call immediately.
var retryableCodes = map[string]bool{
	"INTERNAL_SERVER_ERROR": true,
	"PRODUCT_NOT_READY":     true,
	"RATE_LIMIT_EXCEEDED":   true,
}

// Credentials authenticate this application with the aggregator.
type Credentials struct {
	ClientID string
	Secret   string
}

// Client calls the aggregator's transactions endpoints with retry and a circuit breaker.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      Credentials
	pageSize   int
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewClient creates a new Client. pageSize bounds each range and sync page.
func NewClient(httpClient *http.Client, baseURL string, creds Credentials, pageSize int, cfg resilience.Config) *Client {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		creds:      creds,
		pageSize:   pageSize,
		cb:         resilience.NewCircuitBreaker("aggregator", breakerSuccess),
		cfg:        cfg,
	}
}

// breakerSuccess keeps non-retryable aggregator errors (our own bad requests)
// from tripping the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var up *domain.ErrUpstream
	return errors.As(err, &up) && !up.Retryable
}

// ============================================================
// Wire format
// ============================================================

type wireDate struct {
	t       *time.Time
	invalid string
}

func (d *wireDate) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, *s)
	if err != nil {
		// Kept for the row error; the record is dropped in toDomain.
		d.invalid = *s
		return nil
	}
	d.t = &t
	return nil
}

type wireCategory struct {
	Primary  string `json:"primary"`
	Detailed string `json:"detailed"`
}

type wireTransaction struct {
	TransactionID        string        `json:"transaction_id"`
	PendingTransactionID *string       `json:"pending_transaction_id"`
	AccountID            string        `json:"account_id"`
	Date                 wireDate      `json:"date"`
	AuthorizedDate       wireDate      `json:"authorized_date"`
	Name                 string        `json:"name"`
	MerchantName         *string       `json:"merchant_name"`
	Amount               json.Number   `json:"amount"`
	IsoCurrencyCode      *string       `json:"iso_currency_code"`
	Pending              bool          `json:"pending"`
	Category             *wireCategory `json:"personal_finance_category"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseAmount(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, errors.New("missing amount")
	}
	return decimal.NewFromString(string(n))
}

func (w wireTransaction) toDomain() (domain.RawTransaction, *domain.RowError) {
	rowErr := func(field, msg string) *domain.RowError {
		return &domain.RowError{RecordID: w.TransactionID, Field: field, Message: msg}
	}
	amount, err := parseAmount(w.Amount)
	if err != nil {
		return domain.RawTransaction{}, rowErr("amount", err.Error())
	}
	if w.Date.invalid != "" {
		return domain.RawTransaction{}, rowErr("date", "unparseable date "+strconv.Quote(w.Date.invalid))
	}
	if w.AuthorizedDate.invalid != "" {
		return domain.RawTransaction{}, rowErr("authorized_date", "unparseable date "+strconv.Quote(w.AuthorizedDate.invalid))
	}
	rt := domain.RawTransaction{
		ExternalID:           w.TransactionID,
		PendingTransactionID: deref(w.PendingTransactionID),
		AccountID:            w.AccountID,
		Date:                 w.Date.t,
		AuthorizedDate:       w.AuthorizedDate.t,
		Name:                 w.Name,
		MerchantName:         deref(w.MerchantName),
		Amount:               amount,
		Currency:             deref(w.IsoCurrencyCode),
		Pending:              w.Pending,
	}
	if w.Category != nil {
		rt.CategoryPrimary = w.Category.Primary
		rt.CategoryDetailed = w.Category.Detailed
	}
	return rt, nil
}

// convert decodes a page section. Malformed records are skipped and reported
// with their position in the section named by part.
func convert(part string, in []wireTransaction) ([]domain.RawTransaction, []domain.RowError) {
	out := make([]domain.RawTransaction, 0, len(in))
	var errs []domain.RowError
	for i, w := range in {
		rt, rowErr := w.toDomain()
		if rowErr != nil {
			rowErr.Sheet = part
			rowErr.Row = i + 1
			errs = append(errs, *rowErr)
			continue
		}
		out = append(out, rt)
	}
	return out, errs
}

type accountOptions struct {
	AccountIDs []string `json:"account_ids,omitempty"`
	Count      int      `json:"count,omitempty"`
	Offset     int      `json:"offset,omitempty"`
}

type rangeRequest struct {
	ClientID    string         `json:"client_id"`
	Secret      string         `json:"secret"`
	AccessToken string         `json:"access_token"`
	StartDate   string         `json:"start_date"`
	EndDate     string         `json:"end_date"`
	Options     accountOptions `json:"options"`
}

type rangeResponse struct {
	Transactions      []wireTransaction `json:"transactions"`
	TotalTransactions int               `json:"total_transactions"`
}

type syncRequest struct {
	ClientID    string          `json:"client_id"`
	Secret      string          `json:"secret"`
	AccessToken string          `json:"access_token"`
	Cursor      string          `json:"cursor,omitempty"`
	Count       int             `json:"count"`
	Options     *accountOptions `json:"options,omitempty"`
}

type syncResponse struct {
	Added      []wireTransaction           `json:"added"`
	Modified   []wireTransaction           `json:"modified"`
	Removed    []domain.RemovedTransaction `json:"removed"`
	NextCursor string                      `json:"next_cursor"`
	HasMore    bool                        `json:"has_more"`
}

type errorBody struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// ============================================================
// Operations
// ============================================================

// FetchRange pages through /transactions/get until every transaction in
// [start, end] has been read.
func (c *Client) FetchRange(ctx context.Context, accessToken string, start, end time.Time, accountFilter []string) (*domain.RangeResult, error) {
	ctx, span := tracer.Start(ctx, "AggregatorClient.FetchRange")
	defer span.End()
	span.SetAttributes(
		attribute.String("range.start", start.Format(dateLayout)),
		attribute.String("range.end", end.Format(dateLayout)),
	)

	result := &domain.RangeResult{}
	read := 0
	for {
		req := rangeRequest{
			ClientID:    c.creds.ClientID,
			Secret:      c.creds.Secret,
			AccessToken: accessToken,
			StartDate:   start.Format(dateLayout),
			EndDate:     end.Format(dateLayout),
			Options:     accountOptions{AccountIDs: accountFilter, Count: c.pageSize, Offset: read},
		}
		var resp rangeResponse
		if err := c.call(ctx, "/transactions/get", req, &resp); err != nil {
			return nil, err
		}
		page, errs := convert("transactions", resp.Transactions)
		for i := range errs {
			errs[i].Row += read
		}
		result.Transactions = append(result.Transactions, page...)
		result.Errors = append(result.Errors, errs...)
		read += len(resp.Transactions)
		if len(resp.Transactions) == 0 || read >= resp.TotalTransactions {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("transactions.count", len(result.Transactions)),
		attribute.Int("transactions.malformed", len(result.Errors)),
	)
	return result, nil
}

// FetchDeltaPage reads one page from /transactions/sync.
func (c *Client) FetchDeltaPage(ctx context.Context, accessToken, cursor string, accountFilter []string) (*domain.DeltaPage, error) {
	ctx, span := tracer.Start(ctx, "AggregatorClient.FetchDeltaPage")
	defer span.End()

	req := syncRequest{
		ClientID:    c.creds.ClientID,
		Secret:      c.creds.Secret,
		AccessToken: accessToken,
		Cursor:      cursor,
		Count:       c.pageSize,
	}
	if len(accountFilter) > 0 {
		req.Options = &accountOptions{AccountIDs: accountFilter}
	}

	var resp syncResponse
	if err := c.call(ctx, "/transactions/sync", req, &resp); err != nil {
		return nil, err
	}

	added, addedErrs := convert("added", resp.Added)
	modified, modifiedErrs := convert("modified", resp.Modified)

	span.SetAttributes(
		attribute.Int("page.added", len(added)),
		attribute.Int("page.modified", len(modified)),
		attribute.Int("page.removed", len(resp.Removed)),
		attribute.Bool("page.has_more", resp.HasMore),
		attribute.Int("page.malformed", len(addedErrs)+len(modifiedErrs)),
	)
	return &domain.DeltaPage{
		Added:      added,
		Modified:   modified,
		Removed:    resp.Removed,
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
		Errors:     append(addedErrs, modifiedErrs...),
	}, nil
}

// call POSTs body to path with retry and circuit breaking and decodes the
// response into out.
func (c *Client) call(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	_, err = c.cb.Execute(func() (any, error) {
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
			if err != nil {
				return resilience.Permanent(err)
			}
			httpReq.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				upErr := decodeError(resp)
				if upErr.Retryable {
					return upErr
				}
				return resilience.Permanent(upErr)
			}

			return json.NewDecoder(resp.Body).Decode(out)
		})
		return nil, innerErr
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &domain.ErrCircuitOpen{Service: "aggregator"}
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.ErrTimeout{Operation: "aggregator" + path}
	case errors.Is(err, context.Canceled):
		return err
	}
	return &domain.ErrExternalService{Service: "aggregator", Err: err}
}

func decodeError(resp *http.Response) *domain.ErrUpstream {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	up := &domain.ErrUpstream{
		Code:       body.ErrorCode,
		Message:    body.ErrorMessage,
		StatusCode: resp.StatusCode,
	}
	if up.Code == "" {
		up.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		up.Retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	} else {
		up.Retryable = retryableCodes[up.Code]
	}
	if up.Message == "" {
		up.Message = http.StatusText(resp.StatusCode)
	}
	return up
}
