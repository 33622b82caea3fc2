package service

import (
	"context"
	"errors"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/resilience"
	"github.com/boddenberg/ledger-ingest-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var syncTracer = otel.Tracer("service/sync")

// SyncService drives aggregator fetches into the staging pipeline and keeps
// each item's cursor in step with what has been staged.
type SyncService struct {
	client    port.AggregatorClient
	store     port.Store
	staging   *StagingService
	sealer    port.TokenSealer
	bulkhead  *resilience.Bulkhead
	graceDays int
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewSyncService creates a new sync service. graceDays extends range fetches
// past the requested end date to pick up late-settling records.
func NewSyncService(
	client port.AggregatorClient,
	store port.Store,
	staging *StagingService,
	sealer port.TokenSealer,
	bulkhead *resilience.Bulkhead,
	graceDays int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *SyncService {
	return &SyncService{
		client:    client,
		store:     store,
		staging:   staging,
		sealer:    sealer,
		bulkhead:  bulkhead,
		graceDays: graceDays,
		metrics:   metrics,
		logger:    logger,
	}
}

// ============================================================
// Items and accounts
// ============================================================

// LinkItem stores an aggregator connection with its access token sealed.
// Re-linking an existing item keeps its cursor.
func (s *SyncService) LinkItem(ctx context.Context, itemID, accessToken string) error {
	ctx, span := syncTracer.Start(ctx, "SyncService.LinkItem")
	defer span.End()

	if itemID == "" {
		return &domain.ErrValidation{Field: "item_id", Message: "required"}
	}
	if accessToken == "" {
		return &domain.ErrValidation{Field: "access_token", Message: "required"}
	}
	sealed, err := s.sealer.Seal(accessToken)
	if err != nil {
		return err
	}

	item := &domain.Item{ID: itemID}
	existing, err := s.store.GetItem(ctx, itemID)
	var nf *domain.ErrNotFound
	switch {
	case err == nil:
		item = existing
	case !errors.As(err, &nf):
		return err
	}
	item.AccessToken = sealed
	return s.store.SaveItem(ctx, item)
}

// ListItems returns every linked aggregator connection.
func (s *SyncService) ListItems(ctx context.Context) ([]domain.Item, error) {
	return s.store.ListItems(ctx)
}

// SetAccountImport enables or disables staging for one account.
func (s *SyncService) SetAccountImport(ctx context.Context, accountID string, enabled bool) error {
	ctx, span := syncTracer.Start(ctx, "SyncService.SetAccountImport")
	defer span.End()
	return s.store.SetImportEnabled(ctx, accountID, enabled)
}

func (s *SyncService) accessToken(ctx context.Context, itemID string) (*domain.Item, string, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, "", err
	}
	token, err := s.sealer.Open(item.AccessToken)
	if err != nil {
		return nil, "", err
	}
	return item, token, nil
}

// ============================================================
// Range fetch
// ============================================================

// RangeRequest asks for every record purchased within [Start, End].
type RangeRequest struct {
	ItemID        string
	Start         time.Time
	End           time.Time
	AccountFilter []string
	CreatedBy     string
}

// FetchRange creates a session, fetches the window plus the grace period and
// stages the records whose purchase date falls inside the window.
func (s *SyncService) FetchRange(ctx context.Context, req RangeRequest) (*domain.ImportSession, error) {
	ctx, span := syncTracer.Start(ctx, "SyncService.FetchRange")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", req.ItemID))

	if req.End.Before(req.Start) {
		return nil, &domain.ErrValidation{Field: "end_date", Message: "must not be before start_date"}
	}
	_, token, err := s.accessToken(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}

	sess := &domain.ImportSession{
		ID:        uuid.NewString(),
		ItemID:    req.ItemID,
		Mode:      domain.ModeRange,
		StartDate: &req.Start,
		EndDate:   &req.End,
		CreatedBy: req.CreatedBy,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	fetchEnd := req.End.AddDate(0, 0, s.graceDays)
	fetched, err := s.client.FetchRange(ctx, token, req.Start, fetchEnd, req.AccountFilter)
	if err != nil {
		s.recordUpstream(err)
		s.logger.Error("range fetch failed", zap.String("session_id", sess.ID), zap.Error(err))
		return nil, err
	}

	summary, err := s.staging.Stage(ctx, StageRequest{
		SessionID:     sess.ID,
		Records:       fetched.Transactions,
		Window:        &Window{Start: req.Start, End: req.End},
		AccountFilter: req.AccountFilter,
		Rejected:      fetched.Errors,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateSessionResult(ctx, sess.ID, summary, ""); err != nil {
		return nil, err
	}
	sess.Summary = summary
	return sess, nil
}

// ============================================================
// Delta sync
// ============================================================

// SyncDelta pages through the item's changes since its stored cursor. Each
// page is staged before the cursor advances past it, so an error or
// cancellation resumes from the last fully staged page.
func (s *SyncService) SyncDelta(ctx context.Context, itemID string, accountFilter []string) (*domain.ImportSession, error) {
	ctx, span := syncTracer.Start(ctx, "SyncService.SyncDelta")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	start := time.Now()
	defer func() { s.metrics.RecordDuration("sync_delta", time.Since(start)) }()

	item, token, err := s.accessToken(ctx, itemID)
	if err != nil {
		return nil, err
	}

	sess := &domain.ImportSession{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Mode:      domain.ModeDelta,
		CursorIn:  item.Cursor,
		CreatedBy: "sync",
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	cursor := item.Cursor
	var summary domain.ImportSummary
	pages := 0
	// fail records what was staged before the error so the session reports it.
	fail := func(err error) (*domain.ImportSession, error) {
		if uerr := s.store.UpdateSessionResult(context.WithoutCancel(ctx), sess.ID, summary, cursor); uerr != nil {
			s.logger.Warn("partial session result not saved", zap.String("session_id", sess.ID), zap.Error(uerr))
		}
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		page, err := s.client.FetchDeltaPage(ctx, token, cursor, accountFilter)
		if err != nil {
			s.recordUpstream(err)
			s.logger.Error("delta page fetch failed",
				zap.String("item_id", itemID),
				zap.String("session_id", sess.ID),
				zap.Int("pages_staged", pages),
				zap.Error(err),
			)
			return fail(err)
		}

		records := make([]domain.RawTransaction, 0, len(page.Added)+len(page.Modified))
		records = append(records, page.Added...)
		records = append(records, page.Modified...)
		pageSummary, err := s.staging.Stage(ctx, StageRequest{
			SessionID:     sess.ID,
			Records:       records,
			AccountFilter: accountFilter,
			Rejected:      page.Errors,
		})
		if err != nil {
			return fail(err)
		}

		if len(page.Removed) > 0 {
			ids := make([]string, 0, len(page.Removed))
			for _, r := range page.Removed {
				ids = append(ids, r.ExternalID)
			}
			removed, err := s.store.SoftDeleteByExternalID(ctx, ids)
			if err != nil {
				return fail(err)
			}
			pageSummary.Removed = removed
		}
		summary.Add(pageSummary)

		if err := s.store.SaveCursor(ctx, itemID, page.NextCursor); err != nil {
			return fail(err)
		}
		cursor = page.NextCursor
		pages++
		if !page.HasMore {
			break
		}
	}

	if err := s.store.UpdateSessionResult(ctx, sess.ID, summary, cursor); err != nil {
		return nil, err
	}
	sess.Summary = summary
	sess.CursorOut = cursor
	span.SetAttributes(attribute.Int("sync.pages", pages))
	return sess, nil
}

// SyncOutcome is the result of syncing one item in SyncAll.
type SyncOutcome struct {
	ItemID  string                `json:"item_id"`
	Session *domain.ImportSession `json:"session,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// SyncAll delta-syncs every linked item concurrently, bounded by the
// bulkhead. One item failing does not stop the others.
func (s *SyncService) SyncAll(ctx context.Context) ([]SyncOutcome, error) {
	ctx, span := syncTracer.Start(ctx, "SyncService.SyncAll")
	defer span.End()

	items, err := s.store.ListItems(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]SyncOutcome, len(items))
	g, gCtx := errgroup.WithContext(ctx)
	for i, item := range items {
		g.Go(func() error {
			if err := s.bulkhead.Acquire(gCtx); err != nil {
				return err
			}
			defer s.bulkhead.Release()

			outcomes[i].ItemID = item.ID
			sess, err := s.SyncDelta(gCtx, item.ID, nil)
			if err != nil {
				outcomes[i].Error = err.Error()
				return nil
			}
			outcomes[i].Session = sess
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// ============================================================
// Audit
// ============================================================

// Audit compares a session's summary with what is staged and committed, and
// lists staged rows dated outside the session window.
func (s *SyncService) Audit(ctx context.Context, sessionID string) (*domain.ImportAudit, error) {
	ctx, span := syncTracer.Start(ctx, "SyncService.Audit")
	defer span.End()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListStaged(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}
	committed, err := s.store.CountBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	audit := &domain.ImportAudit{
		SessionID:     sessionID,
		Summary:       sess.Summary,
		StagedByState: make(map[string]int),
		Committed:     committed,
	}
	var window *Window
	if sess.StartDate != nil && sess.EndDate != nil {
		window = &Window{Start: *sess.StartDate, End: *sess.EndDate}
	}
	for _, r := range rows {
		audit.StagedByState[string(r.Status)]++
		if !window.Contains(r.Date) {
			audit.OutsideWindow = append(audit.OutsideWindow, r)
		}
	}
	return audit, nil
}

func (s *SyncService) recordUpstream(err error) {
	var up *domain.ErrUpstream
	var open *domain.ErrCircuitOpen
	var timeout *domain.ErrTimeout
	switch {
	case errors.As(err, &up):
		s.metrics.IncrUpstreamError(up.Code)
	case errors.As(err, &open):
		s.metrics.IncrUpstreamError("CIRCUIT_OPEN")
	case errors.As(err, &timeout):
		s.metrics.IncrUpstreamError("TIMEOUT")
	}
}
