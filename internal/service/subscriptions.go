package service

import (
	"context"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/port"
	"github.com/boddenberg/ledger-ingest-go/internal/recurring"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var subscriptionTracer = otel.Tracer("service/subscriptions")

// SubscriptionService runs recurring-charge detection over the ledger.
type SubscriptionService struct {
	store    port.LedgerStore
	detector *recurring.Detector
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewSubscriptionService creates a new subscription service.
func NewSubscriptionService(store port.LedgerStore, detector *recurring.Detector, metrics *observability.Metrics, logger *zap.Logger) *SubscriptionService {
	return &SubscriptionService{store: store, detector: detector, metrics: metrics, logger: logger, now: time.Now}
}

// Detect loads expenses posted on or after since (all history when nil) and
// returns the detected subscriptions.
func (s *SubscriptionService) Detect(ctx context.Context, since *time.Time) (*domain.SubscriptionReport, error) {
	ctx, span := subscriptionTracer.Start(ctx, "SubscriptionService.Detect")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordDuration("detect_subscriptions", time.Since(start)) }()

	txns, err := s.store.ListLedger(ctx, port.LedgerFilter{From: since, TxnType: domain.TxnExpense})
	if err != nil {
		return nil, err
	}
	report := s.detector.Detect(txns, s.now())

	span.SetAttributes(
		attribute.Int("ledger.rows", len(txns)),
		attribute.Int("subscriptions.count", len(report.Subscriptions)),
	)
	s.logger.Debug("subscriptions detected",
		zap.Int("rows", len(txns)),
		zap.Int("subscriptions", len(report.Subscriptions)),
		zap.Int("current", report.CurrentCount),
	)
	return &report, nil
}
