package service

import (
	"context"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Reconciler retires pending records once their posted version is staged.
type Reconciler struct {
	store   port.StagingStore
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(store port.StagingStore, metrics *observability.Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, metrics: metrics, logger: logger}
}

// Reconcile marks every staged record referenced by a posted record of this
// session as superseded. It returns how many records changed. Running it
// again is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string) (int, error) {
	ctx, span := stagingTracer.Start(ctx, "Reconciler.Reconcile")
	defer span.End()

	posted, err := r.store.ListPendingLinked(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, p := range posted {
		// The same pending record may sit in several sessions; every copy goes.
		copies, err := r.store.FindAllByExternalID(ctx, p.PendingTransactionID)
		if err != nil {
			return n, err
		}
		for i := range copies {
			pending := &copies[i]
			if pending.ID == p.ID || pending.Status.Terminal() {
				continue
			}
			pending.Status = domain.StatusSuperseded
			pending.ExcludeReason = domain.ReasonReplacedByPosted
			if err := r.store.UpdateStaged(ctx, pending); err != nil {
				return n, err
			}
			r.logger.Debug("pending record superseded",
				zap.String("pending_id", pending.ExternalID),
				zap.String("pending_session", pending.SessionID),
				zap.String("posted_id", p.ExternalID),
			)
			n++
		}
	}

	r.metrics.AddStaged(string(domain.StatusSuperseded), n)
	span.SetAttributes(attribute.Int("superseded.count", n))
	return n, nil
}
