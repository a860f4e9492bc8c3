package sync

import (
	"context"
	"log/slog"
	"time"

	"carbonbridge/internal/bridge/metrics"
	"carbonbridge/internal/bridge/models"
	"carbonbridge/internal/bridge/service"
	"carbonbridge/pkg/requestcontext"
)

const (
	// DefaultReconcileAfter is how long a mapping may sit SUBMITTED before
	// the reconciler queries the registry about it directly.
	DefaultReconcileAfter = 10 * time.Minute

	// DefaultMaxStaleness is the age past which a still-unresolved
	// SUBMITTED mapping is flagged for operators.
	DefaultMaxStaleness = 24 * time.Hour

	// DefaultReconcileInterval paces the reconciler loop.
	DefaultReconcileInterval = 15 * time.Minute
)

// Reconciler resolves mappings stranded in SUBMITTED. The export path
// deliberately leaves records SUBMITTED when a registry call dies after
// the lock transition, so something must later ask the registry what
// actually happened; that is this loop.
type Reconciler struct {
	svc            *service.Service
	poller         *Poller
	reconcileAfter time.Duration
	maxStaleness   time.Duration
	interval       time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

type ReconcilerOption func(r *Reconciler)

func WithReconcileAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.reconcileAfter = d
		}
	}
}

func WithMaxStaleness(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.maxStaleness = d
		}
	}
}

func WithReconcileInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

func WithReconcilerMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func NewReconciler(svc *service.Service, poller *Poller, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		svc:            svc,
		poller:         poller,
		reconcileAfter: DefaultReconcileAfter,
		maxStaleness:   DefaultMaxStaleness,
		interval:       DefaultReconcileInterval,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles on the configured interval until the context is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Error("reconcile cycle failed", "registry", r.svc.Registry(), "err", err)
			}
		}
	}
}

// ReconcileOnce queries the registry for every SUBMITTED mapping older
// than the reconcile threshold and reports how many remain stale past the
// alert threshold afterwards.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	records, err := r.svc.ListByState(ctx, models.StateSubmitted)
	if err != nil {
		return 0, err
	}

	now := requestcontext.Now(ctx)
	var stale int
	for _, record := range records {
		if record.SubmittedAt == nil {
			continue
		}
		age := now.Sub(*record.SubmittedAt)
		if age < r.reconcileAfter {
			continue
		}

		changed, err := r.poller.PollRecord(ctx, record)
		if err != nil {
			r.logger.Warn("reconcile record",
				"registry", r.svc.Registry(),
				"credit_id", record.CreditID,
				"age", age,
				"err", err,
			)
		}
		if changed {
			continue
		}
		if age >= r.maxStaleness {
			stale++
			r.logger.Error("mapping stranded in submitted past staleness threshold",
				"registry", r.svc.Registry(),
				"credit_id", record.CreditID,
				"age", age,
			)
		}
	}

	if r.metrics != nil {
		r.metrics.ReconcileStale.WithLabelValues(r.svc.Registry().String()).Set(float64(stale))
	}
	return stale, nil
}
