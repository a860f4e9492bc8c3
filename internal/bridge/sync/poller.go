package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"carbonbridge/internal/bridge/metrics"
	"carbonbridge/internal/bridge/models"
	"carbonbridge/internal/bridge/service"
	"carbonbridge/internal/registry"
)

// DefaultPollInterval paces the poll loop for registries without webhook
// support.
const DefaultPollInterval = 5 * time.Minute

// Poller periodically asks the registry for the status of every in-flight
// or live mapping and applies any divergence. It is the only sync path for
// the legacy registry, and a safety net behind webhooks for the others.
type Poller struct {
	svc      *service.Service
	client   registry.Client
	statuses StatusMap
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type PollerOption func(p *Poller)

func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

func WithPollerMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

func WithPollerStatusMap(sm StatusMap) PollerOption {
	return func(p *Poller) { p.statuses = sm }
}

func NewPoller(svc *service.Service, client registry.Client, opts ...PollerOption) *Poller {
	p := &Poller{
		svc:      svc,
		client:   client,
		statuses: DefaultStatusMap(),
		interval: DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls on the configured interval until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.logger.Error("poll cycle failed", "registry", p.svc.Registry(), "err", err)
			}
		}
	}
}

// PollOnce reconciles every SUBMITTED and REGISTERED mapping against the
// registry. Per-record failures are logged and counted but do not stop the
// cycle.
func (p *Poller) PollOnce(ctx context.Context) error {
	var records []*models.BridgeMappingRecord
	for _, state := range []models.BridgeState{models.StateSubmitted, models.StateRegistered} {
		batch, err := p.svc.ListByState(ctx, state)
		if err != nil {
			p.countCycle("error")
			return fmt.Errorf("list %s mappings: %w", state, err)
		}
		records = append(records, batch...)
	}

	var failed int
	for _, record := range records {
		if _, err := p.PollRecord(ctx, record); err != nil {
			failed++
			p.logger.Warn("poll record",
				"registry", p.svc.Registry(),
				"credit_id", record.CreditID,
				"state", record.State,
				"err", err,
			)
		}
	}

	if failed > 0 {
		p.countCycle("partial")
	} else {
		p.countCycle("ok")
	}
	return nil
}

// PollRecord queries one mapping and applies the mapped state when it
// diverges. It reports whether a transition was applied.
func (p *Poller) PollRecord(ctx context.Context, record *models.BridgeMappingRecord) (bool, error) {
	ref := registry.StatusRef{Serial: record.ExternalSerial}
	if record.ExternalSerial.IsZero() {
		ref = registry.StatusRef{InternalRef: record.CreditID}
	}

	callStart := time.Now()
	status, err := p.client.GetStatus(ctx, ref)
	if p.metrics != nil {
		p.metrics.RegistryCallSec.WithLabelValues(p.svc.Registry().String(), "get_status").Observe(time.Since(callStart).Seconds())
	}
	if err != nil {
		var notFound *registry.NotFoundError
		if errors.As(err, &notFound) && record.State == models.StateSubmitted {
			// The registry has no trace of a submission that timed out in
			// flight; the credit was never received and can go out again.
			_, changed, syncErr := p.svc.SyncState(ctx, record.CreditID, models.StateRejected,
				models.TransitionMeta{Reason: "submission not received by registry"}, models.EventPoll)
			if syncErr != nil {
				return false, syncErr
			}
			return changed, nil
		}
		return false, err
	}

	mapped, ok := p.statuses.Resolve(status.Status)
	if !ok && strings.EqualFold(strings.TrimSpace(status.Status), "cancelled") {
		mapped = cancelTarget(record.State)
		ok = true
	}
	if !ok {
		return false, fmt.Errorf("unmapped registry status %q", status.Status)
	}
	if mapped == record.State {
		return false, nil
	}

	meta := models.TransitionMeta{}
	if mapped == models.StateRegistered {
		meta.ExternalSerial = status.Serial
		meta.ExternalProjectRef = status.ProjectRef
	}
	_, changed, err := p.svc.SyncState(ctx, record.CreditID, mapped, meta, models.EventPoll)
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (p *Poller) countCycle(result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.PollCyclesTotal.WithLabelValues(p.svc.Registry().String(), result).Inc()
}
