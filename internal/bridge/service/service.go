// Package service orchestrates the bridge lifecycle for one registry:
// exporting locally issued credits, importing externally registered ones,
// and applying status changes reported back by the registry. Handlers and
// the sync loops stay thin; every state change funnels through here so the
// state machine, lock discipline, and audit trail cannot diverge.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"carbonbridge/internal/bridge/metrics"
	"carbonbridge/internal/bridge/models"
	"carbonbridge/internal/bridge/store"
	"carbonbridge/internal/lock"
	"carbonbridge/internal/registry"
	"carbonbridge/pkg/domain"
	"carbonbridge/pkg/requestcontext"
)

const (
	// DefaultChunkSize bounds how many credits go into a single
	// registry batch call.
	DefaultChunkSize = 50

	// DefaultImportCap bounds a single import run.
	DefaultImportCap = 5000
)

// Locker is the distributed claim used by multi-instance deployments.
// Single-process deployments run without one; the store-derived checker
// is authoritative there.
type Locker interface {
	Acquire(ctx context.Context, creditID domain.CreditID, registry domain.RegistryName) error
	Release(ctx context.Context, creditID domain.CreditID, registry domain.RegistryName) error
}

// Publisher receives every applied transition.
type Publisher interface {
	Publish(ctx context.Context, event models.BridgeStatusEvent)
}

// Service bridges credits onto a single external registry.
type Service struct {
	registry  domain.RegistryName
	store     store.MappingStore
	client    registry.Client
	checker   lock.Checker
	locker    Locker
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	chunkSize int
	importCap int

	importConflicts bool
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithLocker(l Locker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithChunkSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithImportConflictReporting makes imports report an already-mapped
// serial as a conflict instead of silently skipping it. The run still
// continues; only the outcome recorded for the duplicate changes.
func WithImportConflictReporting() Option {
	return func(s *Service) {
		s.importConflicts = true
	}
}

func WithImportCap(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.importCap = n
		}
	}
}

// New constructs a Service for the registry the client talks to.
func New(st store.MappingStore, client registry.Client, checker lock.Checker, opts ...Option) *Service {
	s := &Service{
		registry:  st.Registry(),
		store:     st,
		client:    client,
		checker:   checker,
		logger:    slog.Default(),
		tracer:    otel.Tracer("carbonbridge/bridge"),
		chunkSize: DefaultChunkSize,
		importCap: DefaultImportCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry names the external registry this service bridges to.
func (s *Service) Registry() domain.RegistryName { return s.registry }

// observeRegistryCall records the latency of one registry client call,
// successful or not.
func (s *Service) observeRegistryCall(operation string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RegistryCallSec.WithLabelValues(s.registry.String(), operation).Observe(time.Since(start).Seconds())
}

// CreateMapping stages a locally issued credit for export. The mapping
// starts PENDING and unlocked.
func (s *Service) CreateMapping(ctx context.Context, creditID domain.CreditID, facts models.AssetFacts) (*models.BridgeMappingRecord, error) {
	return s.store.Create(ctx, store.CreateParams{
		CreditID: creditID,
		Facts:    facts,
		State:    models.StatePending,
	})
}

// GetStatus returns the current mapping for a credit.
func (s *Service) GetStatus(ctx context.Context, creditID domain.CreditID) (*models.BridgeMappingRecord, error) {
	return s.store.GetByCreditID(ctx, creditID)
}

// GetBySerial returns the mapping holding an external serial.
func (s *Service) GetBySerial(ctx context.Context, serial domain.ExternalSerial) (*models.BridgeMappingRecord, error) {
	return s.store.GetBySerial(ctx, serial)
}

// ListByState returns all mappings currently in the given state.
func (s *Service) ListByState(ctx context.Context, state models.BridgeState) ([]*models.BridgeMappingRecord, error) {
	return s.store.ListByState(ctx, state)
}

// Retire retires a registered credit on the external registry and then
// locally. The registry call comes first: a credit must never show RETIRED
// here while still live there.
func (s *Service) Retire(ctx context.Context, creditID domain.CreditID, reason string) (*models.BridgeMappingRecord, error) {
	ctx, span := s.tracer.Start(ctx, "bridge.Retire",
		trace.WithAttributes(attribute.String("credit_id", creditID.String())))
	defer span.End()

	record, err := s.store.GetByCreditID(ctx, creditID)
	if err != nil {
		return nil, err
	}
	if record.State != models.StateRegistered {
		return nil, &models.StateTransitionError{
			CreditID: creditID,
			From:     record.State,
			To:       models.StateRetired,
		}
	}
	callStart := time.Now()
	err = s.client.Retire(ctx, record.ExternalSerial)
	s.observeRegistryCall("retire", callStart)
	if err != nil {
		return nil, fmt.Errorf("retire %s on %s: %w", creditID, s.registry, err)
	}
	updated, err := s.applyTransition(ctx, creditID, models.StateRetired,
		models.TransitionMeta{Reason: reason}, models.EventRetired)
	if err != nil {
		return nil, err
	}
	if s.locker != nil {
		if releaseErr := s.locker.Release(ctx, creditID, s.registry); releaseErr != nil {
			s.logger.Warn("release lock after retire", "credit_id", creditID, "err", releaseErr)
		}
	}
	return updated, nil
}

// ResetRejected moves a rejected mapping back to PENDING so it can be
// exported again.
func (s *Service) ResetRejected(ctx context.Context, creditID domain.CreditID) (*models.BridgeMappingRecord, error) {
	return s.applyTransition(ctx, creditID, models.StatePending, models.TransitionMeta{}, models.EventStatusChanged)
}

// SyncState applies a state observed on the external registry. Unlike the
// export path the registry has already moved; the bridge only follows.
// Re-delivery of the same observation is harmless: a record already in the
// target state is reported unchanged instead of tripping the state machine.
func (s *Service) SyncState(ctx context.Context, creditID domain.CreditID, target models.BridgeState, meta models.TransitionMeta, eventType models.BridgeEventType) (*models.BridgeMappingRecord, bool, error) {
	record, err := s.store.GetByCreditID(ctx, creditID)
	if err != nil {
		return nil, false, err
	}
	if record.State == target {
		return record, false, nil
	}
	updated, err := s.applyTransition(ctx, creditID, target, meta, eventType)
	if err != nil {
		return nil, false, err
	}
	if target == models.StateRejected || target == models.StateRetired {
		s.releaseLock(ctx, creditID)
	}
	return updated, true, nil
}

// applyTransition performs the store transition and fans the resulting
// event out to listeners.
func (s *Service) applyTransition(ctx context.Context, creditID domain.CreditID, to models.BridgeState, meta models.TransitionMeta, eventType models.BridgeEventType) (*models.BridgeMappingRecord, error) {
	before, err := s.store.GetByCreditID(ctx, creditID)
	if err != nil {
		return nil, err
	}
	record, err := s.store.Transition(ctx, creditID, to, &meta)
	if err != nil {
		if models.IsStateTransition(err) && s.metrics != nil {
			s.metrics.TransitionDenied.WithLabelValues(s.registry.String(), string(before.State), string(to)).Inc()
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TransitionsTotal.WithLabelValues(s.registry.String(), string(before.State), string(to)).Inc()
	}
	if s.publisher != nil {
		event := models.BridgeStatusEvent{
			CreditID:      creditID,
			Registry:      s.registry,
			PreviousState: before.State,
			NewState:      to,
			EventType:     eventType,
			Timestamp:     requestcontext.Now(ctx),
		}
		if meta.Reason != "" {
			event.Details = map[string]string{"reason": meta.Reason}
		}
		s.publisher.Publish(ctx, event)
	}
	return record, nil
}
