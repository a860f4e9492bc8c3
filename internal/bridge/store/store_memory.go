package store

import (
	"context"
	"fmt"
	"sync"

	"carbonbridge/internal/bridge/models"
	"carbonbridge/pkg/domain"
	"carbonbridge/pkg/requestcontext"
)

// InMemoryStore keeps mapping records in two maps guarded by one mutex, so
// the credit-id and serial indices can never diverge. Suitable for a
// single-process deployment and for tests; multi-instance deployments use
// the PostgreSQL store.
type InMemoryStore struct {
	mu       sync.RWMutex
	registry domain.RegistryName
	byCredit map[domain.CreditID]*models.BridgeMappingRecord
	bySerial map[domain.ExternalSerial]domain.CreditID
}

// NewInMemory creates an empty store for one registry.
func NewInMemory(registry domain.RegistryName) *InMemoryStore {
	return &InMemoryStore{
		registry: registry,
		byCredit: make(map[domain.CreditID]*models.BridgeMappingRecord),
		bySerial: make(map[domain.ExternalSerial]domain.CreditID),
	}
}

func (s *InMemoryStore) Registry() domain.RegistryName { return s.registry }

func (s *InMemoryStore) Create(ctx context.Context, params CreateParams) (*models.BridgeMappingRecord, error) {
	if params.CreditID.IsZero() {
		return nil, fmt.Errorf("credit id is required")
	}
	state := params.State
	if state == "" {
		state = models.StatePending
	}
	if !state.Valid() {
		return nil, fmt.Errorf("unknown initial state %q", state)
	}
	if state == models.StateRegistered && params.ExternalSerial.IsZero() {
		return nil, fmt.Errorf("external serial is required to create in %s", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCredit[params.CreditID]; exists {
		return nil, fmt.Errorf("credit %s: %w", params.CreditID, models.ErrMappingExists)
	}
	if !params.ExternalSerial.IsZero() {
		if owner, taken := s.bySerial[params.ExternalSerial]; taken && owner != params.CreditID {
			return nil, fmt.Errorf("serial %s held by credit %s: %w", params.ExternalSerial, owner, models.ErrSerialConflict)
		}
	}

	now := requestcontext.Now(ctx)
	record := &models.BridgeMappingRecord{
		CreditID:           params.CreditID,
		Registry:           s.registry,
		ExternalSerial:     params.ExternalSerial,
		ExternalProjectRef: params.ExternalProjectRef,
		State:              state,
		BridgeLocked:       state.Locked(),
		Facts:              params.Facts,
		CreatedAt:          now,
		ImportBatchID:      params.ImportBatchID,
	}
	if state == models.StateRegistered {
		record.RegisteredAt = &now
	}

	s.byCredit[params.CreditID] = record
	if !params.ExternalSerial.IsZero() {
		s.bySerial[params.ExternalSerial] = params.CreditID
	}
	return record.Clone(), nil
}

func (s *InMemoryStore) Transition(ctx context.Context, creditID domain.CreditID, to models.BridgeState, meta *models.TransitionMeta) (*models.BridgeMappingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byCredit[creditID]
	if !ok {
		return nil, fmt.Errorf("credit %s: %w", creditID, models.ErrMappingNotFound)
	}
	if !models.CanTransition(record.State, to) {
		return nil, &models.StateTransitionError{CreditID: creditID, From: record.State, To: to}
	}

	if to == models.StateRegistered {
		if meta == nil || meta.ExternalSerial.IsZero() {
			return nil, fmt.Errorf("credit %s: external serial is required for %s", creditID, to)
		}
		if owner, taken := s.bySerial[meta.ExternalSerial]; taken && owner != creditID {
			return nil, fmt.Errorf("serial %s held by credit %s: %w", meta.ExternalSerial, owner, models.ErrSerialConflict)
		}
	}

	now := requestcontext.Now(ctx)
	record.State = to
	record.BridgeLocked = to.Locked()

	switch to {
	case models.StateSubmitted:
		record.SubmittedAt = &now
	case models.StateRegistered:
		record.RegisteredAt = &now
		// Serial installation and the secondary index update happen under
		// the same lock, keeping the two indices consistent.
		record.ExternalSerial = meta.ExternalSerial
		record.ExternalProjectRef = meta.ExternalProjectRef
		s.bySerial[meta.ExternalSerial] = creditID
	case models.StateRetired:
		record.RetiredAt = &now
	case models.StateRejected:
		record.RejectedAt = &now
		if meta != nil {
			record.RejectionReason = meta.Reason
		}
	}

	return record.Clone(), nil
}

func (s *InMemoryStore) RecordError(_ context.Context, creditID domain.CreditID, message string) (*models.BridgeMappingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byCredit[creditID]
	if !ok {
		return nil, fmt.Errorf("credit %s: %w", creditID, models.ErrMappingNotFound)
	}
	if record.LastError == "" {
		record.LastError = message
	} else {
		record.LastError = record.LastError + "; " + message
	}
	record.RetryCount++
	return record.Clone(), nil
}

func (s *InMemoryStore) GetByCreditID(_ context.Context, creditID domain.CreditID) (*models.BridgeMappingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.byCredit[creditID]
	if !ok {
		return nil, fmt.Errorf("credit %s: %w", creditID, models.ErrMappingNotFound)
	}
	return record.Clone(), nil
}

func (s *InMemoryStore) GetBySerial(_ context.Context, serial domain.ExternalSerial) (*models.BridgeMappingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creditID, ok := s.bySerial[serial]
	if !ok {
		return nil, fmt.Errorf("serial %s: %w", serial, models.ErrMappingNotFound)
	}
	return s.byCredit[creditID].Clone(), nil
}

func (s *InMemoryStore) ListByState(_ context.Context, state models.BridgeState) ([]*models.BridgeMappingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.BridgeMappingRecord
	for _, record := range s.byCredit {
		if record.State == state {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListLocked(_ context.Context) ([]*models.BridgeMappingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.BridgeMappingRecord
	for _, record := range s.byCredit {
		if record.BridgeLocked {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}
