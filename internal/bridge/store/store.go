// Package store persists bridge mapping records. Implementations own the
// state machine: no record is ever mutated outside Transition, and the two
// lookup indices (credit id, external serial) are updated as one atomic
// unit when a serial is learned.
package store

import (
	"context"

	"carbonbridge/internal/bridge/models"
	"carbonbridge/pkg/domain"
)

// CreateParams captures everything needed to create a mapping record.
// State defaults to PENDING; the batch importer sets StateRegistered
// together with an external serial for credits already live externally.
type CreateParams struct {
	CreditID domain.CreditID
	Facts    models.AssetFacts

	State              models.BridgeState
	ExternalSerial     domain.ExternalSerial
	ExternalProjectRef string
	ImportBatchID      string
}

// MappingStore is the per-registry table of bridge records.
type MappingStore interface {
	// Create inserts a new record. Fails with models.ErrMappingExists when
	// the credit id is already mapped, and models.ErrSerialConflict when an
	// initial serial is already bound to another credit.
	Create(ctx context.Context, params CreateParams) (*models.BridgeMappingRecord, error)

	// Transition moves a record along the state machine. Fails with a
	// *models.StateTransitionError when the target is not reachable from
	// the current state. On success it stamps the relevant timestamp,
	// recomputes the lock flag, and, for REGISTERED, installs the external
	// serial into both indices atomically.
	Transition(ctx context.Context, creditID domain.CreditID, to models.BridgeState, meta *models.TransitionMeta) (*models.BridgeMappingRecord, error)

	// RecordError appends to last_error and bumps retry_count without
	// touching state.
	RecordError(ctx context.Context, creditID domain.CreditID, message string) (*models.BridgeMappingRecord, error)

	GetByCreditID(ctx context.Context, creditID domain.CreditID) (*models.BridgeMappingRecord, error)
	GetBySerial(ctx context.Context, serial domain.ExternalSerial) (*models.BridgeMappingRecord, error)
	ListByState(ctx context.Context, state models.BridgeState) ([]*models.BridgeMappingRecord, error)

	// ListLocked returns every record currently holding the bridge lock.
	// The cross-registry coordinator consults this.
	ListLocked(ctx context.Context) ([]*models.BridgeMappingRecord, error)

	// Registry names the external registry this store serves.
	Registry() domain.RegistryName
}
