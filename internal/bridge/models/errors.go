package models

import (
	"errors"
	"fmt"

	"carbonbridge/pkg/domain"
)

// Sentinel mapping errors. Stores wrap these so callers can classify with
// errors.Is without depending on store internals.
var (
	// ErrMappingExists is returned when create() is called for a credit id
	// that already has a mapping on the registry.
	ErrMappingExists = errors.New("mapping already exists")
	// ErrMappingNotFound is returned when no mapping exists for the given
	// credit id or external serial.
	ErrMappingNotFound = errors.New("mapping not found")
	// ErrSerialConflict is returned when an external serial is already bound
	// to a different credit id.
	ErrSerialConflict = errors.New("external serial already mapped")
)

// StateTransitionError reports an illegal state change request. It carries
// the credit id and both states so batch flows can surface precise per-item
// failures.
type StateTransitionError struct {
	CreditID domain.CreditID
	From     BridgeState
	To       BridgeState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for credit %s", e.From, e.To, e.CreditID)
}

// IsStateTransition reports whether err is a StateTransitionError.
func IsStateTransition(err error) bool {
	var ste *StateTransitionError
	return errors.As(err, &ste)
}
