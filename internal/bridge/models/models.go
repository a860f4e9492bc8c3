// Package models defines the bridge mapping record and its state machine.
// A mapping record tracks one credit on one external registry; the state
// machine is the only way records change after creation.
package models

import (
	"time"

	"carbonbridge/pkg/domain"
)

// BridgeState is the lifecycle position of a credit on an external registry.
type BridgeState string

const (
	// StatePending means the credit is tracked locally but nothing has been
	// sent to the registry yet.
	StatePending BridgeState = "PENDING"
	// StateSubmitted means a registration call is in flight or unresolved.
	// The record is bridge-locked from this point.
	StateSubmitted BridgeState = "SUBMITTED"
	// StateRegistered means the registry accepted the credit and assigned an
	// external serial. Also referred to as LISTED by some registries.
	StateRegistered BridgeState = "REGISTERED"
	// StateRetired means the credit was permanently retired on the registry.
	// Terminal.
	StateRetired BridgeState = "RETIRED"
	// StateRejected means the registry refused the credit. The record may
	// re-enter PENDING for another attempt.
	StateRejected BridgeState = "REJECTED"
)

// transitions is the full table of legal state changes. Anything not listed
// here is invalid, including a transition to the current state.
var transitions = map[BridgeState][]BridgeState{
	StatePending:    {StateSubmitted},
	StateSubmitted:  {StateRegistered, StateRejected},
	StateRegistered: {StateRetired},
	StateRejected:   {StatePending},
	StateRetired:    {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to BridgeState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known bridge state.
func (s BridgeState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Locked reports whether a record in this state holds the bridge lock.
// SUBMITTED and REGISTERED lock the credit because it is in flight or live
// on the registry; RETIRED and REJECTED release it.
func (s BridgeState) Locked() bool {
	return s == StateSubmitted || s == StateRegistered
}

// AssetFacts are the immutable facts about the underlying asset, captured
// once when the mapping is created.
type AssetFacts struct {
	AttestationHash string
	MethodologyID   string
	VintageYear     int
	TonnesCO2e      float64
	HostCountry     string
}

// BridgeMappingRecord tracks one credit's lifecycle on one external
// registry. Exactly one record exists per credit id per registry, and the
// record is never deleted; RETIRED and REJECTED are kept as history.
type BridgeMappingRecord struct {
	CreditID domain.CreditID
	Registry domain.RegistryName

	// ExternalSerial is set when the registry accepts the credit and is
	// unique within the registry once assigned.
	ExternalSerial     domain.ExternalSerial
	ExternalProjectRef string

	State        BridgeState
	BridgeLocked bool

	Facts AssetFacts

	CreatedAt    time.Time
	SubmittedAt  *time.Time
	RegisteredAt *time.Time
	RetiredAt    *time.Time
	RejectedAt   *time.Time

	RejectionReason string

	RetryCount    int
	LastError     string
	ImportBatchID string
}

// TransitionMeta carries the per-transition payload. Only the fields
// relevant to the target state are read.
type TransitionMeta struct {
	// ExternalSerial and ExternalProjectRef are installed on the REGISTERED
	// transition.
	ExternalSerial     domain.ExternalSerial
	ExternalProjectRef string
	// Reason is recorded on the REJECTED transition.
	Reason string
}

// Clone returns a deep copy so callers can hand out records without
// exposing store internals.
func (r *BridgeMappingRecord) Clone() *BridgeMappingRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.SubmittedAt = cloneTime(r.SubmittedAt)
	c.RegisteredAt = cloneTime(r.RegisteredAt)
	c.RetiredAt = cloneTime(r.RetiredAt)
	c.RejectedAt = cloneTime(r.RejectedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// BatchItemOutcome is the per-credit result of a batch operation,
// positionally correlated with the submitted batch.
type BatchItemOutcome string

const (
	OutcomeAccepted BatchItemOutcome = "accepted"
	OutcomeRejected BatchItemOutcome = "rejected"
	OutcomeError    BatchItemOutcome = "error"
	OutcomeSkipped  BatchItemOutcome = "skipped"
	OutcomeConflict BatchItemOutcome = "conflict"
)

// BatchItemResult is one entry of a BatchOperationResult.
type BatchItemResult struct {
	CreditID domain.CreditID
	Outcome  BatchItemOutcome
	// Serial is populated for accepted items.
	Serial domain.ExternalSerial
	// Detail carries the rejection reason, skip reason, or error message.
	Detail string
}

// BatchOperationResult summarises a batch export or import. Items preserve
// submission order; the counters are derived from them.
type BatchOperationResult struct {
	BatchID  string
	Registry domain.RegistryName
	Items    []BatchItemResult
	Accepted  int
	Rejected  int
	Errored   int
	Skipped   int
	Conflicts int
}

// Add appends an item result and updates the matching counter.
func (r *BatchOperationResult) Add(item BatchItemResult) {
	r.Items = append(r.Items, item)
	switch item.Outcome {
	case OutcomeAccepted:
		r.Accepted++
	case OutcomeRejected:
		r.Rejected++
	case OutcomeError:
		r.Errored++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeConflict:
		r.Conflicts++
	}
}
