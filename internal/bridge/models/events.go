package models

import (
	"time"

	"carbonbridge/pkg/domain"
)

// BridgeEventType classifies the external event that caused a transition.
type BridgeEventType string

const (
	EventCreditIssued   BridgeEventType = "credit_issued"
	EventReviewApproved BridgeEventType = "review_approved"
	EventReviewRejected BridgeEventType = "review_rejected"
	EventRetired        BridgeEventType = "retired"
	EventCancelled      BridgeEventType = "cancelled"
	EventStatusChanged  BridgeEventType = "status_changed"
	EventTransferred    BridgeEventType = "transferred"
	// EventExport and EventImport mark transitions driven locally rather
	// than by the registry.
	EventExport BridgeEventType = "export"
	EventImport BridgeEventType = "import"
	EventPoll   BridgeEventType = "poll"
)

// BridgeStatusEvent is broadcast to listeners after every successfully
// applied transition. Downstream audit logging consumes these.
type BridgeStatusEvent struct {
	CreditID      domain.CreditID
	Registry      domain.RegistryName
	PreviousState BridgeState
	NewState      BridgeState
	EventType     BridgeEventType
	Timestamp     time.Time
	Details       map[string]string
}
