// Package audit captures bridge lifecycle events for downstream audit
// logging. Events are emitted from domain logic after every applied
// transition; keep them transport-agnostic so stores and sinks can fan
// out.
package audit

import (
	"context"
	"time"
)

// Event records one applied bridge transition. ClientIP and UserAgent
// are set only for transitions caused by an inbound HTTP request.
type Event struct {
	ID            string
	Action        string
	CreditID      string
	Registry      string
	PreviousState string
	NewState      string
	EventType     string
	ClientIP      string
	UserAgent     string
	Timestamp     time.Time
	Details       map[string]string
}

const (
	// ActionTransition is the single action emitted by the bridge today;
	// the field exists so consumers can route when more actions appear.
	ActionTransition = "bridge_transition"
)

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Publisher ships audit events to an external sink.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
	Close()
}
