// Package events fans successfully applied transitions out to registered
// listeners. Downstream audit logging is one listener; tests subscribe
// directly.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"carbonbridge/internal/bridge/models"
	audit "carbonbridge/pkg/platform/audit"
	"carbonbridge/pkg/requestcontext"
)

// Listener receives every broadcast event. Listeners must not block; slow
// consumers should hand off to their own channel.
type Listener func(ctx context.Context, event models.BridgeStatusEvent)

// Broadcaster delivers events synchronously to all listeners in
// subscription order.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *slog.Logger
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{logger: logger}
}

// Subscribe registers a listener for all future events.
func (b *Broadcaster) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish delivers the event to every listener.
func (b *Broadcaster) Publish(ctx context.Context, event models.BridgeStatusEvent) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		l(ctx, event)
	}
}

// AuditListener adapts broadcast events into the audit pipeline. Emission
// failures are logged, never propagated: audit is an external collaborator
// and must not fail a transition that already happened.
func AuditListener(publisher audit.Publisher, logger *slog.Logger) Listener {
	return func(ctx context.Context, event models.BridgeStatusEvent) {
		err := publisher.Emit(ctx, audit.Event{
			ID:            uuid.NewString(),
			ClientIP:      requestcontext.ClientIP(ctx),
			UserAgent:     requestcontext.UserAgent(ctx),
			Action:        audit.ActionTransition,
			CreditID:      event.CreditID.String(),
			Registry:      event.Registry.String(),
			PreviousState: string(event.PreviousState),
			NewState:      string(event.NewState),
			EventType:     string(event.EventType),
			Timestamp:     event.Timestamp,
			Details:       event.Details,
		})
		if err != nil {
			logger.Error("emit audit event",
				"credit_id", event.CreditID,
				"new_state", event.NewState,
				"err", err,
			)
		}
	}
}
