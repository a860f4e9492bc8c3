package publisher

import (
	"context"
	"errors"

	audit "carbonbridge/pkg/platform/audit"
)

// ChannelPublisher hands events to the in-process audit worker. Used when
// no external broker is configured.
type ChannelPublisher struct {
	inbox chan<- audit.Event
}

func NewChannel(inbox chan<- audit.Event) *ChannelPublisher {
	return &ChannelPublisher{inbox: inbox}
}

// Emit enqueues without blocking; a full inbox surfaces as an error so the
// caller can log the loss rather than stall a transition.
func (p *ChannelPublisher) Emit(ctx context.Context, event audit.Event) error {
	select {
	case p.inbox <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("audit inbox full, event dropped")
	}
}

func (p *ChannelPublisher) Close() {}
