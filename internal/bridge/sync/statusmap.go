package sync

import (
	"strings"

	"carbonbridge/internal/bridge/models"
)

// StatusMap translates a registry's opaque status strings into canonical
// bridge states. Registries disagree on vocabulary, so each client
// deployment can carry its own table; lookups are case-insensitive.
type StatusMap map[string]models.BridgeState

// DefaultStatusMap covers the vocabulary of the registries currently
// bridged.
func DefaultStatusMap() StatusMap {
	return StatusMap{
		"pending":      models.StateSubmitted,
		"submitted":    models.StateSubmitted,
		"under_review": models.StateSubmitted,
		"in_review":    models.StateSubmitted,
		"active":       models.StateRegistered,
		"issued":       models.StateRegistered,
		"registered":   models.StateRegistered,
		"listed":       models.StateRegistered,
		"retired":      models.StateRetired,
		"rejected":     models.StateRejected,
		"denied":       models.StateRejected,
	}
}

// Resolve maps one status string, reporting whether it is known.
func (m StatusMap) Resolve(status string) (models.BridgeState, bool) {
	state, ok := m[strings.ToLower(strings.TrimSpace(status))]
	return state, ok
}
