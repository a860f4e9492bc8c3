// Package registry defines the capability set every external registry
// client implements, together with the shared error taxonomy and retry
// policy. Wire-protocol specifics live in the rest and soap subpackages;
// callers never see JSON or XML.
package registry

import (
	"context"
	"time"

	"carbonbridge/pkg/domain"
)

// RegistrationRequest carries one credit's facts to a registry.
type RegistrationRequest struct {
	CreditID        domain.CreditID
	AttestationHash string
	MethodologyID   string
	VintageYear     int
	TonnesCO2e      float64
	HostCountry     string
}

// RegistrationResult is the registry's verdict on one submitted credit.
// Batch responses preserve submission order, so results correlate
// positionally with the request slice.
type RegistrationResult struct {
	Accepted   bool
	Serial     domain.ExternalSerial
	ProjectRef string
	// Reason is populated when the credit was rejected.
	Reason string
}

// StatusRef addresses a credit on the registry either by its external
// serial or by the internal reference submitted at registration time.
// Exactly one field should be set.
type StatusRef struct {
	Serial      domain.ExternalSerial
	InternalRef domain.CreditID
}

// CreditStatus is a registry's view of one credit.
type CreditStatus struct {
	Serial      domain.ExternalSerial
	ProjectRef  string
	InternalRef domain.CreditID
	// Status is the registry's opaque status string; the sync poller maps
	// it to a canonical bridge state through a lookup table.
	Status      string
	VintageYear int
	TonnesCO2e  float64
	UpdatedAt   time.Time
}

// BulkQueryPage is one page of a paginated bulk query. An empty
// NextPageToken means no further pages.
type BulkQueryPage struct {
	Items         []CreditStatus
	NextPageToken string
}

// Session is an ephemeral authenticated session with a registry. It is
// owned exclusively by its client and never shared across registries.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// renewMargin is how long before expiry a session is renewed lazily.
const renewMargin = 45 * time.Second

// LiveAt reports whether the session is still usable at t, leaving the
// renewal margin before the hard expiry.
func (s Session) LiveAt(t time.Time) bool {
	return s.Token != "" && t.Before(s.ExpiresAt.Add(-renewMargin))
}

// Client is the common five-operation capability set over any registry
// wire protocol.
type Client interface {
	// Name identifies the registry this client talks to.
	Name() domain.RegistryName

	// Authenticate establishes a session eagerly. Clients also renew
	// lazily, so calling this is only needed for startup health checks.
	Authenticate(ctx context.Context) error

	// Register submits a single credit.
	Register(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error)

	// RegisterBatch submits credits in one call. The returned slice has
	// one entry per request, in submission order, even when individual
	// items are rejected.
	RegisterBatch(ctx context.Context, reqs []RegistrationRequest) ([]RegistrationResult, error)

	// GetStatus queries one credit by serial or internal reference.
	GetStatus(ctx context.Context, ref StatusRef) (*CreditStatus, error)

	// BulkQuery pages through the registry's credits.
	BulkQuery(ctx context.Context, pageToken string, pageSize int) (*BulkQueryPage, error)

	// Retire permanently retires a registered credit.
	Retire(ctx context.Context, serial domain.ExternalSerial) error
}
