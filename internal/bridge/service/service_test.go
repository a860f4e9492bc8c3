package service

import (
	"context"

	"carbonbridge/internal/bridge/models"
	"carbonbridge/internal/registry"
	"carbonbridge/pkg/domain"
)

// fakeClient scripts registry behavior per test and records what the
// service sent over the wire.
type fakeClient struct {
	name domain.RegistryName

	registerFn func(req registry.RegistrationRequest) (*registry.RegistrationResult, error)
	batchFn    func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error)
	statusFn   func(ref registry.StatusRef) (*registry.CreditStatus, error)

	pages   []registry.BulkQueryPage
	bulkErr error

	sentBatches [][]registry.RegistrationRequest
	retired     []domain.ExternalSerial
	retireErr   error
	authCalls   int
	pageCalls   int
}

func (c *fakeClient) Name() domain.RegistryName { return c.name }

func (c *fakeClient) Authenticate(context.Context) error {
	c.authCalls++
	return nil
}

func (c *fakeClient) Register(_ context.Context, req registry.RegistrationRequest) (*registry.RegistrationResult, error) {
	return c.registerFn(req)
}

func (c *fakeClient) RegisterBatch(_ context.Context, reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
	c.sentBatches = append(c.sentBatches, reqs)
	return c.batchFn(reqs)
}

func (c *fakeClient) GetStatus(_ context.Context, ref registry.StatusRef) (*registry.CreditStatus, error) {
	return c.statusFn(ref)
}

func (c *fakeClient) BulkQuery(_ context.Context, pageToken string, _ int) (*registry.BulkQueryPage, error) {
	c.pageCalls++
	if c.bulkErr != nil {
		return nil, c.bulkErr
	}
	idx := 0
	if pageToken != "" {
		for i, p := range c.pages {
			if p.NextPageToken == pageToken {
				idx = i + 1
			}
		}
	}
	if idx >= len(c.pages) {
		return &registry.BulkQueryPage{}, nil
	}
	page := c.pages[idx]
	return &page, nil
}

func (c *fakeClient) Retire(_ context.Context, serial domain.ExternalSerial) error {
	if c.retireErr != nil {
		return c.retireErr
	}
	c.retired = append(c.retired, serial)
	return nil
}

var _ registry.Client = (*fakeClient)(nil)

// capturePublisher collects broadcast events for assertions.
type capturePublisher struct {
	events []models.BridgeStatusEvent
}

func (p *capturePublisher) Publish(_ context.Context, event models.BridgeStatusEvent) {
	p.events = append(p.events, event)
}

func acceptAll(reqs []registry.RegistrationRequest) []registry.RegistrationResult {
	results := make([]registry.RegistrationResult, len(reqs))
	for i, req := range reqs {
		results[i] = registry.RegistrationResult{
			Accepted: true,
			Serial:   domain.ExternalSerial("SER-" + req.CreditID.String()),
		}
	}
	return results
}
