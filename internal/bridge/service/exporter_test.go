package service

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"carbonbridge/internal/bridge/metrics"
	"carbonbridge/internal/bridge/models"
	"carbonbridge/internal/bridge/store"
	"carbonbridge/internal/lock"
	"carbonbridge/internal/registry"
	"carbonbridge/pkg/domain"
)

// =============================================================================
// Exporter Test Suite
// =============================================================================
// Unit tests here exercise the lock-before-call ordering, positional result
// mapping, and chunk failure semantics, which need scripted registry
// behavior that an end-to-end run cannot force.

type ExporterSuite struct {
	suite.Suite
	verdant   *store.InMemoryStore
	heritage  *store.InMemoryStore
	client    *fakeClient
	published *capturePublisher
	service   *Service
}

func TestExporterSuite(t *testing.T) {
	suite.Run(t, new(ExporterSuite))
}

func (s *ExporterSuite) SetupTest() {
	s.verdant = store.NewInMemory("verdant")
	s.heritage = store.NewInMemory("heritage")
	s.client = &fakeClient{name: "verdant"}
	s.published = &capturePublisher{}
	s.service = New(s.verdant, s.client,
		lock.NewStoreChecker(s.verdant, s.heritage),
		WithChunkSize(2),
		WithPublisher(s.published),
	)
}

func (s *ExporterSuite) seedPending(ids ...string) []domain.CreditID {
	ctx := context.Background()
	out := make([]domain.CreditID, 0, len(ids))
	for _, id := range ids {
		creditID := domain.CreditID(id)
		_, err := s.verdant.Create(ctx, store.CreateParams{
			CreditID: creditID,
			Facts:    models.AssetFacts{AttestationHash: "hash-" + id, MethodologyID: "ACM0002", VintageYear: 2025, TonnesCO2e: 1.5},
			State:    models.StatePending,
		})
		s.Require().NoError(err)
		out = append(out, creditID)
	}
	return out
}

func (s *ExporterSuite) TestExportBatch() {
	ctx := context.Background()

	s.Run("positional results settle each credit", func() {
		s.SetupTest()
		ids := s.seedPending("c1", "c2", "c3")
		s.client.batchFn = func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			if reqs[0].CreditID == "c1" {
				return []registry.RegistrationResult{
					{Accepted: true, Serial: "VCU-1", ProjectRef: "PRJ-9"},
					{Accepted: false, Reason: "methodology not recognised"},
				}, nil
			}
			return acceptAll(reqs), nil
		}

		result, err := s.service.ExportBatch(ctx, ids)
		s.Require().NoError(err)
		s.Equal(2, result.Accepted)
		s.Equal(1, result.Rejected)
		s.Len(s.client.sentBatches, 2, "three credits at chunk size two means two calls")

		first, err := s.verdant.GetByCreditID(ctx, "c1")
		s.Require().NoError(err)
		s.Equal(models.StateRegistered, first.State)
		s.True(first.BridgeLocked)
		s.Equal(domain.ExternalSerial("VCU-1"), first.ExternalSerial)
		s.Equal("PRJ-9", first.ExternalProjectRef)

		second, err := s.verdant.GetByCreditID(ctx, "c2")
		s.Require().NoError(err)
		s.Equal(models.StateRejected, second.State)
		s.False(second.BridgeLocked)
		s.Equal("methodology not recognised", second.RejectionReason)

		bySerial, err := s.verdant.GetBySerial(ctx, "VCU-1")
		s.Require().NoError(err)
		s.Equal(domain.CreditID("c1"), bySerial.CreditID)
	})

	s.Run("credit locked by another registry is skipped before any call", func() {
		s.SetupTest()
		ids := s.seedPending("c1")
		_, err := s.heritage.Create(ctx, store.CreateParams{
			CreditID:       "c1",
			State:          models.StateRegistered,
			ExternalSerial: "HER-77",
		})
		s.Require().NoError(err)

		result, err := s.service.ExportBatch(ctx, ids)
		s.Require().NoError(err)
		s.Equal(1, result.Skipped)
		s.Empty(s.client.sentBatches)
		s.Contains(result.Items[0].Detail, "heritage")

		record, err := s.verdant.GetByCreditID(ctx, "c1")
		s.Require().NoError(err)
		s.Equal(models.StatePending, record.State, "a skipped credit is left untouched")
	})

	s.Run("unmapped and non-pending credits are skipped", func() {
		s.SetupTest()
		ids := s.seedPending("c1")
		_, err := s.verdant.Transition(ctx, "c1", models.StateSubmitted, &models.TransitionMeta{})
		s.Require().NoError(err)

		result, err := s.service.ExportBatch(ctx, append(ids, "ghost"))
		s.Require().NoError(err)
		s.Equal(2, result.Skipped)
		s.Empty(s.client.sentBatches)
	})

	s.Run("chunk failure leaves its credits submitted and stops the batch", func() {
		s.SetupTest()
		ids := s.seedPending("c1", "c2", "c3")
		s.client.batchFn = func([]registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			return nil, &registry.APIRequestError{StatusCode: 503, Message: "registry unavailable", Retryable: true}
		}

		result, err := s.service.ExportBatch(ctx, ids)
		s.Require().Error(err)
		s.Equal(2, result.Errored)
		s.Len(s.client.sentBatches, 1, "later chunks are not attempted after a failure")

		for _, id := range ids[:2] {
			record, getErr := s.verdant.GetByCreditID(ctx, id)
			s.Require().NoError(getErr)
			s.Equal(models.StateSubmitted, record.State, "failed chunk members stay submitted for reconciliation")
			s.True(record.BridgeLocked)
			s.Contains(record.LastError, "registry unavailable")
			s.Equal(1, record.RetryCount)
		}

		last, getErr := s.verdant.GetByCreditID(ctx, "c3")
		s.Require().NoError(getErr)
		s.Equal(models.StatePending, last.State, "unattempted chunk members remain exportable")
	})

	s.Run("transitions are published for every settled credit", func() {
		s.SetupTest()
		ids := s.seedPending("c1")
		s.client.batchFn = func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			return acceptAll(reqs), nil
		}

		_, err := s.service.ExportBatch(ctx, ids)
		s.Require().NoError(err)

		s.Require().Len(s.published.events, 2)
		s.Equal(models.StateSubmitted, s.published.events[0].NewState)
		s.Equal(models.EventExport, s.published.events[0].EventType)
		s.Equal(models.StateRegistered, s.published.events[1].NewState)
		s.Equal(models.EventCreditIssued, s.published.events[1].EventType)
	})
}

// =============================================================================
// Single-Credit Retry Tests
// =============================================================================

func (s *ExporterSuite) TestRetryExport() {
	ctx := context.Background()

	rejectOnce := func() {
		s.seedPending("c1")
		s.client.batchFn = func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			return []registry.RegistrationResult{{Accepted: false, Reason: "vintage out of range"}}, nil
		}
		_, err := s.service.ExportBatch(ctx, []domain.CreditID{"c1"})
		s.Require().NoError(err)
	}

	s.Run("rejected credit re-enters and registers", func() {
		s.SetupTest()
		rejectOnce()
		s.client.registerFn = func(req registry.RegistrationRequest) (*registry.RegistrationResult, error) {
			return &registry.RegistrationResult{Accepted: true, Serial: "VCU-2"}, nil
		}

		record, err := s.service.RetryExport(ctx, "c1")
		s.Require().NoError(err)
		s.Equal(models.StateRegistered, record.State)
		s.Equal(domain.ExternalSerial("VCU-2"), record.ExternalSerial)
	})

	s.Run("lock acquired elsewhere since rejection blocks the retry", func() {
		s.SetupTest()
		rejectOnce()
		_, err := s.heritage.Create(ctx, store.CreateParams{
			CreditID:       "c1",
			State:          models.StateRegistered,
			ExternalSerial: "HER-1",
		})
		s.Require().NoError(err)

		_, err = s.service.RetryExport(ctx, "c1")
		s.Require().Error(err)
		s.ErrorIs(err, lock.ErrLockHeld)

		record, getErr := s.verdant.GetByCreditID(ctx, "c1")
		s.Require().NoError(getErr)
		s.Equal(models.StatePending, record.State)
	})

	s.Run("network failure records the error and leaves submitted", func() {
		s.SetupTest()
		rejectOnce()
		s.client.registerFn = func(registry.RegistrationRequest) (*registry.RegistrationResult, error) {
			return nil, errors.New("connection reset")
		}

		_, err := s.service.RetryExport(ctx, "c1")
		s.Require().Error(err)

		record, getErr := s.verdant.GetByCreditID(ctx, "c1")
		s.Require().NoError(getErr)
		s.Equal(models.StateSubmitted, record.State)
		s.Contains(record.LastError, "connection reset")
	})

	s.Run("registered credit cannot be retried", func() {
		s.SetupTest()
		s.seedPending("c1")
		s.client.batchFn = func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			return acceptAll(reqs), nil
		}
		_, err := s.service.ExportBatch(ctx, []domain.CreditID{"c1"})
		s.Require().NoError(err)

		_, err = s.service.RetryExport(ctx, "c1")
		var stateErr *models.StateTransitionError
		s.Require().ErrorAs(err, &stateErr)
		s.Equal(models.StateRegistered, stateErr.From)
	})
}

// =============================================================================
// Retire Tests
// =============================================================================

func (s *ExporterSuite) TestRetire() {
	ctx := context.Background()

	register := func() {
		s.seedPending("c1")
		s.client.batchFn = func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			return acceptAll(reqs), nil
		}
		_, err := s.service.ExportBatch(ctx, []domain.CreditID{"c1"})
		s.Require().NoError(err)
	}

	s.Run("registry retirement precedes the local transition", func() {
		s.SetupTest()
		register()

		record, err := s.service.Retire(ctx, "c1", "buyer claimed offset")
		s.Require().NoError(err)
		s.Equal(models.StateRetired, record.State)
		s.False(record.BridgeLocked, "retirement releases the bridge lock")
		s.Equal([]domain.ExternalSerial{"SER-c1"}, s.client.retired)
	})

	s.Run("registry failure leaves the credit registered", func() {
		s.SetupTest()
		register()
		s.client.retireErr = errors.New("retirement window closed")

		_, err := s.service.Retire(ctx, "c1", "buyer claimed offset")
		s.Require().Error(err)

		record, getErr := s.verdant.GetByCreditID(ctx, "c1")
		s.Require().NoError(getErr)
		s.Equal(models.StateRegistered, record.State)
	})

	s.Run("pending credit cannot be retired", func() {
		s.SetupTest()
		s.seedPending("c1")

		_, err := s.service.Retire(ctx, "c1", "premature")
		var stateErr *models.StateTransitionError
		s.Require().ErrorAs(err, &stateErr)
		s.Empty(s.client.retired)
	})
}

// =============================================================================
// Registry Call Latency Tests
// =============================================================================

func TestRegistryCallLatencyObserved(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	st := store.NewInMemory("verdant")
	client := &fakeClient{name: "verdant"}
	client.batchFn = func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
		return acceptAll(reqs), nil
	}
	client.pages = []registry.BulkQueryPage{{
		Items: []registry.CreditStatus{{Serial: "VCU-9", Status: "active"}},
	}}
	svc := New(st, client, lock.NewStoreChecker(st), WithMetrics(m))

	_, err := st.Create(ctx, store.CreateParams{CreditID: "c1", State: models.StatePending})
	require.NoError(t, err)
	_, err = svc.ExportBatch(ctx, []domain.CreditID{"c1"})
	require.NoError(t, err)

	_, err = svc.ImportFromRegistry(ctx)
	require.NoError(t, err)

	_, err = svc.Retire(ctx, "c1", "claimed")
	require.NoError(t, err)

	// One histogram series per operation that went over the wire.
	assert.Equal(t, 3, testutil.CollectAndCount(m.RegistryCallSec, "carbonbridge_registry_call_duration_seconds"))
}
