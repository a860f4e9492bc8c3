//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"carbonbridge/internal/bridge/models"
	"carbonbridge/pkg/domain"
	"carbonbridge/pkg/requestcontext"
	"carbonbridge/pkg/testutil/containers"
)

// =============================================================================
// Postgres Store Integration Suite
// =============================================================================
// The memory suite covers the state machine exhaustively; this suite
// verifies what only a real database can: the transactional transition,
// the partial unique index guarding serials, and SQL round-tripping of
// every column.

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *PostgresStore
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.Require().NoError(EnsureSchema(context.Background(), s.pg.DB))
	s.store = NewPostgres(s.pg.DB, "verdant")
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.pg != nil {
		_ = s.pg.DB.Close()
		_ = s.pg.Container.Terminate(context.Background())
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateAll(context.Background(), "bridge_mappings"))
	s.ctx = requestcontext.WithTime(context.Background(),
		time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	facts := models.AssetFacts{
		AttestationHash: "ab12cd",
		MethodologyID:   "VCS-AMS-III-H",
		VintageYear:     2025,
		TonnesCO2e:      50,
		HostCountry:     "KE",
	}
	created, err := s.store.Create(s.ctx, CreateParams{CreditID: "c1", Facts: facts})
	s.Require().NoError(err)
	s.Equal(models.StatePending, created.State)

	loaded, err := s.store.GetByCreditID(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal(facts, loaded.Facts)
	s.Equal(domain.RegistryName("verdant"), loaded.Registry)
	s.False(loaded.BridgeLocked)
	s.NotZero(loaded.CreatedAt)
}

func (s *PostgresStoreSuite) TestTransitionLifecycle() {
	_, err := s.store.Create(s.ctx, CreateParams{CreditID: "c1"})
	s.Require().NoError(err)

	submitted, err := s.store.Transition(s.ctx, "c1", models.StateSubmitted, &models.TransitionMeta{})
	s.Require().NoError(err)
	s.True(submitted.BridgeLocked)
	s.NotNil(submitted.SubmittedAt)

	registered, err := s.store.Transition(s.ctx, "c1", models.StateRegistered, &models.TransitionMeta{
		ExternalSerial:     "VCU-123",
		ExternalProjectRef: "PRJ-1",
	})
	s.Require().NoError(err)
	s.Equal(domain.ExternalSerial("VCU-123"), registered.ExternalSerial)

	bySerial, err := s.store.GetBySerial(s.ctx, "VCU-123")
	s.Require().NoError(err)
	s.Equal(domain.CreditID("c1"), bySerial.CreditID)

	_, err = s.store.Transition(s.ctx, "c1", models.StatePending, &models.TransitionMeta{})
	var stateErr *models.StateTransitionError
	s.Require().ErrorAs(err, &stateErr)
	s.Equal(models.StateRegistered, stateErr.From)

	unchanged, err := s.store.GetByCreditID(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal(models.StateRegistered, unchanged.State)
}

func (s *PostgresStoreSuite) TestSerialUniqueness() {
	for _, id := range []domain.CreditID{"c1", "c2"} {
		_, err := s.store.Create(s.ctx, CreateParams{CreditID: id})
		s.Require().NoError(err)
		_, err = s.store.Transition(s.ctx, id, models.StateSubmitted, &models.TransitionMeta{})
		s.Require().NoError(err)
	}

	_, err := s.store.Transition(s.ctx, "c1", models.StateRegistered, &models.TransitionMeta{ExternalSerial: "VCU-1"})
	s.Require().NoError(err)

	_, err = s.store.Transition(s.ctx, "c2", models.StateRegistered, &models.TransitionMeta{ExternalSerial: "VCU-1"})
	s.Require().ErrorIs(err, models.ErrSerialConflict)

	// The failed transition must not have moved c2.
	record, err := s.store.GetByCreditID(s.ctx, "c2")
	s.Require().NoError(err)
	s.Equal(models.StateSubmitted, record.State)
}

func (s *PostgresStoreSuite) TestImportCreate() {
	record, err := s.store.Create(s.ctx, CreateParams{
		CreditID:           "imp-1",
		State:              models.StateRegistered,
		ExternalSerial:     "VCU-9",
		ExternalProjectRef: "PRJ-9",
		ImportBatchID:      "batch-1",
	})
	s.Require().NoError(err)
	s.True(record.BridgeLocked)
	s.NotNil(record.RegisteredAt)

	_, err = s.store.Create(s.ctx, CreateParams{
		CreditID:       "imp-2",
		State:          models.StateRegistered,
		ExternalSerial: "VCU-9",
	})
	s.Require().ErrorIs(err, models.ErrSerialConflict)
}

func (s *PostgresStoreSuite) TestRecordError() {
	_, err := s.store.Create(s.ctx, CreateParams{CreditID: "c1"})
	s.Require().NoError(err)

	_, err = s.store.RecordError(s.ctx, "c1", "connection reset")
	s.Require().NoError(err)
	record, err := s.store.RecordError(s.ctx, "c1", "registry unavailable")
	s.Require().NoError(err)

	s.Equal(2, record.RetryCount)
	s.Contains(record.LastError, "connection reset")
	s.Contains(record.LastError, "registry unavailable")
	s.Equal(models.StatePending, record.State)
}

func (s *PostgresStoreSuite) TestConcurrentSubmission() {
	// Two exporters racing for the same credit: exactly one wins the
	// PENDING -> SUBMITTED row lock, the loser gets a transition error.
	_, err := s.store.Create(s.ctx, CreateParams{CreditID: "c1"})
	s.Require().NoError(err)

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := s.store.Transition(context.Background(), "c1", models.StateSubmitted, &models.TransitionMeta{})
			errs <- err
		}()
	}

	var failures int
	for range 2 {
		if err := <-errs; err != nil {
			var stateErr *models.StateTransitionError
			s.Require().ErrorAs(err, &stateErr)
			failures++
		}
	}
	s.Equal(1, failures, "exactly one racer must lose")

	record, err := s.store.GetByCreditID(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal(models.StateSubmitted, record.State)
}

func (s *PostgresStoreSuite) TestListing() {
	for _, id := range []domain.CreditID{"c1", "c2", "c3"} {
		_, err := s.store.Create(s.ctx, CreateParams{CreditID: id})
		s.Require().NoError(err)
	}
	_, err := s.store.Transition(s.ctx, "c2", models.StateSubmitted, &models.TransitionMeta{})
	s.Require().NoError(err)

	pending, err := s.store.ListByState(s.ctx, models.StatePending)
	s.Require().NoError(err)
	s.Len(pending, 2)

	locked, err := s.store.ListLocked(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(locked, 1)
	s.Equal(domain.CreditID("c2"), locked[0].CreditID)
}
