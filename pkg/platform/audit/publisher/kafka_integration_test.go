//go:build integration

package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "carbonbridge/pkg/platform/audit"
	"carbonbridge/pkg/testutil/containers"
)

// =============================================================================
// Kafka Publisher Integration
// =============================================================================

func TestKafkaPublisherRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rp := containers.NewRedpandaContainer(t)
	defer func() { _ = rp.Container.Terminate(context.Background()) }()

	pub, err := NewKafka(ctx, []string{rp.Broker}, WithTopic("audit.test-events"))
	require.NoError(t, err)
	defer pub.Close()

	sent := audit.Event{
		ID:            "evt-1",
		Action:        audit.ActionTransition,
		CreditID:      "c1",
		Registry:      "verdant",
		PreviousState: "PENDING",
		NewState:      "SUBMITTED",
		EventType:     "export",
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Details:       map[string]string{"batch": "b-1"},
	}
	require.NoError(t, pub.Emit(ctx, sent))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Broker),
		kgo.ConsumeTopics("audit.test-events"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.NoError(t, fetches.Err())
	records := fetches.Records()
	require.Len(t, records, 1)

	record := records[0]
	require.Equal(t, "c1", string(record.Key), "records are keyed by credit id")

	var got eventRecord
	require.NoError(t, json.Unmarshal(record.Value, &got))
	require.Equal(t, "evt-1", got.ID)
	require.Equal(t, audit.ActionTransition, got.Action)
	require.Equal(t, "SUBMITTED", got.NewState)
	require.True(t, sent.Timestamp.Equal(got.Timestamp))
	require.Equal(t, "b-1", got.Details["batch"])
}

func TestKafkaPublisherOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rp := containers.NewRedpandaContainer(t)
	defer func() { _ = rp.Container.Terminate(context.Background()) }()

	pub, err := NewKafka(ctx, []string{rp.Broker}, WithTopic("audit.ordering"))
	require.NoError(t, err)
	defer pub.Close()

	states := []string{"SUBMITTED", "REGISTERED", "RETIRED"}
	for i, state := range states {
		require.NoError(t, pub.Emit(ctx, audit.Event{
			ID:        "evt-" + state,
			Action:    audit.ActionTransition,
			CreditID:  "c1",
			NewState:  state,
			Timestamp: time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
		}))
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Broker),
		kgo.ConsumeTopics("audit.ordering"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var seen []string
	for len(seen) < len(states) {
		fetches := consumer.PollFetches(ctx)
		require.NoError(t, fetches.Err())
		for _, record := range fetches.Records() {
			var got eventRecord
			require.NoError(t, json.Unmarshal(record.Value, &got))
			seen = append(seen, got.NewState)
		}
	}
	require.Equal(t, states, seen, "same-credit events keep their order")
}
