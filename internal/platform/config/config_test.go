package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "carbonbridge", cfg.Admin.Issuer)
	assert.Equal(t, 48*time.Hour, cfg.Redis.LockTTL)
	assert.Equal(t, "carbonbridge.status-events", cfg.Kafka.Topic)
	assert.Equal(t, 50, cfg.Export.ChunkSize)
	assert.Equal(t, 5000, cfg.Import.Cap)
	assert.False(t, cfg.Import.ReportConflicts)
	assert.Equal(t, 5*time.Minute, cfg.Sync.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Sync.MaxStaleness)
	assert.Empty(t, cfg.Registries, "no REGISTRIES means no registries")
}

func TestFromEnvRegistryBlocks(t *testing.T) {
	t.Setenv("REGISTRIES", " verdant , heritage, verdant ")
	t.Setenv("VERDANT_BASE_URL", "https://api.verdant.example")
	t.Setenv("VERDANT_CLIENT_ID", "cb-client")
	t.Setenv("VERDANT_WEBHOOK_SECRET", "whsec_x")
	t.Setenv("HERITAGE_PROTOCOL", "soap")
	t.Setenv("HERITAGE_ENDPOINT", "https://legacy.heritage.example/ws")
	t.Setenv("HERITAGE_USERNAME", "bridge")

	cfg := FromEnv()

	require.Len(t, cfg.Registries, 2, "duplicate registry names collapse")

	verdant := cfg.Registries[0]
	assert.Equal(t, "verdant", verdant.Name)
	assert.Equal(t, ProtocolREST, verdant.Protocol, "protocol defaults to rest")
	assert.Equal(t, "https://api.verdant.example", verdant.BaseURL)
	assert.Equal(t, "whsec_x", verdant.WebhookSecret)

	heritage := cfg.Registries[1]
	assert.Equal(t, ProtocolSOAP, heritage.Protocol)
	assert.Equal(t, "https://legacy.heritage.example/ws", heritage.Endpoint)
	assert.Empty(t, heritage.WebhookSecret)
}

func TestFromEnvOverridesAndFallbacks(t *testing.T) {
	t.Setenv("EXPORT_CHUNK_SIZE", "25")
	t.Setenv("IMPORT_REPORT_CONFLICTS", "true")
	t.Setenv("SYNC_POLL_INTERVAL", "90s")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("REDIS_POOL_SIZE", "not-a-number")

	cfg := FromEnv()

	assert.Equal(t, 25, cfg.Export.ChunkSize)
	assert.True(t, cfg.Import.ReportConflicts)
	assert.Equal(t, 90*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 10, cfg.Redis.PoolSize, "unparseable values fall back to the default")
}
