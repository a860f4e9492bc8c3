// Package config assembles the process configuration from environment
// variables so main stays lean. Every knob has a development default
// except credentials, which stay empty and disable their feature.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	pstrings "carbonbridge/pkg/platform/strings"
)

// Config is the full process configuration.
type Config struct {
	Server     Server
	Admin      Admin
	Postgres   Postgres
	Redis      Redis
	Kafka      Kafka
	Export     Export
	Import     Import
	Sync       Sync
	Registries []Registry
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr string
}

// Admin configures admin API token verification.
type Admin struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// Postgres configures the mapping store backing database. An empty URL
// selects the in-memory store.
type Postgres struct {
	URL string
}

// Redis configures the distributed cross-registry lock. An empty URL
// disables it; single-process deployments derive locks from the store.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LockTTL      time.Duration
}

// Kafka configures the audit event publisher. Empty brokers keep audit
// in-process.
type Kafka struct {
	Brokers []string
	Topic   string
}

// Export tunes the batch exporter.
type Export struct {
	ChunkSize int
}

// Import tunes the registry importer. ReportConflicts surfaces an
// already-mapped serial as a conflict in the batch result instead of a
// silent skip.
type Import struct {
	Cap             int
	ReportConflicts bool
}

// Sync tunes the poll and reconcile loops.
type Sync struct {
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
	MaxStaleness      time.Duration
}

// RegistryProtocol selects the wire client for a registry.
type RegistryProtocol string

const (
	ProtocolREST RegistryProtocol = "rest"
	ProtocolSOAP RegistryProtocol = "soap"
)

// Registry configures one external registry connection.
type Registry struct {
	Name     string
	Protocol RegistryProtocol

	// REST
	BaseURL      string
	ClientID     string
	ClientSecret string

	// SOAP
	Endpoint string
	Username string
	Password string

	// WebhookSecret enables the push intake for this registry when set.
	WebhookSecret string
}

// FromEnv builds the configuration from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr: envOr("CARBONBRIDGE_ADDR", ":8080"),
		},
		Admin: Admin{
			JWTSecret: os.Getenv("ADMIN_JWT_SECRET"),
			Issuer:    envOr("ADMIN_JWT_ISSUER", "carbonbridge"),
			Audience:  envOr("ADMIN_JWT_AUDIENCE", "carbonbridge-admin"),
		},
		Postgres: Postgres{
			URL: os.Getenv("POSTGRES_URL"),
		},
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			LockTTL:      envDuration("BRIDGE_LOCK_TTL", 48*time.Hour),
		},
		Kafka: Kafka{
			Brokers: envList("KAFKA_BROKERS"),
			Topic:   envOr("KAFKA_AUDIT_TOPIC", "carbonbridge.status-events"),
		},
		Export: Export{
			ChunkSize: envInt("EXPORT_CHUNK_SIZE", 50),
		},
		Import: Import{
			Cap:             envInt("IMPORT_CAP", 5000),
			ReportConflicts: envBool("IMPORT_REPORT_CONFLICTS", false),
		},
		Sync: Sync{
			PollInterval:      envDuration("SYNC_POLL_INTERVAL", 5*time.Minute),
			ReconcileInterval: envDuration("SYNC_RECONCILE_INTERVAL", 15*time.Minute),
			ReconcileAfter:    envDuration("SYNC_RECONCILE_AFTER", 10*time.Minute),
			MaxStaleness:      envDuration("SYNC_MAX_STALENESS", 24*time.Hour),
		},
		Registries: registriesFromEnv(),
	}
}

// registriesFromEnv reads one config block per entry in REGISTRIES, e.g.
// REGISTRIES=verdant,atmos,heritage with VERDANT_PROTOCOL=rest and so on.
func registriesFromEnv() []Registry {
	var out []Registry
	for _, name := range envList("REGISTRIES") {
		prefix := strings.ToUpper(name) + "_"
		out = append(out, Registry{
			Name:          name,
			Protocol:      RegistryProtocol(envOr(prefix+"PROTOCOL", string(ProtocolREST))),
			BaseURL:       os.Getenv(prefix + "BASE_URL"),
			ClientID:      os.Getenv(prefix + "CLIENT_ID"),
			ClientSecret:  os.Getenv(prefix + "CLIENT_SECRET"),
			Endpoint:      os.Getenv(prefix + "ENDPOINT"),
			Username:      os.Getenv(prefix + "USERNAME"),
			Password:      os.Getenv(prefix + "PASSWORD"),
			WebhookSecret: os.Getenv(prefix + "WEBHOOK_SECRET"),
		})
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	return pstrings.DedupeAndTrim(strings.Split(raw, ","))
}
