package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for FlowCatalyst
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// MongoDB configuration
	MongoDB MongoDBConfig

	// Queue configuration (embedded, NATS or SQS)
	Queue QueueConfig

	// Router holds processing-pool limits for the message router
	Router RouterConfig

	// Mediation holds HTTP mediation timeouts and retry settings
	Mediation MediationConfig

	// Health holds broker-probe and queue backlog/growth monitor settings
	Health HealthConfig

	// Leader election configuration
	Leader LeaderConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs"

	NATS     NATSConfig
	SQS      SQSConfig
	Embedded EmbeddedConfig
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string

	// Embedded runs an in-process JetStream server instead of connecting
	// to an external one
	Embedded bool
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// EmbeddedConfig holds embedded queue engine configuration
type EmbeddedConfig struct {
	// DBPath is the sqlite file path; empty selects <DataDir>/queue.db
	DBPath string

	// VisibilityTimeout is how long a dequeued row stays invisible
	VisibilityTimeout time.Duration

	// SnapshotInterval is passed to the embedded store, which does not read it
	SnapshotInterval time.Duration
}

// RouterConfig holds processing-pool limits
type RouterConfig struct {
	// MaxPools is the hard upper bound on concurrently tracked pools
	MaxPools int

	// PoolWarningThreshold is the pool count above which a warning is raised
	PoolWarningThreshold int

	// DefaultConnections is the concurrency used for pools with no explicit config
	DefaultConnections int
}

// MediationConfig holds HTTP mediation settings
type MediationConfig struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	HeadersTimeout time.Duration
	Retries        int
	RetryDelay     time.Duration
}

// HealthConfig holds broker-probe and queue-monitor settings
type HealthConfig struct {
	// CheckInterval is the broker liveness probe period
	CheckInterval time.Duration

	// FailureThreshold is the consecutive probe failures before a warning
	FailureThreshold int

	// BacklogThreshold is the queue depth above which QUEUE_BACKLOG fires
	BacklogThreshold int64

	// GrowthThreshold is the per-period depth growth that counts as growing
	GrowthThreshold int64

	// GrowthPeriods is the consecutive growing periods before QUEUE_GROWING fires
	GrowthPeriods int
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled controls whether leader election is active
	Enabled bool

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration

	// RedisURL is the Redis connection URL backing the distributed lock
	RedisURL string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "flowcatalyst"),
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			NATS: NATSConfig{
				URL:      getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir:  getEnv("NATS_DATA_DIR", "./data/nats"),
				Embedded: getEnvBool("NATS_EMBEDDED", false),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
			Embedded: EmbeddedConfig{
				DBPath:            getEnv("EMBEDDED_DB_PATH", ""),
				VisibilityTimeout: time.Duration(getEnvInt("EMBEDDED_VISIBILITY_TIMEOUT_SECONDS", 30)) * time.Second,
				SnapshotInterval:  getEnvMillis("EMBEDDED_SNAPSHOT_INTERVAL_MS", 10000),
			},
		},

		Router: RouterConfig{
			MaxPools:             getEnvInt("MAX_POOLS", 2000),
			PoolWarningThreshold: getEnvInt("POOL_WARNING_THRESHOLD", 1000),
			DefaultConnections:   getEnvInt("DEFAULT_CONNECTIONS", 1),
		},

		Mediation: MediationConfig{
			ConnectTimeout: getEnvMillis("MEDIATION_CONNECT_TIMEOUT_MS", 5000),
			RequestTimeout: getEnvMillis("MEDIATION_REQUEST_TIMEOUT_MS", 900000),
			HeadersTimeout: getEnvMillis("MEDIATION_HEADERS_TIMEOUT_MS", 30000),
			Retries:        getEnvInt("MEDIATION_RETRIES", 3),
			RetryDelay:     getEnvMillis("MEDIATION_RETRY_DELAY_MS", 1000),
		},

		Health: HealthConfig{
			CheckInterval:    getEnvMillis("HEALTH_CHECK_INTERVAL_MS", 60000),
			FailureThreshold: getEnvInt("HEALTH_CHECK_FAILURE_THRESHOLD", 3),
			BacklogThreshold: int64(getEnvInt("QUEUE_HEALTH_BACKLOG_THRESHOLD", 1000)),
			GrowthThreshold:  int64(getEnvInt("QUEUE_HEALTH_GROWTH_THRESHOLD", 100)),
			GrowthPeriods:    getEnvInt("QUEUE_HEALTH_GROWTH_PERIODS", 3),
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			InstanceID:      getEnv("HOSTNAME", ""),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
			RedisURL:        getEnv("LEADER_REDIS_URL", getEnv("REDIS_URL", "redis://localhost:6379")),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("FLOWCATALYST_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvMillis reads an integer number of milliseconds.
func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
