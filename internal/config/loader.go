package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP      TOMLHTTPConfig      `toml:"http"`
	MongoDB   TOMLMongoDBConfig   `toml:"mongodb"`
	Queue     TOMLQueueConfig     `toml:"queue"`
	Router    TOMLRouterConfig    `toml:"router"`
	Mediation TOMLMediationConfig `toml:"mediation"`
	Health    TOMLHealthConfig    `toml:"health"`
	Leader    TOMLLeaderConfig    `toml:"leader"`
	Secrets   TOMLSecretsConfig   `toml:"secrets"`
	DataDir   string              `toml:"data_dir"`
	DevMode   bool                `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type     string             `toml:"type"`
	NATS     TOMLNATSConfig     `toml:"nats"`
	SQS      TOMLSQSConfig      `toml:"sqs"`
	Embedded TOMLEmbeddedConfig `toml:"embedded"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL      string `toml:"url"`
	DataDir  string `toml:"data_dir"`
	Embedded bool   `toml:"embedded"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLEmbeddedConfig represents embedded queue configuration in TOML
type TOMLEmbeddedConfig struct {
	DBPath                   string `toml:"db_path"`
	VisibilityTimeoutSeconds int    `toml:"visibility_timeout_seconds"`
	SnapshotIntervalMillis   int    `toml:"snapshot_interval_ms"`
}

// TOMLRouterConfig represents processing-pool limits in TOML
type TOMLRouterConfig struct {
	MaxPools             int `toml:"max_pools"`
	PoolWarningThreshold int `toml:"pool_warning_threshold"`
	DefaultConnections   int `toml:"default_connections"`
}

// TOMLMediationConfig represents HTTP mediation settings in TOML
type TOMLMediationConfig struct {
	ConnectTimeoutMillis int `toml:"connect_timeout_ms"`
	RequestTimeoutMillis int `toml:"request_timeout_ms"`
	HeadersTimeoutMillis int `toml:"headers_timeout_ms"`
	Retries              int `toml:"retries"`
	RetryDelayMillis     int `toml:"retry_delay_ms"`
}

// TOMLHealthConfig represents broker-probe and queue-monitor settings in TOML
type TOMLHealthConfig struct {
	CheckIntervalMillis int   `toml:"check_interval_ms"`
	FailureThreshold    int   `toml:"failure_threshold"`
	BacklogThreshold    int64 `toml:"backlog_threshold"`
	GrowthThreshold     int64 `toml:"growth_threshold"`
	GrowthPeriods       int   `toml:"growth_periods"`
}

// TOMLLeaderConfig represents leader election configuration in TOML
type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
	RedisURL        string `toml:"redis_url"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML
type TOMLSecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	// AWS
	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	// Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/flowcatalyst/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			NATS: NATSConfig{
				URL:      tc.Queue.NATS.URL,
				DataDir:  tc.Queue.NATS.DataDir,
				Embedded: tc.Queue.NATS.Embedded,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
			Embedded: EmbeddedConfig{
				DBPath:            tc.Queue.Embedded.DBPath,
				VisibilityTimeout: time.Duration(tc.Queue.Embedded.VisibilityTimeoutSeconds) * time.Second,
				SnapshotInterval:  time.Duration(tc.Queue.Embedded.SnapshotIntervalMillis) * time.Millisecond,
			},
		},
		Router: RouterConfig{
			MaxPools:             tc.Router.MaxPools,
			PoolWarningThreshold: tc.Router.PoolWarningThreshold,
			DefaultConnections:   tc.Router.DefaultConnections,
		},
		Mediation: MediationConfig{
			ConnectTimeout: time.Duration(tc.Mediation.ConnectTimeoutMillis) * time.Millisecond,
			RequestTimeout: time.Duration(tc.Mediation.RequestTimeoutMillis) * time.Millisecond,
			HeadersTimeout: time.Duration(tc.Mediation.HeadersTimeoutMillis) * time.Millisecond,
			Retries:        tc.Mediation.Retries,
			RetryDelay:     time.Duration(tc.Mediation.RetryDelayMillis) * time.Millisecond,
		},
		Health: HealthConfig{
			CheckInterval:    time.Duration(tc.Health.CheckIntervalMillis) * time.Millisecond,
			FailureThreshold: tc.Health.FailureThreshold,
			BacklogThreshold: tc.Health.BacklogThreshold,
			GrowthThreshold:  tc.Health.GrowthThreshold,
			GrowthPeriods:    tc.Health.GrowthPeriods,
		},
		Leader: LeaderConfig{
			Enabled:    tc.Leader.Enabled,
			InstanceID: tc.Leader.InstanceID,
			RedisURL:   tc.Leader.RedisURL,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	// Parse durations
	if tc.Leader.TTL != "" {
		if d, err := time.ParseDuration(tc.Leader.TTL); err == nil {
			cfg.Leader.TTL = d
		}
	}
	if tc.Leader.RefreshInterval != "" {
		if d, err := time.ParseDuration(tc.Leader.RefreshInterval); err == nil {
			cfg.Leader.RefreshInterval = d
		}
	}

	return cfg, nil
}

// mergeConfigs merges two configs, with override taking precedence for non-zero values
func mergeConfigs(base, override *Config) *Config {
	result := *base

	// HTTP
	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	// MongoDB
	if override.MongoDB.URI != "" && override.MongoDB.URI != "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true" {
		result.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != "" && override.MongoDB.Database != "flowcatalyst" {
		result.MongoDB.Database = override.MongoDB.Database
	}

	// Queue
	if override.Queue.Type != "" && override.Queue.Type != "embedded" {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.NATS.URL != "" {
		result.Queue.NATS.URL = override.Queue.NATS.URL
	}
	if override.Queue.NATS.DataDir != "" {
		result.Queue.NATS.DataDir = override.Queue.NATS.DataDir
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}
	if override.Queue.SQS.Region != "" {
		result.Queue.SQS.Region = override.Queue.SQS.Region
	}
	if override.Queue.Embedded.DBPath != "" {
		result.Queue.Embedded.DBPath = override.Queue.Embedded.DBPath
	}

	// Router / mediation / health: env defaults are authoritative when the
	// file left the section out (all-zero values)
	if result.Router.MaxPools == 0 {
		result.Router = override.Router
	}
	if result.Mediation.Retries == 0 && result.Mediation.RequestTimeout == 0 {
		result.Mediation = override.Mediation
	}
	if result.Health.CheckInterval == 0 {
		result.Health = override.Health
	}

	// Leader
	if override.Leader.Enabled {
		result.Leader.Enabled = true
	}
	if override.Leader.InstanceID != "" {
		result.Leader.InstanceID = override.Leader.InstanceID
	}

	// General
	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst Configuration
# Environment variables override these settings

data_dir = "./data"
dev_mode = false

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "flowcatalyst"

[queue]
type = "embedded"  # embedded, nats, or sqs

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"
embedded = false

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[queue.embedded]
db_path = ""
visibility_timeout_seconds = 30
snapshot_interval_ms = 10000

[router]
max_pools = 2000
pool_warning_threshold = 1000
default_connections = 1

[mediation]
connect_timeout_ms = 5000
request_timeout_ms = 900000
headers_timeout_ms = 30000
retries = 3
retry_delay_ms = 1000

[health]
check_interval_ms = 60000
failure_threshold = 3
backlog_threshold = 1000
growth_threshold = 100
growth_periods = 3

[leader]
enabled = false
instance_id = ""
ttl = "30s"
refresh_interval = "10s"
redis_url = "redis://localhost:6379"

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault

# Encrypted provider
encryption_key = ""
data_dir = "./data/secrets"

# AWS Secrets Manager
aws_region = ""
aws_prefix = "/flowcatalyst/"
aws_endpoint = ""

# HashiCorp Vault
vault_addr = ""
vault_path = "secret/data/flowcatalyst"
vault_namespace = ""
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
