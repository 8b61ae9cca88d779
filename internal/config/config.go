// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration (client-facing HTTP API)
	Host string `envconfig:"GRAIN_HOST" yaml:"host"`
	Port int    `envconfig:"GRAIN_PORT" yaml:"port"`

	// Node identity and leaf service
	Node NodeConfig `yaml:"node"`

	// Metastore collaborator
	Metastore MetastoreConfig `yaml:"metastore"`

	// Storage collaborator
	Storage StorageConfig `yaml:"storage"`

	// Split cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Cluster membership and affinity advertisement
	Cluster ClusterConfig `yaml:"cluster"`

	// Search configuration
	Search SearchConfig `yaml:"search"`

	// Retry configuration
	Retry RetryConfig `yaml:"retry"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig identifies this node and its leaf gRPC endpoint.
type NodeConfig struct {
	ID           string `envconfig:"GRAIN_NODE_ID" yaml:"id"`
	GRPCAddr     string `envconfig:"GRAIN_GRPC_ADDR" yaml:"grpc_addr"`
	AdvertiseURL string `envconfig:"GRAIN_ADVERTISE_URL" yaml:"advertise_url"`

	// MaxConcurrentSplits bounds in-flight split executions per leaf search.
	MaxConcurrentSplits int `envconfig:"GRAIN_MAX_CONCURRENT_SPLITS" yaml:"max_concurrent_splits"`
}

// MetastoreConfig holds metastore collaborator settings.
type MetastoreConfig struct {
	// Type selects the metastore implementation: "http" or "memory".
	Type    string        `envconfig:"GRAIN_METASTORE_TYPE" yaml:"type"`
	URL     string        `envconfig:"GRAIN_METASTORE_URL" yaml:"url"`
	Timeout time.Duration `envconfig:"GRAIN_METASTORE_TIMEOUT" yaml:"timeout"`
}

// StorageConfig holds split storage settings.
type StorageConfig struct {
	// Type selects the storage implementation: "s3" or "local".
	Type string `envconfig:"GRAIN_STORAGE_TYPE" yaml:"type"`

	// S3 settings.
	S3Bucket   string `envconfig:"GRAIN_S3_BUCKET" yaml:"s3_bucket"`
	S3Region   string `envconfig:"GRAIN_S3_REGION" yaml:"s3_region"`
	S3Endpoint string `envconfig:"GRAIN_S3_ENDPOINT" yaml:"s3_endpoint"`
	S3Prefix   string `envconfig:"GRAIN_S3_PREFIX" yaml:"s3_prefix"`

	// LocalDir is the split directory for local storage.
	LocalDir string `envconfig:"GRAIN_STORAGE_DIR" yaml:"local_dir"`
}

// CacheConfig holds split cache settings.
type CacheConfig struct {
	MaxBytes   int64 `envconfig:"GRAIN_CACHE_MAX_BYTES" yaml:"max_bytes"`
	MaxEntries int   `envconfig:"GRAIN_CACHE_MAX_ENTRIES" yaml:"max_entries"`
}

// ClusterConfig holds membership and affinity settings.
type ClusterConfig struct {
	// Type selects the membership implementation: "redis" or "static".
	Type     string `envconfig:"GRAIN_CLUSTER_TYPE" yaml:"type"`
	RedisURL string `envconfig:"GRAIN_REDIS_URL" yaml:"redis_url"`

	// StaticNodes lists "node-id=grpc-addr" pairs for static membership.
	StaticNodes []string `envconfig:"GRAIN_STATIC_NODES" yaml:"static_nodes"`

	// HeartbeatInterval is how often this node refreshes its liveness key.
	HeartbeatInterval time.Duration `envconfig:"GRAIN_HEARTBEAT_INTERVAL" yaml:"heartbeat_interval"`

	// HeartbeatTTL is how long a node stays live without a heartbeat.
	HeartbeatTTL time.Duration `envconfig:"GRAIN_HEARTBEAT_TTL" yaml:"heartbeat_ttl"`

	// AdvertiseInterval is how often cache contents are advertised.
	AdvertiseInterval time.Duration `envconfig:"GRAIN_ADVERTISE_INTERVAL" yaml:"advertise_interval"`
}

// SearchConfig holds query execution settings.
type SearchConfig struct {
	DefaultLimit int `envconfig:"GRAIN_DEFAULT_LIMIT" yaml:"default_limit"`
	MaxWindow    int `envconfig:"GRAIN_MAX_WINDOW" yaml:"max_window"`

	// DefaultTimeout applies when a request carries no deadline.
	DefaultTimeout time.Duration `envconfig:"GRAIN_SEARCH_TIMEOUT" yaml:"default_timeout"`

	// MaxFailedSplitRatio is the tolerated fraction of permanently failed
	// splits before the whole query fails.
	MaxFailedSplitRatio float64 `envconfig:"GRAIN_MAX_FAILED_SPLIT_RATIO" yaml:"max_failed_split_ratio"`

	// RateLimit caps client requests per second (0 disables).
	RateLimit int `envconfig:"GRAIN_RATE_LIMIT" yaml:"rate_limit"`
}

// RetryConfig holds job retry settings.
type RetryConfig struct {
	// MaxAttempts bounds executions per job, first attempt included.
	MaxAttempts int `envconfig:"GRAIN_RETRY_MAX_ATTEMPTS" yaml:"max_attempts"`

	// Backoff is the pause between retry rounds.
	Backoff time.Duration `envconfig:"GRAIN_RETRY_BACKOFF" yaml:"backoff"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"GRAIN_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"GRAIN_KAFKA_BROKERS" yaml:"kafka_brokers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"GRAIN_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"GRAIN_LOG_FORMAT" yaml:"format"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `envconfig:"GRAIN_METRICS_ENABLED" yaml:"enabled"`
	Path    string `envconfig:"GRAIN_METRICS_PATH" yaml:"path"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080

	cfg.Node = NodeConfig{
		GRPCAddr:            ":7280",
		MaxConcurrentSplits: 8,
	}

	cfg.Metastore = MetastoreConfig{
		Type:    "http",
		URL:     "http://localhost:7291",
		Timeout: 10 * time.Second,
	}

	cfg.Storage = StorageConfig{
		Type:     "local",
		S3Region: "us-east-1",
		LocalDir: "./splits",
	}

	cfg.Cache = CacheConfig{
		MaxBytes:   1 << 30, // 1 GiB
		MaxEntries: 256,
	}

	cfg.Cluster = ClusterConfig{
		Type:              "static",
		RedisURL:          "redis://localhost:6379",
		HeartbeatInterval: 2 * time.Second,
		HeartbeatTTL:      10 * time.Second,
		AdvertiseInterval: 5 * time.Second,
	}

	cfg.Search = SearchConfig{
		DefaultLimit:        20,
		MaxWindow:           10000,
		DefaultTimeout:      30 * time.Second,
		MaxFailedSplitRatio: 0.5,
	}

	cfg.Retry = RetryConfig{
		MaxAttempts: 3,
		Backoff:     250 * time.Millisecond,
	}

	cfg.Bus = BusConfig{
		Type: "memory",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Metrics = MetricsConfig{
		Enabled: true,
		Path:    "/metrics",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	validMetastore := map[string]bool{"http": true, "memory": true}
	if !validMetastore[c.Metastore.Type] {
		errs = append(errs, fmt.Sprintf("invalid metastore type: %s (must be http or memory)", c.Metastore.Type))
	}

	validStorage := map[string]bool{"s3": true, "local": true}
	if !validStorage[c.Storage.Type] {
		errs = append(errs, fmt.Sprintf("invalid storage type: %s (must be s3 or local)", c.Storage.Type))
	}
	if c.Storage.Type == "s3" && c.Storage.S3Bucket == "" {
		errs = append(errs, "s3 storage requires a bucket")
	}

	if c.Cache.MaxBytes < 1 {
		errs = append(errs, "cache max_bytes must be positive")
	}
	if c.Cache.MaxEntries < 1 {
		errs = append(errs, "cache max_entries must be positive")
	}

	validCluster := map[string]bool{"redis": true, "static": true}
	if !validCluster[c.Cluster.Type] {
		errs = append(errs, fmt.Sprintf("invalid cluster type: %s (must be redis or static)", c.Cluster.Type))
	}
	if c.Cluster.Type == "static" && len(c.Cluster.StaticNodes) == 0 {
		errs = append(errs, "static cluster requires at least one node")
	}
	if c.Cluster.HeartbeatTTL <= c.Cluster.HeartbeatInterval {
		errs = append(errs, "heartbeat_ttl must exceed heartbeat_interval")
	}

	if c.Search.DefaultLimit < 1 {
		errs = append(errs, "default_limit must be positive")
	}
	if c.Search.MaxWindow < c.Search.DefaultLimit {
		errs = append(errs, "max_window must be at least default_limit")
	}
	if c.Search.MaxFailedSplitRatio < 0 || c.Search.MaxFailedSplitRatio > 1 {
		errs = append(errs, "max_failed_split_ratio must be within [0, 1]")
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry max_attempts must be positive")
	}

	validBus := map[string]bool{"memory": true, "kafka": true, "none": true}
	if !validBus[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory, kafka, or none)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && c.Bus.KafkaBrokers == "" {
		errs = append(errs, "kafka bus requires brokers")
	}

	if c.Node.MaxConcurrentSplits < 1 {
		errs = append(errs, "max_concurrent_splits must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// KafkaBrokerList returns the configured Kafka brokers as a slice.
func (c *BusConfig) KafkaBrokerList() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}
