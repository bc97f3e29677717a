package config

import "time"

// Store type constants
const (
	// StoreTypeMemory is the in-process store
	StoreTypeMemory = "memory"
	// StoreTypeRedis stores records as Redis hashes
	StoreTypeRedis = "redis"
	// StoreTypeDynamoDB stores records in DynamoDB tables
	StoreTypeDynamoDB = "dynamodb"
	// StoreTypePostgres stores records as PostgreSQL rows
	StoreTypePostgres = "postgres"
	// StoreTypeMySQL stores records as MySQL rows
	StoreTypeMySQL = "mysql"
	// StoreTypeS3 stores records as objects in an S3 bucket
	StoreTypeS3 = "s3"
	// StoreTypeMongoDB stores records as MongoDB documents
	StoreTypeMongoDB = "mongodb"
)

// Event loop selector constants
const (
	// SelectorNative lets the native client pick a loop
	SelectorNative = "native"
	// SelectorNext picks store loops round-robin
	SelectorNext = "next"
	// SelectorContext reuses the loop backing the calling context when it
	// belongs to the store group
	SelectorContext = "context"
)

// Config is the root configuration of kvbridge
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Runtime       RuntimeConfig       `mapstructure:"runtime" yaml:"runtime"`
	Store         StoreConfig         `mapstructure:"store" yaml:"store"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig identifies the process in logs, traces and metrics
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// RuntimeConfig sizes the caller-side execution contexts
type RuntimeConfig struct {
	// Contexts is the number of caller contexts the CLI creates.
	Contexts int `mapstructure:"contexts" yaml:"contexts"`
}

// StoreConfig selects and configures the native store
type StoreConfig struct {
	Type       string              `mapstructure:"type" yaml:"type"` // memory, redis, dynamodb, postgres, mysql, mongodb, s3
	EventLoops int                 `mapstructure:"event_loops" yaml:"event_loops"`
	Selector   string              `mapstructure:"selector" yaml:"selector"` // native, next, context
	Redis      StoreRedisConfig    `mapstructure:"redis" yaml:"redis"`
	DynamoDB   StoreDynamoDBConfig `mapstructure:"dynamodb" yaml:"dynamodb"`
	Postgres   StoreSQLConfig      `mapstructure:"postgres" yaml:"postgres"`
	MySQL      StoreSQLConfig      `mapstructure:"mysql" yaml:"mysql"`
	MongoDB    StoreMongoDBConfig  `mapstructure:"mongodb" yaml:"mongodb"`
	S3         StoreS3Config       `mapstructure:"s3" yaml:"s3"`
	// CircuitBreaker guards the network backends; the memory store ignores it.
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures fail-fast behavior after consecutive
// server failures
type CircuitBreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
	Cooldown    time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// StoreRedisConfig configures the Redis backend
type StoreRedisConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	MaxConns         int           `mapstructure:"max_conns" yaml:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// StoreDynamoDBConfig configures the DynamoDB backend
type StoreDynamoDBConfig struct {
	Region           string        `mapstructure:"region" yaml:"region"`
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token" yaml:"session_token"`
	TablePrefix      string        `mapstructure:"table_prefix" yaml:"table_prefix"`
	Namespaces       []string      `mapstructure:"namespaces" yaml:"namespaces"`
	CreateTables     bool          `mapstructure:"create_tables" yaml:"create_tables"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// StoreSQLConfig configures the PostgreSQL and MySQL backends
type StoreSQLConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	TablePrefix     string        `mapstructure:"table_prefix" yaml:"table_prefix"`
	CreateSchema    bool          `mapstructure:"create_schema" yaml:"create_schema"`
}

// StoreMongoDBConfig configures the MongoDB backend
type StoreMongoDBConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	Database         string        `mapstructure:"database" yaml:"database"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// StoreS3Config configures the S3 backend
type StoreS3Config struct {
	Bucket           string        `mapstructure:"bucket" yaml:"bucket"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	Region           string        `mapstructure:"region" yaml:"region"`
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token" yaml:"session_token"`
	UsePathStyle     bool          `mapstructure:"use_path_style" yaml:"use_path_style"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel          string             `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string             `mapstructure:"log_format" yaml:"log_format"` // json, text
	TracingEnabled    bool               `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingSampleRate float64            `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
	TracingEndpoint   string             `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	AsyncLogging      AsyncLoggingConfig `mapstructure:"async_logging" yaml:"async_logging"`
	Metrics           MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// AsyncLoggingConfig configures optional asynchronous logger dispatching.
type AsyncLoggingConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	QueueSize    int  `mapstructure:"queue_size" yaml:"queue_size"`
	DropWhenFull bool `mapstructure:"drop_when_full" yaml:"drop_when_full"`
}

// MetricsConfig configures the Prometheus endpoint served by long-running
// commands such as bench.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "kvbridge",
			Environment: "development",
		},
		Runtime: RuntimeConfig{
			Contexts: 4,
		},
		Store: StoreConfig{
			Type:       StoreTypeMemory,
			EventLoops: 2,
			Selector:   SelectorNext,
			Redis: StoreRedisConfig{
				URL:              "redis://localhost:6379/0",
				MaxConns:         10,
				OperationTimeout: 5 * time.Second,
			},
			DynamoDB: StoreDynamoDBConfig{
				TablePrefix:      "kvbridge_",
				OperationTimeout: 5 * time.Second,
			},
			Postgres: StoreSQLConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				QueryTimeout:    5 * time.Second,
				TablePrefix:     "kvbridge_",
				CreateSchema:    true,
			},
			MySQL: StoreSQLConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				QueryTimeout:    5 * time.Second,
				TablePrefix:     "kvbridge_",
				CreateSchema:    true,
			},
			MongoDB: StoreMongoDBConfig{
				Database:         "kvbridge",
				ConnectTimeout:   10 * time.Second,
				OperationTimeout: 5 * time.Second,
			},
			S3: StoreS3Config{
				Prefix:           "kvbridge/",
				OperationTimeout: 10 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Cooldown:    10 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingEnabled:    false,
			TracingSampleRate: 0.1,
			TracingEndpoint:   "localhost:4317",
			AsyncLogging: AsyncLoggingConfig{
				Enabled:      false,
				QueueSize:    1024,
				DropWhenFull: false,
			},
			Metrics: MetricsConfig{
				Enabled: false,
				Address: ":9090",
				Path:    "/metrics",
			},
		},
	}
}
