package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"store-type":  "store.type",
	"event-loops": "store.event_loops",
	"selector":    "store.selector",
	"contexts":    "runtime.contexts",
	"log-level":   "observability.log_level",
	"log-format":  "observability.log_format",
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "KVBRIDGE")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags binds the known flags of flags so that flags the user set take
// precedence over every other source.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load(false)
	return cfg, err
}

func (l *ViperLoader) load(withSecrets bool) (*Config, *Config, error) {
	v := viper.New()

	// Start with defaults
	l.setDefaults(v, DefaultConfig())

	// Read config file if provided
	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var secrets *Config
	if withSecrets {
		var err error
		if secrets, err = l.mergeSecrets(v); err != nil {
			return nil, nil, err
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, secrets, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Runtime
	v.BindEnv("runtime.contexts", l.prefixedEnv("RUNTIME_CONTEXTS"), l.prefixedEnv("CONTEXTS"))

	// Store
	v.BindEnv("store.type", l.prefixedEnv("STORE_TYPE"))
	v.BindEnv("store.event_loops", l.prefixedEnv("STORE_EVENT_LOOPS"))
	v.BindEnv("store.selector", l.prefixedEnv("STORE_SELECTOR"))

	// Redis
	v.BindEnv("store.redis.url", l.prefixedEnv("REDIS_URL"), l.prefixedEnv("STORE_REDIS_URL"))
	v.BindEnv("store.redis.max_conns", l.prefixedEnv("REDIS_MAX_CONNS"), l.prefixedEnv("STORE_REDIS_MAX_CONNS"))
	v.BindEnv("store.redis.operation_timeout", l.prefixedEnv("REDIS_OPERATION_TIMEOUT"), l.prefixedEnv("STORE_REDIS_OPERATION_TIMEOUT"))

	// DynamoDB falls back to the standard AWS variables.
	v.BindEnv("store.dynamodb.region", l.prefixedEnv("DYNAMODB_REGION"), "AWS_REGION")
	v.BindEnv("store.dynamodb.endpoint", l.prefixedEnv("DYNAMODB_ENDPOINT"))
	v.BindEnv("store.dynamodb.access_key_id", l.prefixedEnv("DYNAMODB_ACCESS_KEY_ID"), "AWS_ACCESS_KEY_ID")
	v.BindEnv("store.dynamodb.secret_access_key", l.prefixedEnv("DYNAMODB_SECRET_ACCESS_KEY"), "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("store.dynamodb.session_token", l.prefixedEnv("DYNAMODB_SESSION_TOKEN"), "AWS_SESSION_TOKEN")
	v.BindEnv("store.dynamodb.table_prefix", l.prefixedEnv("DYNAMODB_TABLE_PREFIX"))
	v.BindEnv("store.dynamodb.namespaces", l.prefixedEnv("DYNAMODB_NAMESPACES"))
	v.BindEnv("store.dynamodb.create_tables", l.prefixedEnv("DYNAMODB_CREATE_TABLES"))
	v.BindEnv("store.dynamodb.operation_timeout", l.prefixedEnv("DYNAMODB_OPERATION_TIMEOUT"))

	// PostgreSQL
	v.BindEnv("store.postgres.url", l.prefixedEnv("POSTGRES_URL"), l.prefixedEnv("DATABASE_URL"))
	v.BindEnv("store.postgres.max_open_conns", l.prefixedEnv("POSTGRES_MAX_OPEN_CONNS"))
	v.BindEnv("store.postgres.max_idle_conns", l.prefixedEnv("POSTGRES_MAX_IDLE_CONNS"))
	v.BindEnv("store.postgres.conn_max_lifetime", l.prefixedEnv("POSTGRES_CONN_MAX_LIFETIME"))
	v.BindEnv("store.postgres.query_timeout", l.prefixedEnv("POSTGRES_QUERY_TIMEOUT"))
	v.BindEnv("store.postgres.table_prefix", l.prefixedEnv("POSTGRES_TABLE_PREFIX"))
	v.BindEnv("store.postgres.create_schema", l.prefixedEnv("POSTGRES_CREATE_SCHEMA"))

	// MySQL
	v.BindEnv("store.mysql.url", l.prefixedEnv("MYSQL_URL"), l.prefixedEnv("MYSQL_DSN"))
	v.BindEnv("store.mysql.max_open_conns", l.prefixedEnv("MYSQL_MAX_OPEN_CONNS"))
	v.BindEnv("store.mysql.max_idle_conns", l.prefixedEnv("MYSQL_MAX_IDLE_CONNS"))
	v.BindEnv("store.mysql.conn_max_lifetime", l.prefixedEnv("MYSQL_CONN_MAX_LIFETIME"))
	v.BindEnv("store.mysql.query_timeout", l.prefixedEnv("MYSQL_QUERY_TIMEOUT"))
	v.BindEnv("store.mysql.table_prefix", l.prefixedEnv("MYSQL_TABLE_PREFIX"))
	v.BindEnv("store.mysql.create_schema", l.prefixedEnv("MYSQL_CREATE_SCHEMA"))

	// MongoDB
	v.BindEnv("store.mongodb.url", l.prefixedEnv("MONGODB_URL"), l.prefixedEnv("MONGO_URL"))
	v.BindEnv("store.mongodb.database", l.prefixedEnv("MONGODB_DATABASE"))
	v.BindEnv("store.mongodb.connect_timeout", l.prefixedEnv("MONGODB_CONNECT_TIMEOUT"))
	v.BindEnv("store.mongodb.operation_timeout", l.prefixedEnv("MONGODB_OPERATION_TIMEOUT"))

	// S3 falls back to the standard AWS variables.
	v.BindEnv("store.s3.bucket", l.prefixedEnv("S3_BUCKET"))
	v.BindEnv("store.s3.prefix", l.prefixedEnv("S3_PREFIX"))
	v.BindEnv("store.s3.region", l.prefixedEnv("S3_REGION"), "AWS_REGION")
	v.BindEnv("store.s3.endpoint", l.prefixedEnv("S3_ENDPOINT"))
	v.BindEnv("store.s3.access_key_id", l.prefixedEnv("S3_ACCESS_KEY_ID"), "AWS_ACCESS_KEY_ID")
	v.BindEnv("store.s3.secret_access_key", l.prefixedEnv("S3_SECRET_ACCESS_KEY"), "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("store.s3.session_token", l.prefixedEnv("S3_SESSION_TOKEN"), "AWS_SESSION_TOKEN")
	v.BindEnv("store.s3.use_path_style", l.prefixedEnv("S3_USE_PATH_STYLE"))
	v.BindEnv("store.s3.operation_timeout", l.prefixedEnv("S3_OPERATION_TIMEOUT"))

	v.BindEnv("store.circuit_breaker.enabled", l.prefixedEnv("CIRCUIT_BREAKER_ENABLED"))
	v.BindEnv("store.circuit_breaker.max_failures", l.prefixedEnv("CIRCUIT_BREAKER_MAX_FAILURES"))
	v.BindEnv("store.circuit_breaker.cooldown", l.prefixedEnv("CIRCUIT_BREAKER_COOLDOWN"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"), l.prefixedEnv("OBSERVABILITY_LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"), l.prefixedEnv("OBSERVABILITY_LOG_FORMAT"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.async_logging.enabled", l.prefixedEnv("ASYNC_LOGGING_ENABLED"))
	v.BindEnv("observability.async_logging.queue_size", l.prefixedEnv("ASYNC_LOGGING_QUEUE_SIZE"))
	v.BindEnv("observability.async_logging.drop_when_full", l.prefixedEnv("ASYNC_LOGGING_DROP_WHEN_FULL"))
	v.BindEnv("observability.metrics.enabled", l.prefixedEnv("METRICS_ENABLED"))
	v.BindEnv("observability.metrics.address", l.prefixedEnv("METRICS_ADDRESS"))
	v.BindEnv("observability.metrics.path", l.prefixedEnv("METRICS_PATH"))
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "KVBRIDGE"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("runtime.contexts", cfg.Runtime.Contexts)

	v.SetDefault("store.type", cfg.Store.Type)
	v.SetDefault("store.event_loops", cfg.Store.EventLoops)
	v.SetDefault("store.selector", cfg.Store.Selector)
	v.SetDefault("store.redis.url", cfg.Store.Redis.URL)
	v.SetDefault("store.redis.max_conns", cfg.Store.Redis.MaxConns)
	v.SetDefault("store.redis.operation_timeout", cfg.Store.Redis.OperationTimeout)
	v.SetDefault("store.dynamodb.region", cfg.Store.DynamoDB.Region)
	v.SetDefault("store.dynamodb.endpoint", cfg.Store.DynamoDB.Endpoint)
	v.SetDefault("store.dynamodb.access_key_id", cfg.Store.DynamoDB.AccessKeyID)
	v.SetDefault("store.dynamodb.secret_access_key", cfg.Store.DynamoDB.SecretAccessKey)
	v.SetDefault("store.dynamodb.session_token", cfg.Store.DynamoDB.SessionToken)
	v.SetDefault("store.dynamodb.table_prefix", cfg.Store.DynamoDB.TablePrefix)
	v.SetDefault("store.dynamodb.namespaces", cfg.Store.DynamoDB.Namespaces)
	v.SetDefault("store.dynamodb.create_tables", cfg.Store.DynamoDB.CreateTables)
	v.SetDefault("store.dynamodb.operation_timeout", cfg.Store.DynamoDB.OperationTimeout)
	v.SetDefault("store.postgres.url", cfg.Store.Postgres.URL)
	v.SetDefault("store.postgres.max_open_conns", cfg.Store.Postgres.MaxOpenConns)
	v.SetDefault("store.postgres.max_idle_conns", cfg.Store.Postgres.MaxIdleConns)
	v.SetDefault("store.postgres.conn_max_lifetime", cfg.Store.Postgres.ConnMaxLifetime)
	v.SetDefault("store.postgres.query_timeout", cfg.Store.Postgres.QueryTimeout)
	v.SetDefault("store.postgres.table_prefix", cfg.Store.Postgres.TablePrefix)
	v.SetDefault("store.postgres.create_schema", cfg.Store.Postgres.CreateSchema)
	v.SetDefault("store.mysql.url", cfg.Store.MySQL.URL)
	v.SetDefault("store.mysql.max_open_conns", cfg.Store.MySQL.MaxOpenConns)
	v.SetDefault("store.mysql.max_idle_conns", cfg.Store.MySQL.MaxIdleConns)
	v.SetDefault("store.mysql.conn_max_lifetime", cfg.Store.MySQL.ConnMaxLifetime)
	v.SetDefault("store.mysql.query_timeout", cfg.Store.MySQL.QueryTimeout)
	v.SetDefault("store.mysql.table_prefix", cfg.Store.MySQL.TablePrefix)
	v.SetDefault("store.mysql.create_schema", cfg.Store.MySQL.CreateSchema)
	v.SetDefault("store.mongodb.url", cfg.Store.MongoDB.URL)
	v.SetDefault("store.mongodb.database", cfg.Store.MongoDB.Database)
	v.SetDefault("store.mongodb.connect_timeout", cfg.Store.MongoDB.ConnectTimeout)
	v.SetDefault("store.mongodb.operation_timeout", cfg.Store.MongoDB.OperationTimeout)
	v.SetDefault("store.s3.bucket", cfg.Store.S3.Bucket)
	v.SetDefault("store.s3.prefix", cfg.Store.S3.Prefix)
	v.SetDefault("store.s3.region", cfg.Store.S3.Region)
	v.SetDefault("store.s3.endpoint", cfg.Store.S3.Endpoint)
	v.SetDefault("store.s3.access_key_id", cfg.Store.S3.AccessKeyID)
	v.SetDefault("store.s3.secret_access_key", cfg.Store.S3.SecretAccessKey)
	v.SetDefault("store.s3.session_token", cfg.Store.S3.SessionToken)
	v.SetDefault("store.s3.use_path_style", cfg.Store.S3.UsePathStyle)
	v.SetDefault("store.s3.operation_timeout", cfg.Store.S3.OperationTimeout)
	v.SetDefault("store.circuit_breaker.enabled", cfg.Store.CircuitBreaker.Enabled)
	v.SetDefault("store.circuit_breaker.max_failures", cfg.Store.CircuitBreaker.MaxFailures)
	v.SetDefault("store.circuit_breaker.cooldown", cfg.Store.CircuitBreaker.Cooldown)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.async_logging.enabled", cfg.Observability.AsyncLogging.Enabled)
	v.SetDefault("observability.async_logging.queue_size", cfg.Observability.AsyncLogging.QueueSize)
	v.SetDefault("observability.async_logging.drop_when_full", cfg.Observability.AsyncLogging.DropWhenFull)
	v.SetDefault("observability.metrics.enabled", cfg.Observability.Metrics.Enabled)
	v.SetDefault("observability.metrics.address", cfg.Observability.Metrics.Address)
	v.SetDefault("observability.metrics.path", cfg.Observability.Metrics.Path)
}

// Validate validates the configuration and returns detailed errors
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	cfg.Store.Selector = strings.ToLower(strings.TrimSpace(cfg.Store.Selector))
	cfg.Store.DynamoDB.Namespaces = normalizeStringSlice(cfg.Store.DynamoDB.Namespaces)

	if strings.TrimSpace(cfg.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}

	if cfg.Runtime.Contexts < 1 {
		errs = append(errs, fmt.Errorf("runtime.contexts must be at least 1, got %d", cfg.Runtime.Contexts))
	}

	validStoreTypes := []string{StoreTypeMemory, StoreTypeRedis, StoreTypeDynamoDB, StoreTypePostgres, StoreTypeMySQL, StoreTypeMongoDB, StoreTypeS3}
	if !contains(validStoreTypes, cfg.Store.Type) {
		errs = append(errs, fmt.Errorf("invalid store.type: %s (must be one of: %v)", cfg.Store.Type, validStoreTypes))
	}
	if cfg.Store.EventLoops < 1 {
		errs = append(errs, fmt.Errorf("store.event_loops must be at least 1, got %d", cfg.Store.EventLoops))
	}
	validSelectors := []string{SelectorNative, SelectorNext, SelectorContext}
	if !contains(validSelectors, cfg.Store.Selector) {
		errs = append(errs, fmt.Errorf("invalid store.selector: %s (must be one of: %v)", cfg.Store.Selector, validSelectors))
	}

	switch cfg.Store.Type {
	case StoreTypeRedis:
		if strings.TrimSpace(cfg.Store.Redis.URL) == "" {
			errs = append(errs, errors.New("store.redis.url is required when store.type is redis"))
		}
		if cfg.Store.Redis.MaxConns < 0 {
			errs = append(errs, errors.New("store.redis.max_conns must be >= 0"))
		}
		if cfg.Store.Redis.OperationTimeout < 0 {
			errs = append(errs, errors.New("store.redis.operation_timeout must be >= 0"))
		}
	case StoreTypeDynamoDB:
		if strings.TrimSpace(cfg.Store.DynamoDB.Region) == "" {
			errs = append(errs, errors.New("store.dynamodb.region is required when store.type is dynamodb"))
		}
		if (cfg.Store.DynamoDB.AccessKeyID == "") != (cfg.Store.DynamoDB.SecretAccessKey == "") {
			errs = append(errs, errors.New("store.dynamodb.access_key_id and store.dynamodb.secret_access_key must be set together"))
		}
		if cfg.Store.DynamoDB.CreateTables && len(cfg.Store.DynamoDB.Namespaces) == 0 {
			errs = append(errs, errors.New("store.dynamodb.namespaces is required when store.dynamodb.create_tables is true"))
		}
		if cfg.Store.DynamoDB.OperationTimeout < 0 {
			errs = append(errs, errors.New("store.dynamodb.operation_timeout must be >= 0"))
		}
	case StoreTypePostgres:
		errs = append(errs, validateSQLStore("postgres", cfg.Store.Postgres)...)
	case StoreTypeMySQL:
		errs = append(errs, validateSQLStore("mysql", cfg.Store.MySQL)...)
	case StoreTypeS3:
		s3 := cfg.Store.S3
		if strings.TrimSpace(s3.Bucket) == "" {
			errs = append(errs, errors.New("store.s3.bucket is required when store.type is s3"))
		}
		if strings.TrimSpace(s3.Region) == "" {
			errs = append(errs, errors.New("store.s3.region is required when store.type is s3"))
		}
		if s3.Prefix != "" && !strings.HasSuffix(s3.Prefix, "/") {
			errs = append(errs, errors.New("store.s3.prefix must end with /"))
		}
		if (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
			errs = append(errs, errors.New("store.s3.access_key_id and store.s3.secret_access_key must be set together"))
		}
	case StoreTypeMongoDB:
		if strings.TrimSpace(cfg.Store.MongoDB.URL) == "" {
			errs = append(errs, errors.New("store.mongodb.url is required when store.type is mongodb"))
		}
		if strings.TrimSpace(cfg.Store.MongoDB.Database) == "" {
			errs = append(errs, errors.New("store.mongodb.database is required when store.type is mongodb"))
		}
		if cfg.Store.MongoDB.OperationTimeout < 0 {
			errs = append(errs, errors.New("store.mongodb.operation_timeout must be >= 0"))
		}
	}

	if cb := cfg.Store.CircuitBreaker; cb.Enabled {
		if cb.MaxFailures < 1 {
			errs = append(errs, fmt.Errorf("store.circuit_breaker.max_failures must be at least 1, got %d", cb.MaxFailures))
		}
		if cb.Cooldown <= 0 {
			errs = append(errs, errors.New("store.circuit_breaker.cooldown must be positive"))
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(cfg.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, strings.ToLower(cfg.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validLogFormats))
	}
	if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing_sample_rate must be between 0 and 1, got %v", cfg.Observability.TracingSampleRate))
	}
	if cfg.Observability.TracingEnabled && strings.TrimSpace(cfg.Observability.TracingEndpoint) == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if cfg.Observability.AsyncLogging.Enabled {
		if cfg.Observability.AsyncLogging.QueueSize < 1 {
			errs = append(errs, errors.New("observability.async_logging.queue_size must be at least 1"))
		}
	}
	if cfg.Observability.Metrics.Enabled {
		if strings.TrimSpace(cfg.Observability.Metrics.Address) == "" {
			errs = append(errs, errors.New("observability.metrics.address is required when metrics are enabled"))
		}
		if !strings.HasPrefix(cfg.Observability.Metrics.Path, "/") {
			errs = append(errs, fmt.Errorf("observability.metrics.path must start with /, got %q", cfg.Observability.Metrics.Path))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// contains checks if a string slice contains a specific string
func validateSQLStore(name string, c StoreSQLConfig) []error {
	var errs []error
	if strings.TrimSpace(c.URL) == "" {
		errs = append(errs, fmt.Errorf("store.%s.url is required when store.type is %s", name, name))
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		errs = append(errs, fmt.Errorf("store.%s.max_open_conns and max_idle_conns must be >= 0", name))
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		errs = append(errs, fmt.Errorf("store.%s.max_idle_conns (%d) cannot exceed max_open_conns (%d)", name, c.MaxIdleConns, c.MaxOpenConns))
	}
	if c.QueryTimeout < 0 {
		errs = append(errs, fmt.Errorf("store.%s.query_timeout must be >= 0", name))
	}
	return errs
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// normalizeStringSlice removes empty strings and trims whitespace
func normalizeStringSlice(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
