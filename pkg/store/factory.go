package store

import (
	"fmt"
	"strings"

	"github.com/nimburion/kvbridge/pkg/config"
	"github.com/nimburion/kvbridge/pkg/loop"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/resilience"
	"github.com/nimburion/kvbridge/pkg/store/dynamodb"
	"github.com/nimburion/kvbridge/pkg/store/memory"
	"github.com/nimburion/kvbridge/pkg/store/mongodb"
	"github.com/nimburion/kvbridge/pkg/store/mysql"
	"github.com/nimburion/kvbridge/pkg/store/native"
	"github.com/nimburion/kvbridge/pkg/store/postgres"
	"github.com/nimburion/kvbridge/pkg/store/redis"
	"github.com/nimburion/kvbridge/pkg/store/s3"
)

var _ Adapter = (*native.Client)(nil)

// NewAsyncClient selects the native backend by cfg.Type and wires it into a
// callback-based client whose listeners run on the loops of group.
// The memory backend runs commands directly on those loops; network
// backends perform I/O off-loop and hand completions back to them.
func NewAsyncClient(cfg config.StoreConfig, group *loop.Group, log logger.Logger, opts ...native.Option) (*native.Client, error) {
	if group == nil {
		return nil, fmt.Errorf("store event loop group is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	opts = append([]native.Option{native.WithLogger(log)}, opts...)

	storeType := strings.ToLower(strings.TrimSpace(cfg.Type))
	var backend native.Backend
	switch storeType {
	case config.StoreTypeMemory, "":
		return memory.NewClient(group, opts...)
	case config.StoreTypeRedis:
		b, err := redis.NewBackend(redis.Config{
			URL:              cfg.Redis.URL,
			MaxConns:         cfg.Redis.MaxConns,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.StoreTypeDynamoDB:
		b, err := dynamodb.NewBackend(dynamodb.Config{
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			AccessKeyID:      cfg.DynamoDB.AccessKeyID,
			SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
			SessionToken:     cfg.DynamoDB.SessionToken,
			OperationTimeout: cfg.DynamoDB.OperationTimeout,
			TablePrefix:      cfg.DynamoDB.TablePrefix,
			Namespaces:       cfg.DynamoDB.Namespaces,
			CreateTables:     cfg.DynamoDB.CreateTables,
		}, log)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.StoreTypePostgres:
		b, err := postgres.NewBackend(postgres.Config{
			URL:             cfg.Postgres.URL,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			QueryTimeout:    cfg.Postgres.QueryTimeout,
			TablePrefix:     cfg.Postgres.TablePrefix,
			CreateSchema:    cfg.Postgres.CreateSchema,
		}, log)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.StoreTypeMySQL:
		b, err := mysql.NewBackend(mysql.Config{
			URL:             cfg.MySQL.URL,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			QueryTimeout:    cfg.MySQL.QueryTimeout,
			TablePrefix:     cfg.MySQL.TablePrefix,
			CreateSchema:    cfg.MySQL.CreateSchema,
		}, log)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.StoreTypeMongoDB:
		b, err := mongodb.NewBackend(mongodb.Config{
			URL:              cfg.MongoDB.URL,
			Database:         cfg.MongoDB.Database,
			ConnectTimeout:   cfg.MongoDB.ConnectTimeout,
			OperationTimeout: cfg.MongoDB.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.StoreTypeS3:
		b, err := s3.NewBackend(s3.Config{
			Bucket:           cfg.S3.Bucket,
			Prefix:           cfg.S3.Prefix,
			Region:           cfg.S3.Region,
			Endpoint:         cfg.S3.Endpoint,
			AccessKeyID:      cfg.S3.AccessKeyID,
			SecretAccessKey:  cfg.S3.SecretAccessKey,
			SessionToken:     cfg.S3.SessionToken,
			UsePathStyle:     cfg.S3.UsePathStyle,
			OperationTimeout: cfg.S3.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unsupported store.type %q (supported: memory, redis, dynamodb, postgres, mysql, mongodb, s3)", cfg.Type)
	}

	if cb := cfg.CircuitBreaker; cb.Enabled {
		name := backend.Name()
		opts = append(opts, native.WithCircuitBreaker(resilience.NewCircuitBreaker(cb.MaxFailures, cb.Cooldown,
			resilience.WithFailurePredicate(native.ServerFailure),
			resilience.WithStateObserver(func(from, to resilience.State) {
				log.Warn("store circuit breaker changed state", "store", name, "from", from.String(), "to", to.String())
			}),
		)))
	}

	client, err := native.New(backend, group, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	log.Info("native store client ready", "store", backend.Name(), "event_loops", group.Size())
	return client, nil
}
