// Package redis stores records as Redis hashes.
//
// A record lives at "<namespace>:<set>:<user key>". Each bin is a hash field
// holding a type-tagged value, and reserved fields carry the generation,
// expiration and the original key. Read-modify-write commands run inside
// WATCH/MULTI transactions and retry when another client wins the race.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/store/native"
	"github.com/nimburion/kvbridge/pkg/version"
)

const (
	indexesSuffix = "__indexes"
	maxTxAttempts = 16
	scanBatchSize = 100
)

// MinServerVersion is the oldest Redis accepted: records are written with
// multi-field HSET.
var MinServerVersion = version.MustParse("4.0.0")

// Config holds Redis connection configuration.
type Config struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
}

// Backend implements native.Backend over a Redis server.
type Backend struct {
	client *redis.Client
	logger logger.Logger
	config Config
	now    func() time.Time
}

var (
	_ native.Backend     = (*Backend)(nil)
	_ native.BatchLoader = (*Backend)(nil)
)

// NewBackend connects to Redis and verifies the connection.
func NewBackend(cfg Config, log logger.Logger) (*Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if log == nil {
		log = logger.Nop()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = 5 * time.Second
	if cfg.OperationTimeout > 0 {
		opts.ReadTimeout = cfg.OperationTimeout
		opts.WriteTimeout = cfg.OperationTimeout
	}
	// Deadlines come from each command's context.
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	if err := checkServerVersion(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	log.Info("Redis connection established",
		"max_conns", cfg.MaxConns,
		"operation_timeout", cfg.OperationTimeout,
	)

	return &Backend{
		client: client,
		logger: log,
		config: cfg,
		now:    time.Now,
	}, nil
}

// Client returns the underlying *redis.Client.
func (b *Backend) Client() *redis.Client {
	return b.client
}

// Name implements native.Backend.
func (b *Backend) Name() string { return "redis" }

func recordKey(key *kv.Key) string {
	return key.Namespace + ":" + key.SetName + ":" + key.UserKeyString()
}

func indexesKey(namespace string) string {
	return namespace + ":" + indexesSuffix
}

// wrapErr maps driver failures onto native errors. Context errors pass
// through so callers can tell cancellation and timeouts apart.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var kerr *kv.Error
	if errors.As(err, &kerr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.ErrClosed) {
		return kv.WrapError(kv.ClientClosed, err)
	}
	return kv.WrapError(kv.ServerError, err)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (b *Backend) load(ctx context.Context, r hashReader, rk string) (*kv.Key, *native.State, error) {
	fields, err := r.HGetAll(ctx, rk).Result()
	if err != nil {
		return nil, nil, wrapErr(err)
	}
	key, s, err := decodeState(fields)
	if err != nil {
		return nil, nil, kv.WrapError(kv.ServerError, fmt.Errorf("decode %s: %w", rk, err))
	}
	if s.Expired(b.now()) {
		return nil, nil, nil
	}
	return key, s, nil
}

// Load implements native.Backend.
func (b *Backend) Load(ctx context.Context, key *kv.Key) (*native.State, error) {
	_, s, err := b.load(ctx, b.client, recordKey(key))
	return s, err
}

// LoadBatch implements native.BatchLoader with one pipelined round trip.
func (b *Backend) LoadBatch(ctx context.Context, keys []*kv.Key) ([]*native.State, error) {
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, recordKey(key))
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	now := b.now()
	out := make([]*native.State, len(keys))
	for i, cmd := range cmds {
		_, s, err := decodeState(cmd.Val())
		if err != nil {
			return nil, kv.WrapError(kv.ServerError, err)
		}
		if !s.Expired(now) {
			out[i] = s
		}
	}
	return out, nil
}

// Mutate implements native.Backend with an optimistic WATCH transaction.
func (b *Backend) Mutate(ctx context.Context, key *kv.Key, fn native.Mutation) (*native.State, error) {
	rk := recordKey(key)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var stored *native.State
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			_, cur, err := b.load(ctx, tx, rk)
			if err != nil {
				return err
			}
			next, write, err := fn(cur)
			if err != nil {
				return err
			}
			if !write {
				stored = cur
				return nil
			}

			var fields map[string]any
			if next != nil {
				if fields, err = encodeState(key, next); err != nil {
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, rk)
				if next != nil {
					pipe.HSet(ctx, rk, fields)
					if !next.ExpiresAt.IsZero() {
						pipe.PExpireAt(ctx, rk, next.ExpiresAt)
					}
				}
				return nil
			})
			stored = next
			return err
		}, rk)

		if errors.Is(err, redis.TxFailedErr) {
			b.logger.Debug("redis transaction lost race, retrying", "key", rk, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, wrapErr(err)
		}
		return stored, nil
	}
	return nil, kv.NewError(kv.ServerError, fmt.Sprintf("%s: gave up after %d contended transactions", rk, maxTxAttempts))
}

// Scan implements native.Backend using SCAN MATCH. Records are visited in
// the server's cursor order.
func (b *Backend) Scan(ctx context.Context, namespace, setName string, emit func(*kv.Key, *native.State) error) error {
	pattern := globEscape(namespace) + ":*"
	if setName != "" {
		pattern = globEscape(namespace) + ":" + globEscape(setName) + ":*"
	}
	skip := indexesKey(namespace)

	iter := b.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		rk := iter.Val()
		if rk == skip {
			continue
		}
		key, s, err := b.load(ctx, b.client, rk)
		if err != nil {
			// Foreign keys under the namespace prefix are not records.
			if strings.Contains(err.Error(), "WRONGTYPE") {
				continue
			}
			return err
		}
		if s == nil || key.Namespace != namespace || (setName != "" && key.SetName != setName) {
			continue
		}
		if err := emit(key, s); err != nil {
			return err
		}
	}
	return wrapErr(iter.Err())
}

// CreateIndex implements native.Backend. Index definitions live in the
// "<namespace>:__indexes" hash; queries evaluate filters while scanning.
func (b *Backend) CreateIndex(ctx context.Context, spec kv.IndexSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return kv.WrapError(kv.ParameterError, err)
	}
	created, err := b.client.HSetNX(ctx, indexesKey(spec.Namespace), spec.Name, raw).Result()
	if err != nil {
		return wrapErr(err)
	}
	if !created {
		return kv.NewError(kv.IndexFound, spec.Name)
	}
	return nil
}

// DropIndex implements native.Backend.
func (b *Backend) DropIndex(ctx context.Context, namespace, _, name string) error {
	n, err := b.client.HDel(ctx, indexesKey(namespace), name).Result()
	if err != nil {
		return wrapErr(err)
	}
	if n == 0 {
		return kv.NewError(kv.IndexNotFound, name)
	}
	return nil
}

// Indexes implements native.Backend.
func (b *Backend) Indexes(ctx context.Context, namespace string) ([]kv.IndexSpec, error) {
	all, err := b.client.HGetAll(ctx, indexesKey(namespace)).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]kv.IndexSpec, 0, len(all))
	for name, raw := range all {
		var spec kv.IndexSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return nil, kv.WrapError(kv.ServerError, fmt.Errorf("index %s: %w", name, err))
		}
		out = append(out, spec)
	}
	return out, nil
}

// Info implements native.Backend. Without commands it returns the fields of
// the default INFO reply; otherwise each command names an INFO section and
// maps to its raw text.
func (b *Backend) Info(ctx context.Context, commands []string) (map[string]string, error) {
	if len(commands) == 0 {
		raw, err := b.client.Info(ctx).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		return parseInfo(raw), nil
	}
	out := make(map[string]string, len(commands))
	for _, cmd := range commands {
		raw, err := b.client.Info(ctx, cmd).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		out[cmd] = strings.TrimSpace(raw)
	}
	return out, nil
}

func parseInfo(raw string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			out[k] = v
		}
	}
	return out
}

func checkServerVersion(ctx context.Context, client *redis.Client) error {
	raw, err := client.Info(ctx, "server").Result()
	if err != nil {
		return fmt.Errorf("failed to read redis server info: %w", err)
	}
	server := parseInfo(raw)["redis_version"]
	ok, err := version.AtLeast(server, MinServerVersion)
	if err != nil {
		return fmt.Errorf("unrecognized redis version %q: %w", server, err)
	}
	if !ok {
		return fmt.Errorf("redis %s is not supported, need %s or newer", server, MinServerVersion)
	}
	return nil
}

// Ping implements native.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", wrapErr(err))
	}
	return nil
}

// Close implements native.Backend.
func (b *Backend) Close() error {
	b.logger.Info("closing Redis connection")
	if err := b.client.Close(); err != nil {
		b.logger.Error("failed to close Redis connection", "error", err)
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}
