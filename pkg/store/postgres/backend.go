// Package postgres stores records in a PostgreSQL table.
//
// Every record is one row keyed by (namespace, set_name, key_kind, user_key)
// with its bins in a JSONB object of type-tagged values. Read-modify-write
// commands lock the row with SELECT ... FOR UPDATE; inserts of new records
// race through ON CONFLICT DO NOTHING and retry when another writer wins.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/store/native"
)

const (
	// DefaultTablePrefix names the records and indexes tables.
	DefaultTablePrefix = "kvbridge_"
	maxTxAttempts      = 16
)

var tablePrefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
	// TablePrefix is prepended to "records" and "indexes".
	TablePrefix string
	// CreateSchema creates missing tables at startup.
	CreateSchema bool
}

// Backend implements native.Backend over PostgreSQL.
type Backend struct {
	db      *sql.DB
	logger  logger.Logger
	config  Config
	records string
	indexes string
	now     func() time.Time
}

var (
	_ native.Backend     = (*Backend)(nil)
	_ native.BatchLoader = (*Backend)(nil)
)

// NewBackend opens a connection pool, verifies it and creates the schema
// when cfg.CreateSchema is set.
func NewBackend(cfg Config, log logger.Logger) (*Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	b, err := NewBackendWithDB(db, cfg, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if cfg.CreateSchema {
		if err := b.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	b.logger.Info("PostgreSQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"records_table", b.records,
	)
	return b, nil
}

// NewBackendWithDB wraps an open pool without checking connectivity.
func NewBackendWithDB(db *sql.DB, cfg Config, log logger.Logger) (*Backend, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = DefaultTablePrefix
	}
	if !tablePrefixPattern.MatchString(cfg.TablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", cfg.TablePrefix)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Backend{
		db:      db,
		logger:  log,
		config:  cfg,
		records: pq.QuoteIdentifier(cfg.TablePrefix + "records"),
		indexes: pq.QuoteIdentifier(cfg.TablePrefix + "indexes"),
		now:     time.Now,
	}, nil
}

// DB returns the underlying *sql.DB.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Name implements native.Backend.
func (b *Backend) Name() string { return "postgres" }

// EnsureSchema creates the records and indexes tables when missing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + b.records + ` (
			namespace  TEXT   NOT NULL,
			set_name   TEXT   NOT NULL,
			key_kind   TEXT   NOT NULL,
			user_key   TEXT   NOT NULL,
			bins       JSONB  NOT NULL,
			generation BIGINT NOT NULL,
			expires_at BIGINT,
			PRIMARY KEY (namespace, set_name, key_kind, user_key)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + b.indexes + ` (
			namespace TEXT  NOT NULL,
			name      TEXT  NOT NULL,
			spec      JSONB NOT NULL,
			PRIMARY KEY (namespace, name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (b *Backend) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.config.QueryTimeout)
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
	if errors.Is(err, sql.ErrConnDone) {
		return kv.WrapError(kv.ClientClosed, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "57014":
			return kv.WrapError(kv.Timeout, err)
		case pqErr.Code.Class() == "53":
			return kv.WrapError(kv.Throttled, err)
		}
	}
	return kv.WrapError(kv.ServerError, err)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// row is one stored record as scanned from the records table.
type row struct {
	setName    string
	keyKind    string
	userKey    string
	bins       []byte
	generation int64
	expiresAt  sql.NullInt64
}

func (r *row) state() (*native.State, error) {
	var raw map[string]string
	if err := json.Unmarshal(r.bins, &raw); err != nil {
		return nil, fmt.Errorf("bins: %w", err)
	}
	bins, err := native.DecodeBins(raw)
	if err != nil {
		return nil, err
	}
	s := &native.State{Bins: bins, Generation: uint32(r.generation)}
	if r.expiresAt.Valid {
		s.ExpiresAt = time.UnixMilli(r.expiresAt.Int64)
	}
	return s, nil
}

func keyArgs(key *kv.Key) []any {
	kind, uk := native.EncodeUserKey(key)
	return []any{key.Namespace, key.SetName, kind, uk}
}

// load reads the row at key. stored reports whether a row exists even when
// it has expired, so writers know whether to insert or update.
func (b *Backend) load(ctx context.Context, q querier, key *kv.Key, forUpdate bool) (s *native.State, stored bool, err error) {
	query := `SELECT bins, generation, expires_at FROM ` + b.records +
		` WHERE namespace = $1 AND set_name = $2 AND key_kind = $3 AND user_key = $4`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var r row
	err = q.QueryRowContext(ctx, query, keyArgs(key)...).Scan(&r.bins, &r.generation, &r.expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr(err)
	}
	s, err = r.state()
	if err != nil {
		return nil, true, kv.WrapError(kv.ServerError, fmt.Errorf("decode %s: %w", key, err))
	}
	if s.Expired(b.now()) {
		return nil, true, nil
	}
	return s, true, nil
}

// Load implements native.Backend.
func (b *Backend) Load(ctx context.Context, key *kv.Key) (*native.State, error) {
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()
	s, _, err := b.load(ctx, b.db, key, false)
	return s, err
}

// LoadBatch implements native.BatchLoader with one query joining the keys
// passed as arrays.
func (b *Backend) LoadBatch(ctx context.Context, keys []*kv.Key) ([]*native.State, error) {
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()

	namespaces := make([]string, len(keys))
	sets := make([]string, len(keys))
	kinds := make([]string, len(keys))
	userKeys := make([]string, len(keys))
	for i, key := range keys {
		namespaces[i], sets[i] = key.Namespace, key.SetName
		kinds[i], userKeys[i] = native.EncodeUserKey(key)
	}

	rows, err := b.db.QueryContext(ctx, `SELECT k.ord, r.bins, r.generation, r.expires_at
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[]) WITH ORDINALITY
			AS k(namespace, set_name, key_kind, user_key, ord)
		JOIN `+b.records+` r USING (namespace, set_name, key_kind, user_key)`,
		pq.Array(namespaces), pq.Array(sets), pq.Array(kinds), pq.Array(userKeys))
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	out := make([]*native.State, len(keys))
	now := b.now()
	for rows.Next() {
		var (
			ord int64
			r   row
		)
		if err := rows.Scan(&ord, &r.bins, &r.generation, &r.expiresAt); err != nil {
			return nil, wrapErr(err)
		}
		if ord < 1 || int(ord) > len(keys) {
			return nil, kv.NewError(kv.ServerError, fmt.Sprintf("batch row ordinal %d out of range", ord))
		}
		s, err := r.state()
		if err != nil {
			return nil, kv.WrapError(kv.ServerError, err)
		}
		if !s.Expired(now) {
			out[ord-1] = s
		}
	}
	return out, wrapErr(rows.Err())
}

var errLostInsert = errors.New("concurrent insert")

// Mutate implements native.Backend inside a transaction holding the row lock.
func (b *Backend) Mutate(ctx context.Context, key *kv.Key, fn native.Mutation) (*native.State, error) {
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		stored, err := b.mutateOnce(ctx, key, fn)
		if errors.Is(err, errLostInsert) {
			b.logger.Debug("postgres insert lost race, retrying", "key", key.String(), "attempt", attempt+1)
			continue
		}
		return stored, err
	}
	return nil, kv.NewError(kv.ServerError, fmt.Sprintf("%s: gave up after %d contended transactions", key, maxTxAttempts))
}

func (b *Backend) mutateOnce(ctx context.Context, key *kv.Key, fn native.Mutation) (*native.State, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				b.logger.Error("failed to rollback transaction", "key", key.String(), "error", rbErr)
			}
		}
	}()

	cur, exists, err := b.load(ctx, tx, key, true)
	if err != nil {
		return nil, err
	}
	next, write, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if !write {
		return cur, nil
	}

	args := keyArgs(key)
	switch {
	case next == nil && !exists:
		return nil, nil
	case next == nil:
		_, err = tx.ExecContext(ctx, `DELETE FROM `+b.records+
			` WHERE namespace = $1 AND set_name = $2 AND key_kind = $3 AND user_key = $4`, args...)
	default:
		var bins []byte
		if bins, err = encodeBins(next.Bins); err != nil {
			return nil, err
		}
		var expiresAt sql.NullInt64
		if !next.ExpiresAt.IsZero() {
			expiresAt = sql.NullInt64{Int64: next.ExpiresAt.UnixMilli(), Valid: true}
		}
		args = append(args, bins, int64(next.Generation), expiresAt)
		if exists {
			_, err = tx.ExecContext(ctx, `UPDATE `+b.records+` SET bins = $5, generation = $6, expires_at = $7
				WHERE namespace = $1 AND set_name = $2 AND key_kind = $3 AND user_key = $4`, args...)
		} else {
			var res sql.Result
			res, err = tx.ExecContext(ctx, `INSERT INTO `+b.records+
				` (namespace, set_name, key_kind, user_key, bins, generation, expires_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`, args...)
			if err == nil {
				if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
					return nil, errLostInsert
				}
			}
		}
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := tx.Commit(); err != nil {
		kerr := kv.WrapError(kv.ServerError, fmt.Errorf("commit: %w", err))
		kerr.InDoubt = true
		return nil, kerr
	}
	committed = true
	return next, nil
}

func encodeBins(bins map[string]any) ([]byte, error) {
	enc, err := native.EncodeBins(bins)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(enc)
	if err != nil {
		return nil, kv.WrapError(kv.BinTypeError, err)
	}
	return raw, nil
}

// Scan implements native.Backend, visiting records in primary key order.
func (b *Backend) Scan(ctx context.Context, namespace, setName string, emit func(*kv.Key, *native.State) error) error {
	query := `SELECT set_name, key_kind, user_key, bins, generation, expires_at FROM ` + b.records +
		` WHERE namespace = $1`
	args := []any{namespace}
	if setName != "" {
		query += ` AND set_name = $2`
		args = append(args, setName)
	}
	query += ` ORDER BY set_name, key_kind, user_key`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return wrapErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var r row
		if err := rows.Scan(&r.setName, &r.keyKind, &r.userKey, &r.bins, &r.generation, &r.expiresAt); err != nil {
			return wrapErr(err)
		}
		key, err := native.DecodeUserKey(namespace, r.setName, r.keyKind, r.userKey)
		if err != nil {
			return kv.WrapError(kv.ServerError, err)
		}
		s, err := r.state()
		if err != nil {
			return kv.WrapError(kv.ServerError, fmt.Errorf("decode %s: %w", key, err))
		}
		if s.Expired(b.now()) {
			continue
		}
		if err := emit(key, s); err != nil {
			return err
		}
	}
	return wrapErr(rows.Err())
}

// CreateIndex implements native.Backend. Definitions live in the indexes
// table; queries evaluate filters while scanning.
func (b *Backend) CreateIndex(ctx context.Context, spec kv.IndexSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return kv.WrapError(kv.ParameterError, err)
	}
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()
	res, err := b.db.ExecContext(ctx, `INSERT INTO `+b.indexes+` (namespace, name, spec) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, spec.Namespace, spec.Name, raw)
	if err != nil {
		return wrapErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return kv.NewError(kv.IndexFound, spec.Name)
	}
	return nil
}

// DropIndex implements native.Backend.
func (b *Backend) DropIndex(ctx context.Context, namespace, _, name string) error {
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()
	res, err := b.db.ExecContext(ctx, `DELETE FROM `+b.indexes+` WHERE namespace = $1 AND name = $2`, namespace, name)
	if err != nil {
		return wrapErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return kv.NewError(kv.IndexNotFound, name)
	}
	return nil
}

// Indexes implements native.Backend.
func (b *Backend) Indexes(ctx context.Context, namespace string) ([]kv.IndexSpec, error) {
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()
	rows, err := b.db.QueryContext(ctx, `SELECT spec FROM `+b.indexes+` WHERE namespace = $1 ORDER BY name`, namespace)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []kv.IndexSpec
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapErr(err)
		}
		var spec kv.IndexSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, kv.WrapError(kv.ServerError, fmt.Errorf("index spec: %w", err))
		}
		out = append(out, spec)
	}
	return out, wrapErr(rows.Err())
}

// Info implements native.Backend. Supported commands are "build",
// "version" (server_version), "namespaces" and "objects:<namespace>";
// others answer with an empty value. No commands returns build, version and
// namespaces.
func (b *Backend) Info(ctx context.Context, commands []string) (map[string]string, error) {
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()
	if len(commands) == 0 {
		commands = []string{"build", "version", "namespaces"}
	}

	out := make(map[string]string, len(commands))
	for _, cmd := range commands {
		switch {
		case cmd == "build":
			out[cmd] = b.Name()
		case cmd == "version":
			var v string
			if err := b.db.QueryRowContext(ctx, `SHOW server_version`).Scan(&v); err != nil {
				return nil, wrapErr(err)
			}
			out[cmd] = v
		case cmd == "namespaces":
			namespaces, err := b.namespaces(ctx)
			if err != nil {
				return nil, err
			}
			out[cmd] = strings.Join(namespaces, ";")
		case strings.HasPrefix(cmd, "objects:"):
			var n int64
			err := b.db.QueryRowContext(ctx, `SELECT count(*) FROM `+b.records+` WHERE namespace = $1`,
				strings.TrimPrefix(cmd, "objects:")).Scan(&n)
			if err != nil {
				return nil, wrapErr(err)
			}
			out[cmd] = strconv.FormatInt(n, 10)
		default:
			out[cmd] = ""
		}
	}
	return out, nil
}

func (b *Backend) namespaces(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM `+b.records+` ORDER BY namespace`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, wrapErr(err)
		}
		names = append(names, ns)
	}
	return names, wrapErr(rows.Err())
}

// Ping implements native.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", wrapErr(err))
	}
	return nil
}

// Close implements native.Backend.
func (b *Backend) Close() error {
	b.logger.Info("closing PostgreSQL connection")
	if err := b.db.Close(); err != nil {
		b.logger.Error("failed to close PostgreSQL connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}
