// Package mysql stores records in a MySQL (InnoDB) table.
//
// The layout matches the PostgreSQL backend: one row per record keyed by
// (namespace, set_name, key_kind, user_key) with a JSON column of type-tagged
// bin values. Read-modify-write commands lock the row with
// SELECT ... FOR UPDATE; concurrent inserts of the same record surface as
// duplicate key errors and are retried, as are deadlocks.
package mysql

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

	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/store/native"
)

const (
	// DefaultTablePrefix names the records and indexes tables.
	DefaultTablePrefix = "kvbridge_"
	maxTxAttempts      = 16

	errDuplicateEntry     = 1062
	errLockWaitTimeout    = 1205
	errLockDeadlock       = 1213
	errTooManyConnections = 1040
	errQueryInterrupted   = 1317
	errQueryTimeout       = 3024
)

var tablePrefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config holds MySQL connection configuration. URL is a go-sql-driver DSN
// such as "user:pass@tcp(localhost:3306)/kv".
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
	TablePrefix     string
	CreateSchema    bool
}

// Backend implements native.Backend over MySQL.
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
	dsn, err := mysql.ParseDSN(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql DSN: %w", err)
	}

	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	db := sql.OpenDB(connector)
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
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}
	if cfg.CreateSchema {
		if err := b.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	b.logger.Info("MySQL connection established",
		"addr", dsn.Addr,
		"database", dsn.DBName,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
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
		records: "`" + cfg.TablePrefix + "records`",
		indexes: "`" + cfg.TablePrefix + "indexes`",
		now:     time.Now,
	}, nil
}

// Name implements native.Backend.
func (b *Backend) Name() string { return "mysql" }

// EnsureSchema creates the records and indexes tables when missing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + b.records + ` (
			namespace  VARCHAR(64)  NOT NULL,
			set_name   VARCHAR(64)  NOT NULL,
			key_kind   CHAR(1)      NOT NULL,
			user_key   VARCHAR(255) NOT NULL,
			bins       JSON         NOT NULL,
			generation BIGINT       NOT NULL,
			expires_at BIGINT       NULL,
			PRIMARY KEY (namespace, set_name, key_kind, user_key)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS ` + b.indexes + ` (
			namespace VARCHAR(64)  NOT NULL,
			name      VARCHAR(255) NOT NULL,
			spec      JSON         NOT NULL,
			PRIMARY KEY (namespace, name)
		) ENGINE=InnoDB`,
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

func serverErrorNumber(err error) uint16 {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	return 0
}

// wrapErr maps driver failures onto native errors. Context errors pass
// through.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var kerr *kv.Error
	if errors.As(err, &kerr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return kv.WrapError(kv.ClientClosed, err)
	}
	switch serverErrorNumber(err) {
	case errLockWaitTimeout, errQueryInterrupted, errQueryTimeout:
		return kv.WrapError(kv.Timeout, err)
	case errTooManyConnections:
		return kv.WrapError(kv.Throttled, err)
	}
	return kv.WrapError(kv.ServerError, err)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

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

const keyPredicate = ` WHERE namespace = ? AND set_name = ? AND key_kind = ? AND user_key = ?`

func (b *Backend) load(ctx context.Context, q querier, key *kv.Key, forUpdate bool) (s *native.State, stored bool, err error) {
	query := `SELECT bins, generation, expires_at FROM ` + b.records + keyPredicate
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

// LoadBatch implements native.BatchLoader with a single row-constructor IN
// query.
func (b *Backend) LoadBatch(ctx context.Context, keys []*kv.Key) ([]*native.State, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()

	positions := make(map[[4]string][]int, len(keys))
	tuples := make([]string, 0, len(keys))
	args := make([]any, 0, 4*len(keys))
	for i, key := range keys {
		kind, uk := native.EncodeUserKey(key)
		id := [4]string{key.Namespace, key.SetName, kind, uk}
		if _, seen := positions[id]; !seen {
			tuples = append(tuples, "(?, ?, ?, ?)")
			args = append(args, id[0], id[1], id[2], id[3])
		}
		positions[id] = append(positions[id], i)
	}

	rows, err := b.db.QueryContext(ctx, `SELECT namespace, set_name, key_kind, user_key, bins, generation, expires_at FROM `+
		b.records+` WHERE (namespace, set_name, key_kind, user_key) IN (`+strings.Join(tuples, ", ")+`)`, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	out := make([]*native.State, len(keys))
	now := b.now()
	for rows.Next() {
		var (
			namespace string
			r         row
		)
		if err := rows.Scan(&namespace, &r.setName, &r.keyKind, &r.userKey, &r.bins, &r.generation, &r.expiresAt); err != nil {
			return nil, wrapErr(err)
		}
		s, err := r.state()
		if err != nil {
			return nil, kv.WrapError(kv.ServerError, err)
		}
		if s.Expired(now) {
			continue
		}
		for _, i := range positions[[4]string{namespace, r.setName, r.keyKind, r.userKey}] {
			out[i] = s
		}
	}
	return out, wrapErr(rows.Err())
}

var errRetry = errors.New("retry transaction")

// Mutate implements native.Backend inside a transaction holding the row lock.
func (b *Backend) Mutate(ctx context.Context, key *kv.Key, fn native.Mutation) (*native.State, error) {
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		stored, err := b.mutateOnce(ctx, key, fn)
		if errors.Is(err, errRetry) {
			b.logger.Debug("mysql transaction contended, retrying", "key", key.String(), "attempt", attempt+1)
			continue
		}
		return stored, err
	}
	return nil, kv.NewError(kv.ServerError, fmt.Sprintf("%s: gave up after %d contended transactions", key, maxTxAttempts))
}

func retryable(err error) bool {
	n := serverErrorNumber(err)
	return n == errDuplicateEntry || n == errLockDeadlock
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
	if retryable(err) {
		return nil, errRetry
	}
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
		_, err = tx.ExecContext(ctx, `DELETE FROM `+b.records+keyPredicate, args...)
	default:
		var bins []byte
		if bins, err = encodeBins(next.Bins); err != nil {
			return nil, err
		}
		var expiresAt sql.NullInt64
		if !next.ExpiresAt.IsZero() {
			expiresAt = sql.NullInt64{Int64: next.ExpiresAt.UnixMilli(), Valid: true}
		}
		if exists {
			_, err = tx.ExecContext(ctx, `UPDATE `+b.records+` SET bins = ?, generation = ?, expires_at = ?`+keyPredicate,
				append([]any{bins, int64(next.Generation), expiresAt}, args...)...)
		} else {
			_, err = tx.ExecContext(ctx, `INSERT INTO `+b.records+
				` (namespace, set_name, key_kind, user_key, bins, generation, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				append(args, bins, int64(next.Generation), expiresAt)...)
		}
	}
	if retryable(err) {
		return nil, errRetry
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
		` WHERE namespace = ?`
	args := []any{namespace}
	if setName != "" {
		query += ` AND set_name = ?`
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

// CreateIndex implements native.Backend.
func (b *Backend) CreateIndex(ctx context.Context, spec kv.IndexSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return kv.WrapError(kv.ParameterError, err)
	}
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()
	_, err = b.db.ExecContext(ctx, `INSERT INTO `+b.indexes+` (namespace, name, spec) VALUES (?, ?, ?)`,
		spec.Namespace, spec.Name, raw)
	if serverErrorNumber(err) == errDuplicateEntry {
		return kv.NewError(kv.IndexFound, spec.Name)
	}
	return wrapErr(err)
}

// DropIndex implements native.Backend.
func (b *Backend) DropIndex(ctx context.Context, namespace, _, name string) error {
	ctx, cancel := b.withQueryTimeout(ctx)
	defer cancel()
	res, err := b.db.ExecContext(ctx, `DELETE FROM `+b.indexes+` WHERE namespace = ? AND name = ?`, namespace, name)
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
	rows, err := b.db.QueryContext(ctx, `SELECT spec FROM `+b.indexes+` WHERE namespace = ? ORDER BY name`, namespace)
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

// Info implements native.Backend with the same commands as the PostgreSQL
// backend; "version" reports VERSION().
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
			if err := b.db.QueryRowContext(ctx, `SELECT VERSION()`).Scan(&v); err != nil {
				return nil, wrapErr(err)
			}
			out[cmd] = v
		case cmd == "namespaces":
			rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM `+b.records+` ORDER BY namespace`)
			if err != nil {
				return nil, wrapErr(err)
			}
			var names []string
			for rows.Next() {
				var ns string
				if err := rows.Scan(&ns); err != nil {
					rows.Close()
					return nil, wrapErr(err)
				}
				names = append(names, ns)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, wrapErr(err)
			}
			out[cmd] = strings.Join(names, ";")
		case strings.HasPrefix(cmd, "objects:"):
			var n int64
			err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+b.records+` WHERE namespace = ?`,
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

// Ping implements native.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("mysql ping failed: %w", wrapErr(err))
	}
	return nil
}

// Close implements native.Backend.
func (b *Backend) Close() error {
	b.logger.Info("closing MySQL connection")
	if err := b.db.Close(); err != nil {
		b.logger.Error("failed to close MySQL connection", "error", err)
		return fmt.Errorf("failed to close mysql connection: %w", err)
	}
	return nil
}
