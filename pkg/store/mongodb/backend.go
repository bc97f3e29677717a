// Package mongodb stores records in MongoDB.
//
// Each namespace maps to one collection of the configured database. A record
// is a document whose _id is "<set>/<key kind>:<user key>", with its bins in
// an embedded document next to the generation and expiration. Writes match on
// the generation read, so concurrent writers retry instead of overwriting.
// Secondary index definitions live in the "__indexes" collection.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/store/native"
)

const (
	indexesCollection = "__indexes"
	maxWriteAttempts  = 16
)

// Collection is the subset of *mongo.Collection used by Backend.
type Collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongo.Cursor, error)
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
}

// API is the database surface used by Backend.
type API interface {
	Collection(name string) Collection
	CollectionNames(ctx context.Context) ([]string, error)
	ServerVersion(ctx context.Context) (string, error)
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Config holds MongoDB backend configuration.
type Config struct {
	URL              string
	Database         string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// Backend implements native.Backend over MongoDB.
type Backend struct {
	api     API
	logger  logger.Logger
	config  Config
	timeout time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	closed  bool
}

var (
	_ native.Backend     = (*Backend)(nil)
	_ native.BatchLoader = (*Backend)(nil)
)

// NewBackend connects to MongoDB and verifies connectivity via ping.
func NewBackend(cfg Config, log logger.Logger) (*Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	b := NewBackendWithAPI(&driverAPI{client: client, db: client.Database(cfg.Database)}, cfg, log)
	b.logger.Info("MongoDB connection established", "database", cfg.Database)
	return b, nil
}

// NewBackendWithAPI wraps an existing API without checking connectivity.
func NewBackendWithAPI(api API, cfg Config, log logger.Logger) *Backend {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	return &Backend{
		api:     api,
		logger:  log,
		config:  cfg,
		timeout: cfg.OperationTimeout,
		now:     time.Now,
	}
}

// Name implements native.Backend.
func (b *Backend) Name() string { return "mongodb" }

func (b *Backend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return kv.NewError(kv.ClientClosed, "mongodb backend is closed")
	}
	return nil
}

func (b *Backend) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
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
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return kv.WrapError(kv.ClientClosed, err)
	}
	if mongo.IsTimeout(err) {
		return kv.WrapError(kv.Timeout, err)
	}
	return kv.WrapError(kv.ServerError, err)
}

// document is the stored form of a record.
type document struct {
	ID         string `bson:"_id"`
	Set        string `bson:"set"`
	KeyKind    string `bson:"kt"`
	UserKey    string `bson:"uk"`
	Bins       bson.M `bson:"bins"`
	Generation int64  `bson:"gen"`
	ExpiresAt  *int64 `bson:"exp,omitempty"`
}

func documentID(key *kv.Key) string {
	kind, uk := native.EncodeUserKey(key)
	return key.SetName + "/" + kind + ":" + uk
}

func encodeDocument(key *kv.Key, s *native.State) (*document, error) {
	bins := make(bson.M, len(s.Bins))
	for name, v := range s.Bins {
		if strings.HasPrefix(name, "$") || strings.Contains(name, ".") {
			return nil, kv.NewError(kv.BinTypeError, fmt.Sprintf("bin name %q is not a valid field name", name))
		}
		bins[name] = kv.NormalizeValue(v)
	}
	kind, uk := native.EncodeUserKey(key)
	doc := &document{
		ID:         documentID(key),
		Set:        key.SetName,
		KeyKind:    kind,
		UserKey:    uk,
		Bins:       bins,
		Generation: int64(s.Generation),
	}
	if !s.ExpiresAt.IsZero() {
		ms := s.ExpiresAt.UnixMilli()
		doc.ExpiresAt = &ms
	}
	return doc, nil
}

func (d *document) decode(namespace string) (*kv.Key, *native.State, error) {
	key, err := native.DecodeUserKey(namespace, d.Set, d.KeyKind, d.UserKey)
	if err != nil {
		return nil, nil, err
	}
	s := &native.State{Bins: make(map[string]any, len(d.Bins)), Generation: uint32(d.Generation)}
	for name, v := range d.Bins {
		s.Bins[name] = fromBSON(v)
	}
	if d.ExpiresAt != nil {
		s.ExpiresAt = time.UnixMilli(*d.ExpiresAt)
	}
	return key, s, nil
}

// fromBSON maps decoded BSON values onto the bin value types used by the
// other backends.
func fromBSON(v any) any {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case primitive.Binary:
		return x.Data
	case primitive.A:
		out := make([]any, len(x))
		for i := range x {
			out[i] = fromBSON(x[i])
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case primitive.M:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = fromBSON(e)
		}
		return out
	default:
		return v
	}
}

// find reads the document at key. stored reports whether a document exists
// even when it has expired, so writers can match on its generation.
func (b *Backend) find(ctx context.Context, key *kv.Key) (s *native.State, gen int64, stored bool, err error) {
	var doc document
	err = b.api.Collection(key.Namespace).FindOne(ctx, bson.M{"_id": documentID(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, wrapErr(err)
	}
	_, s, err = doc.decode(key.Namespace)
	if err != nil {
		return nil, 0, true, kv.WrapError(kv.ServerError, fmt.Errorf("decode %s: %w", doc.ID, err))
	}
	if s.Expired(b.now()) {
		s = nil
	}
	return s, doc.Generation, true, nil
}

// Load implements native.Backend.
func (b *Backend) Load(ctx context.Context, key *kv.Key) (*native.State, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	s, _, _, err := b.find(ctx, key)
	return s, err
}

// LoadBatch implements native.BatchLoader with one $in query per namespace.
func (b *Backend) LoadBatch(ctx context.Context, keys []*kv.Key) ([]*native.State, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	type slot struct {
		namespace string
		id        string
	}
	positions := make(map[slot][]int, len(keys))
	ids := map[string][]string{}
	for i, key := range keys {
		s := slot{namespace: key.Namespace, id: documentID(key)}
		if _, seen := positions[s]; !seen {
			ids[key.Namespace] = append(ids[key.Namespace], s.id)
		}
		positions[s] = append(positions[s], i)
	}

	out := make([]*native.State, len(keys))
	now := b.now()
	for namespace, batch := range ids {
		cur, err := b.api.Collection(namespace).Find(ctx, bson.M{"_id": bson.M{"$in": batch}})
		if err != nil {
			return nil, wrapErr(err)
		}
		err = forEach(ctx, cur, func(doc *document) error {
			_, s, err := doc.decode(namespace)
			if err != nil {
				return kv.WrapError(kv.ServerError, err)
			}
			if s.Expired(now) {
				return nil
			}
			for _, i := range positions[slot{namespace: namespace, id: doc.ID}] {
				out[i] = s
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func forEach(ctx context.Context, cur *mongo.Cursor, fn func(*document) error) error {
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return kv.WrapError(kv.ServerError, err)
		}
		if err := fn(&doc); err != nil {
			return err
		}
	}
	return wrapErr(cur.Err())
}

// Mutate implements native.Backend with writes matching the stored
// generation, retrying when another writer got there first.
func (b *Backend) Mutate(ctx context.Context, key *kv.Key, fn native.Mutation) (*native.State, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	coll := b.api.Collection(key.Namespace)
	id := documentID(key)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		cur, storedGen, stored, err := b.find(ctx, key)
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

		match := bson.M{"_id": id, "gen": storedGen}
		lost := false
		switch {
		case next == nil && !stored:
			return nil, nil
		case next == nil:
			res, err := coll.DeleteOne(ctx, match)
			if err != nil {
				return nil, wrapErr(err)
			}
			lost = res.DeletedCount == 0
		default:
			doc, err := encodeDocument(key, next)
			if err != nil {
				return nil, err
			}
			if stored {
				res, err := coll.ReplaceOne(ctx, match, doc)
				if err != nil {
					return nil, wrapErr(err)
				}
				lost = res.MatchedCount == 0
			} else {
				_, err := coll.InsertOne(ctx, doc)
				if err != nil && !mongo.IsDuplicateKeyError(err) {
					return nil, wrapErr(err)
				}
				lost = err != nil
			}
		}
		if lost {
			b.logger.Debug("mongodb write lost race, retrying", "key", id, "attempt", attempt+1)
			continue
		}
		return next, nil
	}
	return nil, kv.NewError(kv.ServerError, fmt.Sprintf("%s: gave up after %d contended writes", id, maxWriteAttempts))
}

// Scan implements native.Backend, visiting records in _id order.
func (b *Backend) Scan(ctx context.Context, namespace, setName string, emit func(*kv.Key, *native.State) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	filter := bson.M{}
	if setName != "" {
		filter["set"] = setName
	}
	cur, err := b.api.Collection(namespace).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return wrapErr(err)
	}
	return forEach(ctx, cur, func(doc *document) error {
		key, s, err := doc.decode(namespace)
		if err != nil {
			return kv.WrapError(kv.ServerError, fmt.Errorf("decode %s: %w", doc.ID, err))
		}
		if s.Expired(b.now()) {
			return nil
		}
		return emit(key, s)
	})
}

type indexDocument struct {
	ID        string `bson:"_id"`
	Namespace string `bson:"namespace"`
	Spec      string `bson:"spec"`
}

func indexID(namespace, name string) string {
	return namespace + "/" + name
}

// CreateIndex implements native.Backend. Definitions are stored as JSON in
// the indexes collection; queries evaluate filters while scanning.
func (b *Backend) CreateIndex(ctx context.Context, spec kv.IndexSpec) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return kv.WrapError(kv.ParameterError, err)
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	_, err = b.api.Collection(indexesCollection).InsertOne(ctx, &indexDocument{
		ID:        indexID(spec.Namespace, spec.Name),
		Namespace: spec.Namespace,
		Spec:      string(raw),
	})
	if mongo.IsDuplicateKeyError(err) {
		return kv.NewError(kv.IndexFound, spec.Name)
	}
	return wrapErr(err)
}

// DropIndex implements native.Backend.
func (b *Backend) DropIndex(ctx context.Context, namespace, _, name string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	res, err := b.api.Collection(indexesCollection).DeleteOne(ctx, bson.M{"_id": indexID(namespace, name)})
	if err != nil {
		return wrapErr(err)
	}
	if res.DeletedCount == 0 {
		return kv.NewError(kv.IndexNotFound, name)
	}
	return nil
}

// Indexes implements native.Backend.
func (b *Backend) Indexes(ctx context.Context, namespace string) ([]kv.IndexSpec, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	cur, err := b.api.Collection(indexesCollection).Find(ctx, bson.M{"namespace": namespace})
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cur.Close(ctx)

	var out []kv.IndexSpec
	for cur.Next(ctx) {
		var doc indexDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, kv.WrapError(kv.ServerError, err)
		}
		var spec kv.IndexSpec
		if err := json.Unmarshal([]byte(doc.Spec), &spec); err != nil {
			return nil, kv.WrapError(kv.ServerError, fmt.Errorf("index %s: %w", doc.ID, err))
		}
		out = append(out, spec)
	}
	return out, wrapErr(cur.Err())
}

// Info implements native.Backend. Supported commands are "build",
// "version" (server build version), "namespaces" (collections) and
// "objects:<namespace>"; others answer with an empty value. No commands
// returns build, version and namespaces.
func (b *Backend) Info(ctx context.Context, commands []string) (map[string]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
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
			v, err := b.api.ServerVersion(ctx)
			if err != nil {
				return nil, wrapErr(err)
			}
			out[cmd] = v
		case cmd == "namespaces":
			names, err := b.api.CollectionNames(ctx)
			if err != nil {
				return nil, wrapErr(err)
			}
			namespaces := names[:0]
			for _, name := range names {
				if name != indexesCollection && !strings.HasPrefix(name, "system.") {
					namespaces = append(namespaces, name)
				}
			}
			sort.Strings(namespaces)
			out[cmd] = strings.Join(namespaces, ";")
		case strings.HasPrefix(cmd, "objects:"):
			n, err := b.api.Collection(strings.TrimPrefix(cmd, "objects:")).CountDocuments(ctx, bson.M{})
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
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.api.Ping(ctx); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", wrapErr(err))
	}
	return nil
}

// Close implements native.Backend. Closing twice is a no-op.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.logger.Info("closing MongoDB connection")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.api.Disconnect(ctx); err != nil {
		b.logger.Error("failed to close MongoDB connection", "error", err)
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

// driverAPI adapts a connected client to API.
type driverAPI struct {
	client *mongo.Client
	db     *mongo.Database
}

func (d *driverAPI) Collection(name string) Collection {
	return d.db.Collection(name)
}

func (d *driverAPI) CollectionNames(ctx context.Context) ([]string, error) {
	return d.db.ListCollectionNames(ctx, bson.D{})
}

func (d *driverAPI) ServerVersion(ctx context.Context) (string, error) {
	var info struct {
		Version string `bson:"version"`
	}
	if err := d.db.RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		return "", err
	}
	return info.Version, nil
}

func (d *driverAPI) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, readpref.Primary())
}

func (d *driverAPI) Disconnect(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}
