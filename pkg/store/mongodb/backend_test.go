package mongodb

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/store/native"
)

var testNow = time.UnixMilli(1_700_000_000_000)

// fakeAPI keeps documents in memory and answers the filters Backend issues.
type fakeAPI struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
	pingErr     error
	disconnects int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{collections: map[string]*fakeCollection{}}
}

func (f *fakeAPI) Collection(name string) Collection {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[name]
	if !ok {
		c = &fakeCollection{docs: map[string]bson.M{}}
		f.collections[name] = c
	}
	return c
}

func (f *fakeAPI) CollectionNames(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.collections))
	for name := range f.collections {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeAPI) ServerVersion(context.Context) (string, error) { return "7.0.14", nil }

func (f *fakeAPI) Ping(context.Context) error { return f.pingErr }

func (f *fakeAPI) Disconnect(context.Context) error {
	f.disconnects++
	return nil
}

type fakeCollection struct {
	mu   sync.Mutex
	docs map[string]bson.M
	// beforeWrite runs once ahead of the next write, outside the lock.
	beforeWrite func()
	failWith    error
}

func toM(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m bson.M
	return m, bson.Unmarshal(raw, &m)
}

func matches(doc bson.M, filter any) bool {
	for field, want := range filter.(bson.M) {
		if cond, ok := want.(bson.M); ok {
			in := cond["$in"].([]string)
			found := false
			for _, v := range in {
				if doc[field] == v {
					found = true
				}
			}
			if !found {
				return false
			}
			continue
		}
		if doc[field] != want {
			return false
		}
	}
	return true
}

func (c *fakeCollection) hook() {
	c.mu.Lock()
	fn := c.beforeWrite
	c.beforeWrite = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) *mongo.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, c.failWith, bson.DefaultRegistry)
	}
	for _, doc := range c.docs {
		if matches(doc, filter) {
			return mongo.NewSingleResultFromDocument(doc, nil, bson.DefaultRegistry)
		}
	}
	return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, bson.DefaultRegistry)
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...*options.FindOptions) (*mongo.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	ids := make([]string, 0, len(c.docs))
	for id, doc := range c.docs {
		if matches(doc, filter) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = c.docs[id]
	}
	return mongo.NewCursorFromDocuments(out, nil, bson.DefaultRegistry)
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	c.hook()
	doc, err := toM(document)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := doc["_id"].(string)
	if _, exists := c.docs[id]; exists {
		return nil, mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "duplicate key"}}}
	}
	c.docs[id] = doc
	return &mongo.InsertOneResult{InsertedID: id}, nil
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter, replacement any, _ ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	c.hook()
	doc, err := toM(replacement)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, existing := range c.docs {
		if matches(existing, filter) {
			c.docs[id] = doc
			return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}
	return &mongo.UpdateResult{}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	c.hook()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, existing := range c.docs {
		if matches(existing, filter) {
			delete(c.docs, id)
			return &mongo.DeleteResult{DeletedCount: 1}, nil
		}
	}
	return &mongo.DeleteResult{}, nil
}

func (c *fakeCollection) CountDocuments(_ context.Context, filter any, _ ...*options.CountOptions) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

func newTestBackend() (*Backend, *fakeAPI) {
	api := newFakeAPI()
	b := NewBackendWithAPI(api, Config{Database: "kvbridge"}, nil)
	b.now = func() time.Time { return testNow }
	return b, api
}

var aliceKey = &kv.Key{Namespace: "test", SetName: "users", UserKey: "alice"}

func put(b *Backend, key *kv.Key, s *native.State) error {
	_, err := b.Mutate(context.Background(), key, func(*native.State) (*native.State, bool, error) {
		return s, true, nil
	})
	return err
}

func TestNewBackend_Validation(t *testing.T) {
	if _, err := NewBackend(Config{Database: "db"}, nil); err == nil {
		t.Fatal("expected error for empty URL")
	}
	if _, err := NewBackend(Config{URL: "mongodb://localhost:27017"}, nil); err == nil {
		t.Fatal("expected error for empty database")
	}
}

func TestDocumentID(t *testing.T) {
	tests := []struct {
		key  *kv.Key
		want string
	}{
		{&kv.Key{Namespace: "test", SetName: "users", UserKey: "alice"}, "users/s:alice"},
		{&kv.Key{Namespace: "test", SetName: "", UserKey: 42}, "/i:42"},
		{&kv.Key{Namespace: "test", SetName: "blobs", UserKey: []byte{0xca, 0xfe}}, "blobs/b:cafe"},
	}
	for _, tt := range tests {
		if got := documentID(tt.key); got != tt.want {
			t.Errorf("documentID(%v) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestBackend_MutateAndLoad(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()

	expires := testNow.Add(time.Minute)
	err := put(b, aliceKey, &native.State{
		Bins: map[string]any{
			"name": "Alice",
			"age":  30,
			"tags": []any{"a", 1},
			"blob": []byte{1, 2},
			"meta": map[string]any{"x": 1},
		},
		Generation: 1,
		ExpiresAt:  expires,
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := b.Load(ctx, aliceKey)
	if err != nil {
		t.Fatal(err)
	}
	if s == nil || s.Generation != 1 || !s.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected state %+v", s)
	}
	if s.Bins["name"] != "Alice" || s.Bins["age"] != int64(30) {
		t.Fatalf("unexpected scalar bins %v", s.Bins)
	}
	tags, ok := s.Bins["tags"].([]any)
	if !ok || len(tags) != 2 || tags[1] != int64(1) {
		t.Fatalf("unexpected list bin %#v", s.Bins["tags"])
	}
	if blob, ok := s.Bins["blob"].([]byte); !ok || len(blob) != 2 {
		t.Fatalf("unexpected blob bin %#v", s.Bins["blob"])
	}
	if meta, ok := s.Bins["meta"].(map[string]any); !ok || meta["x"] != int64(1) {
		t.Fatalf("unexpected map bin %#v", s.Bins["meta"])
	}

	_, err = b.Mutate(ctx, aliceKey, func(cur *native.State) (*native.State, bool, error) {
		if cur == nil || cur.Generation != 1 {
			t.Fatalf("mutation saw %+v", cur)
		}
		next := cur.Clone()
		next.Bins["age"] = int64(31)
		next.Generation++
		return next, true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = b.Load(ctx, aliceKey)
	if err != nil || s.Generation != 2 || s.Bins["age"] != int64(31) {
		t.Fatalf("unexpected state after update %+v, %v", s, err)
	}
}

func TestBackend_LoadMissingAndExpired(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()

	if s, err := b.Load(ctx, aliceKey); err != nil || s != nil {
		t.Fatalf("expected missing record, got %+v, %v", s, err)
	}
	if err := put(b, aliceKey, &native.State{Bins: map[string]any{"a": 1}, Generation: 1, ExpiresAt: testNow.Add(-time.Second)}); err != nil {
		t.Fatal(err)
	}
	if s, err := b.Load(ctx, aliceKey); err != nil || s != nil {
		t.Fatalf("expected expired record to be hidden, got %+v, %v", s, err)
	}

	// An expired record is still replaced in place.
	if err := put(b, aliceKey, &native.State{Bins: map[string]any{"a": 2}, Generation: 1}); err != nil {
		t.Fatal(err)
	}
	if s, err := b.Load(ctx, aliceKey); err != nil || s == nil || s.Bins["a"] != int64(2) {
		t.Fatalf("unexpected state %+v, %v", s, err)
	}
}

func TestBackend_MutateRetriesLostRace(t *testing.T) {
	b, api := newTestBackend()
	ctx := context.Background()
	coll := api.Collection("test").(*fakeCollection)

	coll.beforeWrite = func() {
		if err := put(b, aliceKey, &native.State{Bins: map[string]any{"n": 1}, Generation: 1}); err != nil {
			t.Errorf("concurrent write: %v", err)
		}
	}

	attempts := 0
	add := func(cur *native.State) (*native.State, bool, error) {
		attempts++
		next := &native.State{Bins: map[string]any{"n": int64(1)}, Generation: 1}
		if cur != nil {
			next = cur.Clone()
			next.Bins["n"] = cur.Bins["n"].(int64) + 1
			next.Generation = cur.Generation + 1
		}
		return next, true, nil
	}
	if _, err := b.Mutate(ctx, aliceKey, add); err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("expected a retry after the lost insert, got %d attempts", attempts)
	}
	s, err := b.Load(ctx, aliceKey)
	if err != nil || s.Bins["n"] != int64(2) || s.Generation != 2 {
		t.Fatalf("unexpected state %+v, %v", s, err)
	}
}

func TestBackend_MutateDeleteAndNoWrite(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()

	// Deleting a missing record writes nothing.
	s, err := b.Mutate(ctx, aliceKey, func(*native.State) (*native.State, bool, error) { return nil, true, nil })
	if err != nil || s != nil {
		t.Fatalf("unexpected delete of missing record %+v, %v", s, err)
	}

	if err := put(b, aliceKey, &native.State{Bins: map[string]any{"a": 1}, Generation: 1}); err != nil {
		t.Fatal(err)
	}
	s, err = b.Mutate(ctx, aliceKey, func(cur *native.State) (*native.State, bool, error) { return cur, false, nil })
	if err != nil || s == nil || s.Generation != 1 {
		t.Fatalf("unexpected no-write result %+v, %v", s, err)
	}

	boom := errors.New("boom")
	if _, err := b.Mutate(ctx, aliceKey, func(*native.State) (*native.State, bool, error) { return nil, false, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}

	if _, err := b.Mutate(ctx, aliceKey, func(*native.State) (*native.State, bool, error) { return nil, true, nil }); err != nil {
		t.Fatal(err)
	}
	if s, err := b.Load(ctx, aliceKey); err != nil || s != nil {
		t.Fatalf("expected deleted record, got %+v, %v", s, err)
	}
}

func TestBackend_RejectsInvalidBinNames(t *testing.T) {
	b, _ := newTestBackend()
	err := put(b, aliceKey, &native.State{Bins: map[string]any{"a.b": 1}, Generation: 1})
	if kv.CodeOf(err) != kv.BinTypeError {
		t.Fatalf("expected bin type error, got %v", err)
	}
}

func TestBackend_LoadBatch(t *testing.T) {
	b, _ := newTestBackend()
	bob := &kv.Key{Namespace: "test", SetName: "users", UserKey: "bob"}
	other := &kv.Key{Namespace: "other", SetName: "users", UserKey: "alice"}
	for _, k := range []*kv.Key{aliceKey, other} {
		if err := put(b, k, &native.State{Bins: map[string]any{"ns": k.Namespace}, Generation: 1}); err != nil {
			t.Fatal(err)
		}
	}

	states, err := b.LoadBatch(context.Background(), []*kv.Key{bob, aliceKey, other, aliceKey})
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 4 || states[0] != nil {
		t.Fatalf("unexpected batch %+v", states)
	}
	if states[1] == nil || states[1].Bins["ns"] != "test" || states[3] == nil {
		t.Fatalf("expected alice at positions 1 and 3, got %+v", states)
	}
	if states[2] == nil || states[2].Bins["ns"] != "other" {
		t.Fatalf("expected other namespace at position 2, got %+v", states[2])
	}
}

func TestBackend_Scan(t *testing.T) {
	b, _ := newTestBackend()
	keys := []*kv.Key{
		{Namespace: "test", SetName: "users", UserKey: "bob"},
		{Namespace: "test", SetName: "users", UserKey: "alice"},
		{Namespace: "test", SetName: "orders", UserKey: 7},
	}
	for _, k := range keys {
		if err := put(b, k, &native.State{Bins: map[string]any{"v": 1}, Generation: 1}); err != nil {
			t.Fatal(err)
		}
	}
	expired := &kv.Key{Namespace: "test", SetName: "users", UserKey: "carol"}
	if err := put(b, expired, &native.State{Bins: map[string]any{"v": 1}, Generation: 1, ExpiresAt: testNow.Add(-time.Second)}); err != nil {
		t.Fatal(err)
	}

	var seen []any
	err := b.Scan(context.Background(), "test", "users", func(k *kv.Key, _ *native.State) error {
		seen = append(seen, k.UserKey)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != "alice" || seen[1] != "bob" {
		t.Fatalf("unexpected scan order %v", seen)
	}

	var all int
	stop := errors.New("stop")
	err = b.Scan(context.Background(), "test", "", func(*kv.Key, *native.State) error {
		all++
		if all == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || all != 2 {
		t.Fatalf("expected scan to stop after 2 records, got %d, %v", all, err)
	}
}

func TestBackend_IndexRegistry(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()
	spec := kv.IndexSpec{Namespace: "test", SetName: "users", Name: "idx_age", BinName: "age", Type: kv.IndexNumeric}

	if err := b.CreateIndex(ctx, spec); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateIndex(ctx, spec); kv.CodeOf(err) != kv.IndexFound {
		t.Fatalf("expected IndexFound, got %v", err)
	}
	specs, err := b.Indexes(ctx, "test")
	if err != nil || len(specs) != 1 || specs[0] != spec {
		t.Fatalf("unexpected indexes %+v, %v", specs, err)
	}
	if specs, _ := b.Indexes(ctx, "other"); len(specs) != 0 {
		t.Fatalf("expected no indexes in other namespace, got %+v", specs)
	}
	if err := b.DropIndex(ctx, "test", "users", "idx_age"); err != nil {
		t.Fatal(err)
	}
	if err := b.DropIndex(ctx, "test", "users", "idx_age"); kv.CodeOf(err) != kv.IndexNotFound {
		t.Fatalf("expected IndexNotFound, got %v", err)
	}
}

func TestBackend_Info(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()
	if err := put(b, aliceKey, &native.State{Bins: map[string]any{"a": 1}, Generation: 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateIndex(ctx, kv.IndexSpec{Namespace: "test", Name: "i", BinName: "a", Type: kv.IndexNumeric}); err != nil {
		t.Fatal(err)
	}

	info, err := b.Info(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if info["build"] != "mongodb" || info["version"] != "7.0.14" || info["namespaces"] != "test" {
		t.Fatalf("unexpected default info %v", info)
	}

	info, err = b.Info(ctx, []string{"objects:test", "bogus"})
	if err != nil {
		t.Fatal(err)
	}
	if info["objects:test"] != "1" || info["bogus"] != "" {
		t.Fatalf("unexpected info %v", info)
	}
}

func TestBackend_WrapsDriverErrors(t *testing.T) {
	b, api := newTestBackend()
	api.Collection("test").(*fakeCollection).failWith = mongo.ErrClientDisconnected
	if _, err := b.Load(context.Background(), aliceKey); kv.CodeOf(err) != kv.ClientClosed {
		t.Fatalf("expected ClientClosed, got %v", err)
	}

	api.Collection("test").(*fakeCollection).failWith = errors.New("socket reset")
	if _, err := b.Load(context.Background(), aliceKey); kv.CodeOf(err) != kv.ServerError {
		t.Fatalf("expected ServerError, got %v", err)
	}

	if err := wrapErr(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error to pass through, got %v", err)
	}
}

func TestBackend_PingAndClose(t *testing.T) {
	b, api := newTestBackend()
	if err := b.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	api.pingErr = errors.New("no primary")
	if err := b.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure")
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if api.disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", api.disconnects)
	}
	if _, err := b.Load(context.Background(), aliceKey); kv.CodeOf(err) != kv.ClientClosed {
		t.Fatalf("expected ClientClosed after close, got %v", err)
	}
}
