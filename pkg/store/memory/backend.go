// Package memory is an in-process storage backend. Paired with
// native.WithDirectExecution every command runs on a store event loop, which
// makes it the default backend for tests and local runs.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/loop"
	"github.com/nimburion/kvbridge/pkg/store/native"
)

// Version is reported by the "build" info command.
const Version = "memory-1"

type item struct {
	key   *kv.Key
	state *native.State
	seq   uint64
}

// Backend keeps records in maps guarded by one lock.
type Backend struct {
	mu      sync.RWMutex
	records map[string]*item
	indexes map[string]kv.IndexSpec
	seq     uint64
	closed  bool
	now     func() time.Time
}

var (
	_ native.Backend     = (*Backend)(nil)
	_ native.BatchLoader = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithClock overrides the time source used to expire records.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		records: map[string]*item{},
		indexes: map[string]kv.IndexSpec{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewClient wires a fresh backend into a native client running commands
// directly on the loops of group.
func NewClient(group *loop.Group, opts ...native.Option) (*native.Client, error) {
	opts = append([]native.Option{native.WithDirectExecution()}, opts...)
	return native.New(New(), group, opts...)
}

// recordID identifies a record. Integer user keys of any width address the
// same record.
func recordID(key *kv.Key) string {
	kind := "i"
	switch key.UserKey.(type) {
	case string:
		kind = "s"
	case []byte:
		kind = "b"
	}
	return key.Namespace + "\x00" + key.SetName + "\x00" + kind + "\x00" + key.UserKeyString()
}

func indexID(namespace, name string) string {
	return namespace + "\x00" + name
}

// Name implements native.Backend.
func (b *Backend) Name() string { return "memory" }

func (b *Backend) checkOpen() error {
	if b.closed {
		return kv.NewError(kv.ClientClosed, "memory backend is closed")
	}
	return nil
}

// live returns the item at id unless it is missing or expired. Callers hold b.mu.
func (b *Backend) live(id string) *item {
	it, ok := b.records[id]
	if !ok || it.state.Expired(b.now()) {
		return nil
	}
	return it
}

// Load implements native.Backend.
func (b *Backend) Load(_ context.Context, key *kv.Key) (*native.State, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if it := b.live(recordID(key)); it != nil {
		return it.state.Clone(), nil
	}
	return nil, nil
}

// LoadBatch implements native.BatchLoader.
func (b *Backend) LoadBatch(_ context.Context, keys []*kv.Key) ([]*native.State, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*native.State, len(keys))
	for i, key := range keys {
		if it := b.live(recordID(key)); it != nil {
			out[i] = it.state.Clone()
		}
	}
	return out, nil
}

// Mutate implements native.Backend.
func (b *Backend) Mutate(_ context.Context, key *kv.Key, fn native.Mutation) (*native.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	id := recordID(key)
	it := b.live(id)
	var cur *native.State
	if it != nil {
		cur = it.state.Clone()
	}

	next, write, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if !write {
		return cur, nil
	}
	if next == nil {
		delete(b.records, id)
		return nil, nil
	}

	stored := next.Clone()
	kv.NormalizeBins(stored.Bins)
	if it == nil {
		b.seq++
		it = &item{key: key, seq: b.seq}
		b.records[id] = it
	}
	it.state = stored
	return stored.Clone(), nil
}

// Scan implements native.Backend. Records are visited in insertion order
// from a snapshot, so emit runs without holding the lock.
func (b *Backend) Scan(ctx context.Context, namespace, setName string, emit func(*kv.Key, *native.State) error) error {
	b.mu.RLock()
	if err := b.checkOpen(); err != nil {
		b.mu.RUnlock()
		return err
	}
	now := b.now()
	snapshot := make([]*item, 0, len(b.records))
	for _, it := range b.records {
		if it.key.Namespace != namespace || (setName != "" && it.key.SetName != setName) {
			continue
		}
		if it.state.Expired(now) {
			continue
		}
		snapshot = append(snapshot, &item{key: it.key, state: it.state.Clone(), seq: it.seq})
	}
	b.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].seq < snapshot[j].seq })
	for _, it := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(it.key, it.state); err != nil {
			return err
		}
	}
	return nil
}

// CreateIndex implements native.Backend.
func (b *Backend) CreateIndex(_ context.Context, spec kv.IndexSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}
	id := indexID(spec.Namespace, spec.Name)
	if _, ok := b.indexes[id]; ok {
		return kv.NewError(kv.IndexFound, spec.Name)
	}
	b.indexes[id] = spec
	return nil
}

// DropIndex implements native.Backend.
func (b *Backend) DropIndex(_ context.Context, namespace, _, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}
	id := indexID(namespace, name)
	if _, ok := b.indexes[id]; !ok {
		return kv.NewError(kv.IndexNotFound, name)
	}
	delete(b.indexes, id)
	return nil
}

// Indexes implements native.Backend.
func (b *Backend) Indexes(_ context.Context, namespace string) ([]kv.IndexSpec, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out []kv.IndexSpec
	for _, spec := range b.indexes {
		if spec.Namespace == namespace {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Info implements native.Backend. Supported commands are "build",
// "namespaces", "objects" and "sindex"; others answer with an empty value.
func (b *Backend) Info(_ context.Context, commands []string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		commands = []string{"build", "namespaces", "objects"}
	}

	out := make(map[string]string, len(commands))
	for _, cmd := range commands {
		switch cmd {
		case "build":
			out[cmd] = Version
		case "namespaces":
			out[cmd] = strings.Join(b.namespaces(), ";")
		case "objects":
			out[cmd] = strconv.Itoa(b.objects())
		case "sindex":
			names := make([]string, 0, len(b.indexes))
			for _, spec := range b.indexes {
				names = append(names, spec.Namespace+":"+spec.Name)
			}
			sort.Strings(names)
			out[cmd] = strings.Join(names, ";")
		default:
			out[cmd] = ""
		}
	}
	return out, nil
}

func (b *Backend) namespaces() []string {
	seen := map[string]bool{}
	for _, it := range b.records {
		seen[it.key.Namespace] = true
	}
	names := make([]string, 0, len(seen))
	for ns := range seen {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

func (b *Backend) objects() int {
	now := b.now()
	n := 0
	for _, it := range b.records {
		if !it.state.Expired(now) {
			n++
		}
	}
	return n
}

// Ping implements native.Backend.
func (b *Backend) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.checkOpen()
}

// Close implements native.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
