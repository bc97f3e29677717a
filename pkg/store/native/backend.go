// Package native implements the callback-based store client on top of a
// synchronous storage Backend.
//
// Client owns the asynchronous contract of kv.AsyncClient: commands are
// accepted or rejected synchronously, their work runs on a store event loop
// (or on a goroutine for backends doing network I/O), and every listener
// fires from a loop of the store's group. The record semantics shared by all
// backends (record-exists actions, generations, TTL, operate, UDFs) live here
// too, so a Backend only stores and loads record state.
package native

import (
	"context"
	"time"

	"github.com/nimburion/kvbridge/pkg/kv"
)

// State is a stored record.
type State struct {
	Bins       map[string]any
	Generation uint32
	// ExpiresAt is zero for records that never expire.
	ExpiresAt time.Time
}

// Expired reports whether s is past its expiration at now.
func (s *State) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep enough copy for callers to mutate the bin map.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	bins := make(map[string]any, len(s.Bins))
	for k, v := range s.Bins {
		bins[k] = v
	}
	return &State{Bins: bins, Generation: s.Generation, ExpiresAt: s.ExpiresAt}
}

// Mutation computes the next state of a record from the current one, nil when
// the record is missing. With write false nothing is stored. With write true
// and a nil next state the record is deleted. A Backend may call a Mutation
// more than once when it loses an optimistic concurrency race.
type Mutation func(current *State) (next *State, write bool, err error)

// Backend is the synchronous storage behind a Client. Implementations must be
// safe for concurrent use and must report failures as *kv.Error where a
// result code applies.
type Backend interface {
	// Name identifies the backend in logs and spans, e.g. "redis".
	Name() string

	// Load returns the record at key, or nil when it is missing or expired.
	Load(ctx context.Context, key *kv.Key) (*State, error)

	// Mutate atomically applies fn to the record at key and returns the
	// stored state afterwards, nil when the record no longer exists.
	Mutate(ctx context.Context, key *kv.Key, fn Mutation) (*State, error)

	// Scan calls emit for every live record of namespace, restricted to
	// setName unless it is empty, in backend order. A non-nil error from
	// emit stops the scan and is returned.
	Scan(ctx context.Context, namespace, setName string, emit func(*kv.Key, *State) error) error

	CreateIndex(ctx context.Context, spec kv.IndexSpec) error
	DropIndex(ctx context.Context, namespace, setName, name string) error
	Indexes(ctx context.Context, namespace string) ([]kv.IndexSpec, error)

	// Info answers info commands. No commands means a default summary.
	Info(ctx context.Context, commands []string) (map[string]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// BatchLoader is implemented by backends that read several records in one
// round trip. Results are positional; missing records are nil.
type BatchLoader interface {
	LoadBatch(ctx context.Context, keys []*kv.Key) ([]*State, error)
}
