package kv

import (
	"context"

	"github.com/nimburion/kvbridge/pkg/loop"
)

// Listener receives the single outcome of a native command. Native clients
// call it exactly once, from one of their own event loops.
type Listener[T any] func(result T, err error)

// RecordSequence receives the records of a scan or query, one call per record
// in store order, followed by exactly one Done call.
type RecordSequence struct {
	Record func(*KeyRecord)
	Done   func(error)
}

// AsyncClient is the callback-based native store client.
//
// Every command returns immediately. A non-nil return value means the command
// was not accepted and the listener will not be called. Otherwise the listener
// fires exactly once from the event loop el (or, when el is nil, from a loop
// the client picks round-robin). ctx bounds the command; backends that honor
// it stop I/O when it is cancelled and report ctx.Err() as the outcome.
// A nil policy selects the client default.
type AsyncClient interface {
	Put(ctx context.Context, el *loop.EventLoop, policy *WritePolicy, key *Key, bins []*Bin, listener Listener[*Key]) error
	Append(ctx context.Context, el *loop.EventLoop, policy *WritePolicy, key *Key, bins []*Bin, listener Listener[*Key]) error
	Prepend(ctx context.Context, el *loop.EventLoop, policy *WritePolicy, key *Key, bins []*Bin, listener Listener[*Key]) error
	Add(ctx context.Context, el *loop.EventLoop, policy *WritePolicy, key *Key, bins []*Bin, listener Listener[*Key]) error
	Touch(ctx context.Context, el *loop.EventLoop, policy *WritePolicy, key *Key, listener Listener[*Key]) error

	Delete(ctx context.Context, el *loop.EventLoop, policy *WritePolicy, key *Key, listener Listener[DeleteResult]) error
	DeleteBatch(ctx context.Context, el *loop.EventLoop, policy *BatchPolicy, keys []*Key, listener Listener[[]*BatchRecord]) error

	Exists(ctx context.Context, el *loop.EventLoop, policy *BasePolicy, key *Key, listener Listener[bool]) error
	ExistsBatch(ctx context.Context, el *loop.EventLoop, policy *BatchPolicy, keys []*Key, listener Listener[ExistsArray]) error

	Get(ctx context.Context, el *loop.EventLoop, policy *BasePolicy, key *Key, binNames []string, listener Listener[*KeyRecord]) error
	GetHeader(ctx context.Context, el *loop.EventLoop, policy *BasePolicy, key *Key, listener Listener[*KeyRecord]) error
	GetBatch(ctx context.Context, el *loop.EventLoop, policy *BatchPolicy, keys []*Key, binNames []string, listener Listener[RecordArray]) error
	BatchGet(ctx context.Context, el *loop.EventLoop, policy *BatchPolicy, reads []*BatchRead, listener Listener[[]*BatchRead]) error

	Operate(ctx context.Context, el *loop.EventLoop, policy *WritePolicy, key *Key, ops []*Operation, listener Listener[*KeyRecord]) error
	Execute(ctx context.Context, el *loop.EventLoop, policy *WritePolicy, key *Key, packageName, functionName string, args []any, listener Listener[ExecuteResult]) error

	ScanAll(ctx context.Context, el *loop.EventLoop, policy *ScanPolicy, namespace, setName string, binNames []string, seq RecordSequence) error
	Query(ctx context.Context, el *loop.EventLoop, policy *QueryPolicy, stmt *Statement, seq RecordSequence) error

	CreateIndex(ctx context.Context, el *loop.EventLoop, policy *BasePolicy, spec IndexSpec, listener Listener[struct{}]) error
	DropIndex(ctx context.Context, el *loop.EventLoop, policy *BasePolicy, namespace, setName, indexName string, listener Listener[struct{}]) error
	Info(ctx context.Context, el *loop.EventLoop, policy *InfoPolicy, commands []string, listener Listener[map[string]string]) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
	// Close releases backend resources. Commands issued afterwards are rejected.
	Close() error
}
