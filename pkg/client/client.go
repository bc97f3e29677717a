package client

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/kvbridge/pkg/future"
	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/loop"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/observability/metrics"
)

// Client exposes every native store command as a future that resolves on the
// caller's execution context. It holds no per-operation state and is safe for
// concurrent use. The native client is owned by the caller.
type Client struct {
	native   kv.AsyncClient
	log      logger.Logger
	selector EventLoopSelector
	tracer   trace.Tracer
	metrics  *metrics.Operations
	system   string
}

// New wraps native.
func New(native kv.AsyncClient, opts ...Option) (*Client, error) {
	if native == nil {
		return nil, errors.New("native client is required")
	}
	c := &Client{
		native:   native,
		log:      logger.Nop(),
		selector: NativeSelector(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Native returns the wrapped native client.
func (c *Client) Native() kv.AsyncClient { return c.native }

// HealthCheck verifies the native backend is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.native.HealthCheck(ctx)
}

// Put writes bins to the record at key. The future resolves on ec with key.
func (c *Client) Put(ctx context.Context, ec loop.Context, policy *kv.WritePolicy, key *kv.Key, bins ...*kv.Bin) *future.Future[*kv.Key] {
	return call(c, ctx, ec, keyRequest("put", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[*kv.Key]) error {
		return c.native.Put(ctx, el, policy, key, bins, l)
	})
}

// Append appends string values to existing bin values. The future resolves on ec.
func (c *Client) Append(ctx context.Context, ec loop.Context, policy *kv.WritePolicy, key *kv.Key, bins ...*kv.Bin) *future.Future[*kv.Key] {
	return call(c, ctx, ec, keyRequest("append", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[*kv.Key]) error {
		return c.native.Append(ctx, el, policy, key, bins, l)
	})
}

// Prepend prepends string values to existing bin values. The future resolves on ec.
func (c *Client) Prepend(ctx context.Context, ec loop.Context, policy *kv.WritePolicy, key *kv.Key, bins ...*kv.Bin) *future.Future[*kv.Key] {
	return call(c, ctx, ec, keyRequest("prepend", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[*kv.Key]) error {
		return c.native.Prepend(ctx, el, policy, key, bins, l)
	})
}

// Add adds integer values to existing bin values. The future resolves on ec.
func (c *Client) Add(ctx context.Context, ec loop.Context, policy *kv.WritePolicy, key *kv.Key, bins ...*kv.Bin) *future.Future[*kv.Key] {
	return call(c, ctx, ec, keyRequest("add", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[*kv.Key]) error {
		return c.native.Add(ctx, el, policy, key, bins, l)
	})
}

// Touch resets the record's expiration and bumps its generation. Touching a
// missing record fails with kv.ErrKeyNotFound.
func (c *Client) Touch(ctx context.Context, ec loop.Context, policy *kv.WritePolicy, key *kv.Key) *future.Future[*kv.Key] {
	return call(c, ctx, ec, keyRequest("touch", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[*kv.Key]) error {
		return c.native.Touch(ctx, el, policy, key, l)
	})
}

// Delete removes the record. Deleting a missing record succeeds with Existed false.
func (c *Client) Delete(ctx context.Context, ec loop.Context, policy *kv.WritePolicy, key *kv.Key) *future.Future[kv.DeleteResult] {
	return call(c, ctx, ec, keyRequest("delete", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[kv.DeleteResult]) error {
		return c.native.Delete(ctx, el, policy, key, l)
	})
}

// DeleteBatch removes several records. Per-key outcomes are in the result codes.
func (c *Client) DeleteBatch(ctx context.Context, ec loop.Context, policy *kv.BatchPolicy, keys []*kv.Key) *future.Future[[]*kv.BatchRecord] {
	return call(c, ctx, ec, batchRequest("delete_batch", keys), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[[]*kv.BatchRecord]) error {
		return c.native.DeleteBatch(ctx, el, policy, keys, l)
	})
}

// Exists reports whether the record exists.
func (c *Client) Exists(ctx context.Context, ec loop.Context, policy *kv.BasePolicy, key *kv.Key) *future.Future[bool] {
	return call(c, ctx, ec, keyRequest("exists", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[bool]) error {
		return c.native.Exists(ctx, el, policy, key, l)
	})
}

// ExistsBatch checks several records at once.
func (c *Client) ExistsBatch(ctx context.Context, ec loop.Context, policy *kv.BatchPolicy, keys []*kv.Key) *future.Future[kv.ExistsArray] {
	return call(c, ctx, ec, batchRequest("exists_batch", keys), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[kv.ExistsArray]) error {
		return c.native.ExistsBatch(ctx, el, policy, keys, l)
	})
}

// Get reads the named bins, or every bin when none are named. A missing
// record resolves with a nil Record.
func (c *Client) Get(ctx context.Context, ec loop.Context, policy *kv.BasePolicy, key *kv.Key, binNames ...string) *future.Future[*kv.KeyRecord] {
	return call(c, ctx, ec, keyRequest("get", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[*kv.KeyRecord]) error {
		return c.native.Get(ctx, el, policy, key, binNames, l)
	})
}

// GetHeader reads generation and expiration only.
func (c *Client) GetHeader(ctx context.Context, ec loop.Context, policy *kv.BasePolicy, key *kv.Key) *future.Future[*kv.KeyRecord] {
	return call(c, ctx, ec, keyRequest("get_header", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[*kv.KeyRecord]) error {
		return c.native.GetHeader(ctx, el, policy, key, l)
	})
}

// GetBatch reads several records. Missing records are nil in the result.
func (c *Client) GetBatch(ctx context.Context, ec loop.Context, policy *kv.BatchPolicy, keys []*kv.Key, binNames ...string) *future.Future[kv.RecordArray] {
	return call(c, ctx, ec, batchRequest("get_batch", keys), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[kv.RecordArray]) error {
		return c.native.GetBatch(ctx, el, policy, keys, binNames, l)
	})
}

// BatchGet reads several records with per-key bin selection.
func (c *Client) BatchGet(ctx context.Context, ec loop.Context, policy *kv.BatchPolicy, reads []*kv.BatchRead) *future.Future[[]*kv.BatchRead] {
	keys := make([]*kv.Key, 0, len(reads))
	for _, r := range reads {
		if r != nil {
			keys = append(keys, r.Key)
		}
	}
	return call(c, ctx, ec, batchRequest("batch_get", keys), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[[]*kv.BatchRead]) error {
		return c.native.BatchGet(ctx, el, policy, reads, l)
	})
}

// Operate applies ops to one record atomically and returns the bins they read.
func (c *Client) Operate(ctx context.Context, ec loop.Context, policy *kv.WritePolicy, key *kv.Key, ops ...*kv.Operation) *future.Future[*kv.KeyRecord] {
	return call(c, ctx, ec, keyRequest("operate", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[*kv.KeyRecord]) error {
		return c.native.Operate(ctx, el, policy, key, ops, l)
	})
}

// Execute runs a registered user-defined function against one record.
func (c *Client) Execute(ctx context.Context, ec loop.Context, policy *kv.WritePolicy, key *kv.Key, packageName, functionName string, args ...any) *future.Future[kv.ExecuteResult] {
	return call(c, ctx, ec, keyRequest("execute", key), func(ctx context.Context, el *loop.EventLoop, l kv.Listener[kv.ExecuteResult]) error {
		return c.native.Execute(ctx, el, policy, key, packageName, functionName, args, l)
	})
}

// ScanAll streams every record of a set to onRecord on ec, in store order.
// Returning false from onRecord stops the scan. The future resolves on ec
// with the number of records delivered; on failure Await still returns the
// records delivered before the error.
func (c *Client) ScanAll(ctx context.Context, ec loop.Context, policy *kv.ScanPolicy, namespace, setName string, onRecord func(*kv.KeyRecord) bool, binNames ...string) *future.Future[int] {
	req := request{op: "scan_all", ns: namespace, set: setName}
	return stream(c, ctx, ec, req, onRecord, func(ctx context.Context, el *loop.EventLoop, seq kv.RecordSequence) error {
		return c.native.ScanAll(ctx, el, policy, namespace, setName, binNames, seq)
	})
}

// Query streams the records matching stmt to onRecord on ec. It behaves like ScanAll.
func (c *Client) Query(ctx context.Context, ec loop.Context, policy *kv.QueryPolicy, stmt *kv.Statement, onRecord func(*kv.KeyRecord) bool) *future.Future[int] {
	req := request{op: "query"}
	if stmt != nil {
		req.ns, req.set = stmt.Namespace, stmt.SetName
	}
	return stream(c, ctx, ec, req, onRecord, func(ctx context.Context, el *loop.EventLoop, seq kv.RecordSequence) error {
		return c.native.Query(ctx, el, policy, stmt, seq)
	})
}

// CreateIndex creates a secondary index on a bin.
func (c *Client) CreateIndex(ctx context.Context, ec loop.Context, policy *kv.BasePolicy, namespace, setName, indexName, binName string, indexType kv.IndexType) *future.Future[struct{}] {
	spec := kv.IndexSpec{Namespace: namespace, SetName: setName, Name: indexName, BinName: binName, Type: indexType}
	req := request{op: "create_index", ns: namespace, set: setName}
	return call(c, ctx, ec, req, func(ctx context.Context, el *loop.EventLoop, l kv.Listener[struct{}]) error {
		return c.native.CreateIndex(ctx, el, policy, spec, l)
	})
}

// DropIndex removes a secondary index.
func (c *Client) DropIndex(ctx context.Context, ec loop.Context, policy *kv.BasePolicy, namespace, setName, indexName string) *future.Future[struct{}] {
	req := request{op: "drop_index", ns: namespace, set: setName}
	return call(c, ctx, ec, req, func(ctx context.Context, el *loop.EventLoop, l kv.Listener[struct{}]) error {
		return c.native.DropIndex(ctx, el, policy, namespace, setName, indexName, l)
	})
}

// Info sends info commands to the backend and returns name/value pairs.
func (c *Client) Info(ctx context.Context, ec loop.Context, policy *kv.InfoPolicy, commands ...string) *future.Future[map[string]string] {
	return call(c, ctx, ec, request{op: "info"}, func(ctx context.Context, el *loop.EventLoop, l kv.Listener[map[string]string]) error {
		return c.native.Info(ctx, el, policy, commands, l)
	})
}
