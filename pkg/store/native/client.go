package native

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/loop"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/resilience"
)

// Client implements kv.AsyncClient over a Backend.
type Client struct {
	backend Backend
	group   *loop.Group
	log     logger.Logger
	udfs    *kv.UDFRegistry
	now     func() time.Time
	// direct runs command work on the event loop itself; otherwise work runs
	// on its own goroutine and only the completion is queued on the loop.
	direct  bool
	breaker *resilience.CircuitBreaker

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

var _ kv.AsyncClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the time source used for expirations.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithUDFRegistry shares a function registry between clients.
func WithUDFRegistry(r *kv.UDFRegistry) Option {
	return func(c *Client) {
		if r != nil {
			c.udfs = r
		}
	}
}

// WithDirectExecution runs command work on the store event loop. Only
// backends that never block, such as the in-memory one, should use it.
func WithDirectExecution() Option {
	return func(c *Client) { c.direct = true }
}

// WithCircuitBreaker fails commands fast with kv.Throttled while cb is open.
// Only server-side failures count against it; see ServerFailure.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// New creates a client whose listeners fire from the loops of group. The
// group is owned by the caller and may be shared with the application runtime.
func New(backend Backend, group *loop.Group, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if group == nil {
		return nil, errors.New("event loop group is required")
	}
	c := &Client{
		backend: backend,
		group:   group,
		log:     logger.Nop(),
		udfs:    kv.NewUDFRegistry(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("backend", backend.Name())
	return c, nil
}

// Backend returns the storage backend.
func (c *Client) Backend() Backend { return c.backend }

// Group returns the store event loop group.
func (c *Client) Group() *loop.Group { return c.group }

// RegisterUDF installs a record function callable through Execute.
func (c *Client) RegisterUDF(packageName, functionName string, fn kv.UDF) {
	c.udfs.Register(packageName, functionName, fn)
}

// HealthCheck verifies the backend is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return kv.NewError(kv.ClientClosed, "client is closed")
	}

	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.backend.Ping(hcCtx); err != nil {
		c.log.Error("store health check failed", "error", err)
		return fmt.Errorf("%s health check failed: %w", c.backend.Name(), err)
	}
	return nil
}

// Close rejects new commands, waits for accepted ones to deliver their
// outcome and closes the backend. It must not be called from a loop of the
// store group. The group itself stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.log.Info("closing store client")
	c.inflight.Wait()
	if err := c.backend.Close(); err != nil {
		c.log.Error("failed to close store backend", "error", err)
		return fmt.Errorf("failed to close %s backend: %w", c.backend.Name(), err)
	}
	return nil
}
