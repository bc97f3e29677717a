package health

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/kvbridge/pkg/client"
	"github.com/nimburion/kvbridge/pkg/loop"
)

// DefaultTimeout bounds a single check when none is given.
const DefaultTimeout = 5 * time.Second

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker checks any component that implements Checkable, typically
// the native store client.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a new health checker for an adapter
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.adapter.HealthCheck(checkCtx); err != nil {
		return failed(c.name, start, err)
	}
	return healthy(c.name, start, "OK")
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string { return c.name }

// LoopChecker probes every loop of a group with a no-op task. A loop that
// rejects the probe or does not run it in time is unhealthy. A backlog above
// maxPending marks the group degraded.
type LoopChecker struct {
	name       string
	group      *loop.Group
	timeout    time.Duration
	maxPending int
}

// NewLoopChecker creates a checker for group. maxPending <= 0 disables the
// backlog check.
func NewLoopChecker(name string, group *loop.Group, timeout time.Duration, maxPending int) *LoopChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LoopChecker{name: name, group: group, timeout: timeout, maxPending: maxPending}
}

// Check probes the loops one after another.
func (c *LoopChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status := StatusHealthy
	pending := make(map[string]any, c.group.Size())
	for _, l := range c.group.Loops() {
		pending[l.ID()] = l.Pending()
		if c.maxPending > 0 && l.Pending() > c.maxPending {
			status = StatusDegraded
		}
		ran := make(chan struct{})
		if err := l.Execute(func() { close(ran) }); err != nil {
			return failed(c.name, start, err)
		}
		select {
		case <-ran:
		case <-ctx.Done():
			return failed(c.name, start, fmt.Errorf("loop %s did not run probe: %w", l.ID(), ctx.Err()))
		}
	}

	result := healthy(c.name, start, fmt.Sprintf("%d loops responsive", c.group.Size()))
	result.Status = status
	result.Metadata = map[string]any{"pending": pending}
	if status == StatusDegraded {
		result.Message = "event loop backlog above threshold"
	}
	return result
}

// Name returns the name of the health check
func (c *LoopChecker) Name() string { return c.name }

// BridgeChecker issues a store info command through the facade from ec and
// waits for the continuation to run there. It fails when the store is
// unreachable or when completions no longer reach ec.
type BridgeChecker struct {
	name    string
	client  *client.Client
	ec      loop.Context
	timeout time.Duration
}

// NewBridgeChecker creates a round-trip checker for c on ec.
func NewBridgeChecker(name string, c *client.Client, ec loop.Context, timeout time.Duration) *BridgeChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &BridgeChecker{name: name, client: c, ec: ec, timeout: timeout}
}

// Check runs the round trip.
func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	delivered := make(chan error, 1)
	f := c.client.Info(ctx, c.ec, nil, "build")
	f.OnComplete(func(_ map[string]string, err error) { delivered <- err })

	select {
	case err := <-delivered:
		if err != nil {
			return failed(c.name, start, err)
		}
		return healthy(c.name, start, "completion delivered on "+c.ec.ID())
	case <-ctx.Done():
		if _, err, done := f.Result(); done {
			return failed(c.name, start, fmt.Errorf("completion not delivered on %s: %v", c.ec.ID(), err))
		}
		f.Cancel()
		return failed(c.name, start, ctx.Err())
	}
}

// Name returns the name of the health check
func (c *BridgeChecker) Name() string { return c.name }

// CustomChecker allows creating a health checker from a custom function
type CustomChecker struct {
	name      string
	checkFunc func(ctx context.Context) (Status, string, error)
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFunc func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{name: name, checkFunc: checkFunc}
}

// Check executes the custom check function
func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checkFunc(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// Name returns the name of the health check
func (c *CustomChecker) Name() string { return c.name }

func healthy(name string, start time.Time, message string) CheckResult {
	return CheckResult{
		Name:      name,
		Status:    StatusHealthy,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

func failed(name string, start time.Time, err error) CheckResult {
	return CheckResult{
		Name:      name,
		Status:    StatusUnhealthy,
		Error:     err.Error(),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}
