package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimburion/kvbridge/pkg/client"
	"github.com/nimburion/kvbridge/pkg/config"
	"github.com/nimburion/kvbridge/pkg/future"
	"github.com/nimburion/kvbridge/pkg/loop"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/observability/metrics"
	"github.com/nimburion/kvbridge/pkg/observability/tracing"
	"github.com/nimburion/kvbridge/pkg/store"
	"github.com/nimburion/kvbridge/pkg/store/native"
	"github.com/nimburion/kvbridge/pkg/version"
)

// Runtime is the process-side wiring shared by the data commands: the caller
// contexts, the store event loops, the native client and the facade over it.
type Runtime struct {
	Config   *config.Config
	Log      logger.Logger
	Contexts *loop.Group
	// Store equals Contexts when the selector is "context".
	Store   *loop.Group
	Native  *native.Client
	Client  *client.Client
	Metrics *metrics.Registry
	Tracing *tracing.TracerProvider
}

// NewRuntime builds a Runtime from cfg. Close releases everything it opened.
func NewRuntime(ctx context.Context, cfg *config.Config, log logger.Logger) (*Runtime, error) {
	if log == nil {
		log = logger.Nop()
	}
	rt := &Runtime{Config: cfg, Log: log}

	var err error
	rt.Contexts, err = loop.NewGroup("runtime", cfg.Runtime.Contexts, log)
	if err != nil {
		return nil, fmt.Errorf("create runtime contexts: %w", err)
	}
	if cfg.Store.Selector == config.SelectorContext {
		rt.Store = rt.Contexts
	} else if rt.Store, err = loop.NewGroup("store", cfg.Store.EventLoops, log); err != nil {
		rt.Contexts.Close()
		return nil, fmt.Errorf("create store event loops: %w", err)
	}

	if rt.Native, err = store.NewAsyncClient(cfg.Store, rt.Store, log); err != nil {
		rt.closeLoops()
		return nil, fmt.Errorf("create native store client: %w", err)
	}

	info := version.Current(cfg.Service.Name)
	rt.Tracing, err = tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: info.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		_ = rt.Native.Close()
		rt.closeLoops()
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}

	rt.Metrics = metrics.NewRegistry()
	rt.Client, err = client.New(rt.Native,
		client.WithLogger(log),
		client.WithEventLoopSelector(selectorFor(cfg.Store.Selector, rt.Store)),
		client.WithTracer(rt.Tracing.Tracer("github.com/nimburion/kvbridge")),
		client.WithMetrics(rt.Metrics.Operations()),
		client.WithSystem(rt.Native.Backend().Name()),
	)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	log.Info("runtime ready",
		"contexts", rt.Contexts.Size(),
		"store_event_loops", rt.Store.Size(),
		"selector", cfg.Store.Selector,
		"store", rt.Native.Backend().Name(),
	)
	return rt, nil
}

func selectorFor(name string, g *loop.Group) client.EventLoopSelector {
	switch name {
	case config.SelectorNative:
		return client.NativeSelector()
	case config.SelectorContext:
		return client.ContextSelector(g, nil)
	default:
		return client.NextSelector(g)
	}
}

// Context returns the caller context for the i-th unit of work.
func (rt *Runtime) Context(i int) *loop.EventLoop {
	return rt.Contexts.Get(i % rt.Contexts.Size())
}

// Close stops the native client, the loops and the tracer, in that order.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Native != nil {
		errs = append(errs, rt.Native.Close())
	}
	rt.closeLoops()
	if rt.Tracing != nil {
		errs = append(errs, rt.Tracing.Shutdown(ctx))
	}
	if a, ok := rt.Log.(*logger.AsyncLogger); ok {
		a.Close()
	}
	return errors.Join(errs...)
}

func (rt *Runtime) closeLoops() {
	if rt.Store != nil && rt.Store != rt.Contexts {
		rt.Store.Close()
	}
	if rt.Contexts != nil {
		rt.Contexts.Close()
	}
}

// submit issues an operation from ec and returns the future it produced.
// The facade is only ever called from a runtime context.
func submit[T any](ec *loop.EventLoop, issue func() *future.Future[T]) (*future.Future[T], error) {
	type issued struct {
		f   *future.Future[T]
		err error
	}
	ch := make(chan issued, 1)
	err := ec.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- issued{err: fmt.Errorf("issue operation: %v", r)}
			}
		}()
		ch <- issued{f: issue()}
	})
	if err != nil {
		return nil, err
	}
	res := <-ch
	return res.f, res.err
}

// await issues an operation from ec and blocks until it resolves or ctx ends.
// An abandoned future is cancelled.
func await[T any](ctx context.Context, ec *loop.EventLoop, issue func() *future.Future[T]) (T, error) {
	f, err := submit(ec, issue)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := f.Await(ctx)
	if ctx.Err() != nil {
		f.Cancel()
	}
	return v, err
}
