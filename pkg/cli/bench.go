package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nimburion/kvbridge/pkg/future"
	"github.com/nimburion/kvbridge/pkg/kv"
)

// BenchOptions configures a bench run.
type BenchOptions struct {
	Requests    int
	Rate        float64
	Concurrency int
	Keys        int
	Namespace   string
	Set         string
}

// BenchReport summarizes a bench run.
type BenchReport struct {
	Store              string           `yaml:"store"`
	Selector           string           `yaml:"selector"`
	Requests           int              `yaml:"requests"`
	Succeeded          int64            `yaml:"succeeded"`
	Failed             int64            `yaml:"failed"`
	AffinityViolations int64            `yaml:"affinity_violations"`
	Duration           string           `yaml:"duration"`
	OpsPerSecond       float64          `yaml:"ops_per_second"`
	PerContext         map[string]int64 `yaml:"per_context"`
	Interrupted        bool             `yaml:"interrupted,omitempty"`
}

// Bench issues opts.Requests put-then-get chains spread round-robin over the
// runtime contexts and checks that every continuation ran on the context
// that issued it.
func Bench(ctx context.Context, rt *Runtime, opts BenchOptions) (*BenchReport, error) {
	if opts.Requests <= 0 {
		return nil, errors.New("requests must be at least 1")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Keys <= 0 {
		opts.Keys = opts.Requests
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	limiter := rate.NewLimiter(limit, opts.Concurrency)

	var (
		succeeded  atomic.Int64
		failed     atomic.Int64
		violations atomic.Int64
	)
	perContext := make([]atomic.Int64, rt.Contexts.Size())

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	interrupted := false
	for i := 0; i < opts.Requests; i++ {
		if err := limiter.Wait(gctx); err != nil {
			interrupted = true
			break
		}
		ec := rt.Context(i)
		key, err := kv.NewKey(opts.Namespace, opts.Set, fmt.Sprintf("bench-%d", i%opts.Keys))
		if err != nil {
			return nil, err
		}
		seq := int64(i)
		g.Go(func() error {
			done := make(chan error, 1)
			f, err := submit(ec, func() *future.Future[*kv.KeyRecord] {
				put := rt.Client.Put(gctx, ec, nil, key, kv.NewBin("seq", seq))
				return future.Compose(put, func(k *kv.Key) *future.Future[*kv.KeyRecord] {
					if !ec.InLoop() {
						violations.Add(1)
					}
					return rt.Client.Get(gctx, ec, nil, k)
				}).OnComplete(func(_ *kv.KeyRecord, err error) {
					if !ec.InLoop() {
						violations.Add(1)
					}
					perContext[ec.Index()].Add(1)
					done <- err
				})
			})
			if err != nil {
				failed.Add(1)
				return nil
			}
			select {
			case err = <-done:
			case <-gctx.Done():
				f.Cancel()
				return gctx.Err()
			}
			if err != nil {
				failed.Add(1)
				rt.Log.Debug("bench operation failed", "key", key.String(), "error", err)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		interrupted = true
	}
	elapsed := time.Since(start)

	report := &BenchReport{
		Store:              rt.Native.Backend().Name(),
		Selector:           rt.Config.Store.Selector,
		Requests:           opts.Requests,
		Succeeded:          succeeded.Load(),
		Failed:             failed.Load(),
		AffinityViolations: violations.Load(),
		Duration:           elapsed.Round(time.Millisecond).String(),
		PerContext:         make(map[string]int64, len(perContext)),
		Interrupted:        interrupted,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		report.OpsPerSecond = float64(report.Succeeded+report.Failed) / secs
	}
	for i := range perContext {
		report.PerContext[rt.Contexts.Get(i).ID()] = perContext[i].Load()
	}
	return report, nil
}

func newBenchCommand(g *globalFlags) *cobra.Command {
	opts := BenchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load the bridge and verify completions stay on their contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Namespace = g.namespace
			opts.Set = g.set
			return g.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				if m := rt.Config.Observability.Metrics; m.Enabled {
					srv := serveMetrics(rt, m.Address, m.Path)
					defer func() {
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						_ = srv.Shutdown(shutdownCtx)
					}()
				}

				report, err := Bench(ctx, rt, opts)
				if err != nil {
					return err
				}
				if err := writeYAML(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.AffinityViolations > 0 {
					return fmt.Errorf("bench: %d continuations ran off their context", report.AffinityViolations)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.Requests, "requests", 1000, "number of put-then-get chains")
	cmd.Flags().Float64Var(&opts.Rate, "rate", 0, "chains started per second (0 unlimited)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 64, "chains in flight at once")
	cmd.Flags().IntVar(&opts.Keys, "keys", 100, "size of the key space")
	return cmd
}

func serveMetrics(rt *Runtime, addr, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, rt.Metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		rt.Log.Info("serving metrics", "address", addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Log.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
