package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/kvbridge/pkg/health"
)

// newHealthRegistry registers the store, loop and round-trip checks of rt.
func newHealthRegistry(rt *Runtime, timeout time.Duration, maxPending int) *health.Registry {
	reg := health.NewRegistry()
	reg.Register(health.NewAdapterChecker("store", rt.Native, timeout))
	reg.Register(health.NewLoopChecker("runtime-contexts", rt.Contexts, timeout, maxPending))
	if rt.Store != rt.Contexts {
		reg.Register(health.NewLoopChecker("store-event-loops", rt.Store, timeout, maxPending))
	}
	reg.Register(health.NewBridgeChecker("bridge", rt.Client, rt.Context(0), timeout))
	return reg
}

func newHealthCommand(g *globalFlags) *cobra.Command {
	var (
		timeout    time.Duration
		maxPending int
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the store, the event loops and completion delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				result := newHealthRegistry(rt, timeout, maxPending).Check(ctx)
				if err := writeYAML(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				switch result.Status {
				case health.StatusHealthy:
					return nil
				case health.StatusDegraded:
					return &ExitError{Code: 2, Err: fmt.Errorf("healthcheck: %s", result.Status)}
				default:
					return fmt.Errorf("healthcheck: %s", result.Status)
				}
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", health.DefaultTimeout, "timeout per check")
	cmd.Flags().IntVar(&maxPending, "max-pending", 1000, "queued tasks per loop above which the loop is degraded (0 disables)")
	return cmd
}
