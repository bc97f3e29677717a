package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/kvbridge/pkg/future"
	"github.com/nimburion/kvbridge/pkg/kv"
)

// recordView is the YAML shape of a record printed by the data commands.
type recordView struct {
	Namespace  string         `yaml:"namespace"`
	Set        string         `yaml:"set"`
	Key        string         `yaml:"key"`
	Generation uint32         `yaml:"generation"`
	Expiration uint32         `yaml:"expiration,omitempty"`
	Bins       map[string]any `yaml:"bins,omitempty"`
}

func viewOf(kr *kv.KeyRecord) recordView {
	v := recordView{
		Namespace: kr.Key.Namespace,
		Set:       kr.Key.SetName,
		Key:       kr.Key.UserKeyString(),
	}
	if kr.Record != nil {
		v.Generation = kr.Record.Generation
		v.Expiration = kr.Record.Expiration
		v.Bins = kr.Record.Bins
	}
	return v
}

// withRuntime loads configuration, builds a Runtime and runs fn with it.
func (g *globalFlags) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *Runtime) error) error {
	cfg, log, err := g.loadConfigAndLogger(cmd.Flags(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := NewRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.Background()); cerr != nil {
			log.Warn("runtime shutdown failed", "error", cerr)
		}
	}()
	return fn(ctx, rt)
}

func (g *globalFlags) key(userKey string) (*kv.Key, error) {
	return kv.NewKey(g.namespace, g.set, userKey)
}

// parseBins turns BIN=VALUE arguments into bins. Values that parse as
// integers, floats or booleans keep that type; everything else is a string.
func parseBins(args []string) ([]*kv.Bin, error) {
	bins := make([]*kv.Bin, 0, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid bin %q: expected BIN=VALUE", arg)
		}
		bins = append(bins, kv.NewBin(strings.TrimSpace(name), parseValue(raw)))
	}
	return bins, nil
}

func parseValue(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func newPutCommand(g *globalFlags) *cobra.Command {
	var (
		ttl        uint32
		createOnly bool
		generation uint32
	)
	cmd := &cobra.Command{
		Use:   "put KEY BIN=VALUE...",
		Short: "Write bins to a record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := g.key(args[0])
			if err != nil {
				return err
			}
			bins, err := parseBins(args[1:])
			if err != nil {
				return err
			}
			policy := &kv.WritePolicy{Expiration: ttl}
			if createOnly {
				policy.RecordExistsAction = kv.CreateOnly
			}
			if generation > 0 {
				policy.GenerationPolicy = kv.ExpectGenEqual
				policy.Generation = generation
			}
			return g.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				ec := rt.Context(0)
				// Read back on the same context so the output shows the new generation.
				rec, err := await(ctx, ec, func() *future.Future[*kv.KeyRecord] {
					return future.Compose(rt.Client.Put(ctx, ec, policy, key, bins...), func(k *kv.Key) *future.Future[*kv.KeyRecord] {
						return rt.Client.GetHeader(ctx, ec, nil, k)
					})
				})
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), viewOf(rec))
			})
		},
	}
	cmd.Flags().Uint32Var(&ttl, "ttl", 0, "record time to live in seconds (0 never expires)")
	cmd.Flags().BoolVar(&createOnly, "create-only", false, "fail when the record already exists")
	cmd.Flags().Uint32Var(&generation, "generation", 0, "expected record generation")
	return cmd
}

func newGetCommand(g *globalFlags) *cobra.Command {
	var headerOnly bool
	cmd := &cobra.Command{
		Use:   "get KEY [BIN...]",
		Short: "Read a record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := g.key(args[0])
			if err != nil {
				return err
			}
			return g.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				ec := rt.Context(0)
				rec, err := await(ctx, ec, func() *future.Future[*kv.KeyRecord] {
					if headerOnly {
						return rt.Client.GetHeader(ctx, ec, nil, key)
					}
					return rt.Client.Get(ctx, ec, nil, key, args[1:]...)
				})
				if err != nil {
					return err
				}
				if rec.Record == nil {
					return fmt.Errorf("record %s: %w", key, kv.ErrKeyNotFound)
				}
				return writeYAML(cmd.OutOrStdout(), viewOf(rec))
			})
		},
	}
	cmd.Flags().BoolVar(&headerOnly, "header", false, "read generation and expiration only")
	return cmd
}

func newDeleteCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := g.key(args[0])
			if err != nil {
				return err
			}
			return g.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				ec := rt.Context(0)
				res, err := await(ctx, ec, func() *future.Future[kv.DeleteResult] {
					return rt.Client.Delete(ctx, ec, nil, key)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s existed=%t\n", key, res.Existed)
				return nil
			})
		},
	}
}

func newExistsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "exists KEY",
		Short: "Check whether a record exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := g.key(args[0])
			if err != nil {
				return err
			}
			return g.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				ec := rt.Context(0)
				exists, err := await(ctx, ec, func() *future.Future[bool] {
					return rt.Client.Exists(ctx, ec, nil, key)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s exists=%t\n", key, exists)
				return nil
			})
		},
	}
}

func newScanCommand(g *globalFlags) *cobra.Command {
	var (
		maxRecords int64
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scan NAMESPACE SET [BIN...]",
		Short: "Stream every record of a set",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := &kv.ScanPolicy{MaxRecords: maxRecords}
			policy.TotalTimeout = timeout
			return g.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				ec := rt.Context(0)
				// Only touched on ec until the future resolves.
				var records []recordView
				n, err := await(ctx, ec, func() *future.Future[int] {
					return rt.Client.ScanAll(ctx, ec, policy, args[0], args[1], func(kr *kv.KeyRecord) bool {
						records = append(records, viewOf(kr))
						return true
					}, args[2:]...)
				})
				if err != nil {
					return err
				}
				if err := writeYAML(cmd.OutOrStdout(), records); err != nil {
					return err
				}
				rt.Log.Info("scan finished", "namespace", args[0], "set", args[1], "records", n)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&maxRecords, "max-records", 0, "stop after this many records (0 unlimited)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "total scan timeout (0 unlimited)")
	return cmd
}

func newInfoCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info [COMMAND...]",
		Short: "Run store info commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			commands := args
			if len(commands) == 0 {
				commands = []string{"build", "namespaces"}
			}
			return g.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				ec := rt.Context(0)
				info, err := await(ctx, ec, func() *future.Future[map[string]string] {
					return rt.Client.Info(ctx, ec, nil, commands...)
				})
				if err != nil {
					return err
				}
				names := make([]string, 0, len(info))
				for name := range info {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, info[name])
				}
				return nil
			})
		},
	}
}
