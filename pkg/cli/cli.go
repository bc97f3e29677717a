package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/kvbridge/pkg/config"
	"github.com/nimburion/kvbridge/pkg/configschema"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/version"
)

// DefaultEnvPrefix prefixes every environment variable read by the CLI.
const DefaultEnvPrefix = "KVBRIDGE"

// Options defines the identity and defaults of the command tree.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string
}

// globalFlags holds the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath  string
	secretFile  string
	serviceName string
	namespace   string
	set         string
	envPrefix   string
	defaultName string
}

// NewCommand creates the kvbridge CLI with version, config, healthcheck,
// data and bench subcommands.
func NewCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "kvbridge"
	}
	if opts.Description == "" {
		opts.Description = "Future-based bridge over callback key-value store clients"
	}

	g := &globalFlags{
		envPrefix:   resolveEnvPrefix(opts.EnvPrefix),
		defaultName: opts.Name,
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config-file", "c", opts.ConfigPath, "config file path")
	pf.StringVar(&g.secretFile, "secret-file", "", fmt.Sprintf("path to secrets file (sets %s_SECRETS_FILE)", g.envPrefix))
	pf.StringVar(&g.serviceName, "service-name", "", "service name override")
	pf.StringVarP(&g.namespace, "namespace", "n", "test", "record namespace")
	pf.StringVarP(&g.set, "set", "s", "demo", "record set")
	registerConfigFlags(pf)

	rootCmd.AddCommand(
		newVersionCommand(g),
		newConfigCommand(g),
		newHealthCommand(g),
		newPutCommand(g),
		newGetCommand(g),
		newDeleteCommand(g),
		newExistsCommand(g),
		newScanCommand(g),
		newInfoCommand(g),
		newBenchCommand(g),
	)

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	return rootCmd
}

// registerConfigFlags adds the flags the config loader maps onto settings.
// They only take effect when set explicitly.
func registerConfigFlags(pf *pflag.FlagSet) {
	pf.String("store-type", config.StoreTypeMemory, "native store backend (memory, redis, dynamodb, postgres, mysql, mongodb, s3)")
	pf.Int("event-loops", 0, "number of store event loops")
	pf.String("selector", config.SelectorNext, "store event loop selection (native, next, context)")
	pf.Int("contexts", 0, "number of caller execution contexts")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "json", "log format (json, text)")
}

func newVersionCommand(g *globalFlags) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current(resolveServiceNameValue("", g.defaultName, g.serviceName))
			out := cmd.OutOrStdout()
			if asYAML {
				return writeYAML(out, info)
			}
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as YAML")
	return cmd
}

func newConfigCommand(g *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := g.loadConfig(cmd.Flags()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secrets, err := g.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			effective := *cfg
			if !showSecrets {
				effective = cfg.Redacted(secrets)
			}
			return writeYAML(cmd.OutOrStdout(), effective)
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults := config.DefaultConfig()
			defaults.Service.Name = resolveServiceNameValue("", g.defaultName, g.serviceName)
			schema, err := configschema.BuildSchemaWithDefaults(defaults)
			if err != nil {
				return err
			}
			payload, err := json.MarshalIndent(schema, "", "  ")
			if err != nil {
				return fmt.Errorf("encode schema: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return err
		},
	})

	return configCmd
}

// loadConfig loads and validates configuration with precedence
// flags > ENV > secrets file > config file > defaults.
func (g *globalFlags) loadConfig(flags *pflag.FlagSet) (*config.Config, *config.Config, error) {
	if err := applySecretFileFlag(g.envPrefix, g.secretFile); err != nil {
		return nil, nil, err
	}
	cfg, secrets, err := config.NewViperLoader(g.configPath, g.envPrefix).
		WithFlags(flags).
		LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, g.defaultName, g.serviceName)
	return cfg, secrets, nil
}

// loadConfigAndLogger loads configuration and builds the logger it describes.
func (g *globalFlags) loadConfigAndLogger(flags *pflag.FlagSet, errOut io.Writer) (*config.Config, logger.Logger, error) {
	cfg, secrets, err := g.loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}

	logCfg := logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
		Output: errOut,
	}
	base, err := logger.NewZapLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	log := logger.WrapAsync(base, logger.AsyncConfig{
		Enabled:      cfg.Observability.AsyncLogging.Enabled,
		QueueSize:    cfg.Observability.AsyncLogging.QueueSize,
		DropWhenFull: cfg.Observability.AsyncLogging.DropWhenFull,
	})

	logConfigIfDebug(log, cfg, secrets)
	return cfg, log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func writeYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exit *ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(1)
	}
}

// ExitError carries a specific process exit code, e.g. 2 for a degraded
// healthcheck.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func logConfigIfDebug(log logger.Logger, cfg, secrets *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", fmt.Sprintf("%+v", cfg.Redacted(secrets)))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if name := strings.TrimSpace(serviceNameOverride); name != "" {
		return name
	}
	if name := strings.TrimSpace(currentConfigName); name != "" {
		return name
	}
	if name := strings.TrimSpace(defaultServiceName); name != "" {
		return name
	}
	return "kvbridge"
}
