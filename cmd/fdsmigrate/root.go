package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/artifact"
	"github.com/fds-service/contracts/internal/manifest"
	"github.com/fds-service/contracts/internal/network"
	"github.com/fds-service/contracts/internal/registry"
	"github.com/fds-service/contracts/internal/step"
	"github.com/fds-service/contracts/internal/store"
	"github.com/fds-service/contracts/internal/store/backend"
	"github.com/fds-service/contracts/migration"
)

// Version information, set via ldflags during build
var (
	Version = "dev"
	Commit  = "unknown"
)

// Global flags
var (
	cfgFile      string
	envFile      string
	storeURL     string
	artifactsDir string
	manifestPath string
	logLevel     string
	logFormat    string
	networkName  string
	jsonOut      bool
)

// env is the resolved configuration of the running command.
var env *environment

type environment struct {
	viper  *viper.Viper
	config *network.Config
	logger *slog.Logger
}

var rootCmd *cobra.Command

func init() {
	rootCmd = &cobra.Command{
		Use:   "fdsmigrate",
		Short: "Deploy the FDS contracts and track migration state per network",
		Long: `fdsmigrate runs an ordered sequence of deployment steps against a network,
skipping steps the ledger already records as completed and resuming at the
first step that has not.

Configuration (in order of priority):
  1. Command-line flags (--store, --artifacts, --manifest, --network)
  2. Environment variables (FDSMIGRATE_STORE, FDSMIGRATE_NETWORKS_<NAME>_RPC_URL, ...)
  3. Config file (./fdsmigrate.yaml or --config)

Secrets such as FDSMIGRATE_PRIVATE_KEY may be kept in a .env file.

Get started:
  $ fdsmigrate networks                   # List configured networks
  $ fdsmigrate migrate --network sepolia  # Deploy pending steps
  $ fdsmigrate status --network sepolia   # Show step states`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "fdsmigrate %s (commit %s)\n", Version, Commit)
		},
	}
	// version needs no configuration
	versionCmd.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./fdsmigrate.yaml)")
	flags.StringVar(&envFile, "env-file", "", "dotenv file to load (default is ./.env when present)")
	flags.StringVar(&storeURL, "store", "", "ledger store URL (or FDSMIGRATE_STORE)")
	flags.StringVar(&artifactsDir, "artifacts", "", "compiled artifacts directory (or FDSMIGRATE_ARTIFACTS)")
	flags.StringVar(&manifestPath, "manifest", "", "steps manifest, TOML or YAML (default is the built-in FDS sequence)")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "text", "log format: text, json")
	flags.BoolVar(&jsonOut, "json", false, "output in JSON format")

	rootCmd.AddCommand(versionCmd, migrateCmd(), statusCmd(), historyCmd(), deploymentsCmd(), unlockCmd(), networksCmd())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteWithArgs runs the root command with the provided arguments (for testing)
func ExecuteWithArgs(args []string) error {
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

// SetOutput sets the output writer for the root command (for testing)
func SetOutput(w io.Writer) {
	rootCmd.SetOut(w)
	rootCmd.SetErr(w)
}

// ResetFlags resets all flags to their defaults and clears their changed
// state (for testing)
func ResetFlags() {
	resetCommandFlags(rootCmd)
	env = nil
}

func resetCommandFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetCommandFlags(sub)
	}
}

// addNetworkFlag registers --network on a command that targets one network.
func addNetworkFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&networkName, "network", "n", "", "target network name or chain id (or FDSMIGRATE_NETWORK)")
}

// setup loads .env, the config file, environment and flags into env.
func setup(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(logLevel, logFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	if err := network.LoadDotenv(envFile); err != nil {
		return err
	}

	v := network.NewViper()
	for key, flag := range map[string]string{
		"store":     "store",
		"artifacts": "artifacts",
		"manifest":  "manifest",
		"network":   "network",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}
	if err := network.ReadConfigFile(v, cfgFile); err != nil {
		return err
	}

	cfg, err := network.Load(v)
	if err != nil {
		return err
	}

	env = &environment{viper: v, config: cfg, logger: logger}
	return nil
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", contracts.ErrConfiguration, level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", contracts.ErrConfiguration, format)
	}
}

// selectedNetwork resolves --network (or FDSMIGRATE_NETWORK) against the
// configured networks.
func selectedNetwork() (network.NetworkConfig, error) {
	name := env.viper.GetString("network")
	if name == "" {
		return network.NetworkConfig{}, fmt.Errorf("%w: select a network with --network (configured: %s)",
			contracts.ErrConfiguration, strings.Join(env.config.Names(), ", "))
	}
	return env.config.Lookup(name)
}

func openStore(ctx context.Context) (store.Store, error) {
	s, err := backend.Open(ctx, env.config.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// loadSteps returns the manifest's steps, or the built-in FDS sequence.
func loadSteps() ([]step.Step, error) {
	if env.config.Manifest == "" {
		return migration.FDS(), nil
	}
	return manifest.Load(env.config.Manifest)
}

// loadRegistry creates a registry over s with every compiled artifact
// registered.
func loadRegistry(s store.Store) (*registry.Registry, error) {
	reg := registry.New(s, registry.Config{Logger: env.logger})
	artifacts, err := artifact.LoadDir(env.config.Artifacts)
	if err != nil {
		return nil, err
	}
	if err := reg.RegisterAll(artifacts); err != nil {
		return nil, err
	}
	env.logger.Debug("loaded artifacts",
		slog.String("dir", env.config.Artifacts),
		slog.Int("count", len(artifacts)),
	)
	return reg, nil
}

// Output helpers

// printJSON outputs data as formatted JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printError prints an error message.
func printError(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "%s %s\n", colorRed("Error:"), err.Error())
	if contracts.Resumable(err) {
		_, _ = fmt.Fprintln(w, "  The run can be resumed: re-run the same command to continue at the failed step.")
	}
}

// newTable creates a new tabwriter for formatted output.
func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// printTableHeader prints a bold header row.
func printTableHeader(w *tabwriter.Writer, columns ...string) {
	for i, col := range columns {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, colorBold(col))
	}
	_, _ = fmt.Fprintln(w)
}

// Terminal colors; fatih/color disables them when stdout is not a terminal.

var (
	colorRed    = color.New(color.FgRed).SprintFunc()
	colorGreen  = color.New(color.FgGreen).SprintFunc()
	colorYellow = color.New(color.FgYellow).SprintFunc()
	colorBold   = color.New(color.Bold).SprintFunc()
)

// shortHash abbreviates a hex string for tables.
func shortHash(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + "…" + s[len(s)-4:]
}
