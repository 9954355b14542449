package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Bidon15/safedeploy/internal/accounts"
	"github.com/Bidon15/safedeploy/internal/artifacts"
	"github.com/Bidon15/safedeploy/internal/config"
	"github.com/Bidon15/safedeploy/internal/store"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Global flag variables
var (
	projectFile string
	envFile     string
	logLevel    string
	logFormat   string
	jsonOut     bool
	verbose     bool
)

var (
	rootCmd *cobra.Command
	v       = viper.New()
	logger  = slog.Default()
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "safedeploy",
		Short: "safedeploy - deterministic deployment of Safe passkey and recovery contracts",
		Long: `safedeploy deploys the Safe 4337 module setup, the P-256 verifiers and the
social recovery module through the Safe singleton factory.

Configuration is read from the project file (safedeploy.yaml) and the
environment. A .env file in the working directory is loaded first:
  MNEMONIC / PK                       deployer key material
  MAINNET_NODE_URL                    RPC URL of fvmMainnet
  CALIBRATION_NODE_URL                RPC URL of fvmCalibration
  DEPLOYMENT_RECOVERY_PERIOD          recovery period in seconds (default 1209600)
  SAFEDEPLOY_DATABASE_URL             store deployment records in Postgres
  SAFEDEPLOY_METRICS_PUSH_URL         push run metrics to a Pushgateway
  SAFEDEPLOY_REMOTE_SIGNER_URL        sign through a remote eth_signTransaction endpoint`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVar(&projectFile, "config", config.ProjectFile, "project file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		newVersionCmd(),
		newDeployCmd(),
		newPreflightCmd(),
		newVerifyCmd(),
		newFactoryCmd(),
		newCodesizeCmd(),
		newMigrateCmd(),
		newConfigCmd(),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print the version, commit hash, and build date of safedeploy",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "safedeploy %s\n", Version)
			if verbose {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  commit:  %s\n", Commit)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  built:   %s\n", BuildDate)
			}
		},
	}
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
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

// ResetFlags resets all global flags to their defaults (for testing)
func ResetFlags() {
	projectFile = config.ProjectFile
	envFile = ".env"
	logLevel = "info"
	logFormat = "text"
	jsonOut = false
	verbose = false
	networkName = "localhost"
	deployTags = nil
	deploymentsDir = ""
	v = viper.New()
}

func initConfig(logOut io.Writer) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	config.BindEnv(v)

	l, err := newLogger(logOut, logLevel, logFormat)
	if err != nil {
		return err
	}
	logger = l
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func loadProject() (*config.Project, error) {
	return config.Load(projectFile)
}

func settings() config.Settings {
	return config.LoadSettings(v)
}

func accountSource(s config.Settings) accounts.Source {
	return accounts.Source{
		PrivateKey:    s.PrivateKey,
		Mnemonic:      s.Mnemonic,
		RemoteURL:     s.RemoteSignerURL,
		RemoteAPIKey:  s.RemoteSignerAPIKey,
		RemoteAddress: s.RemoteSignerAddress,
	}
}

func artifactSource(p *config.Project) artifacts.Source {
	return artifacts.Overrides{
		Files:    p.Artifacts.Overrides,
		Fallback: artifacts.Dir{Root: p.Artifacts.BuildDir},
	}
}

// openStore returns the Postgres store when a database URL is configured and
// the deployments directory otherwise.
func openStore(ctx context.Context, s config.Settings, dir string) (store.Store, func(), error) {
	if s.DatabaseURL == "" {
		return store.NewFileStore(dir), func() {}, nil
	}
	pool, err := store.OpenPostgres(ctx, s.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgres(pool), pool.Close, nil
}

// printJSON outputs data as formatted JSON.
func printJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// newTable creates a new tabwriter for formatted output.
func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
