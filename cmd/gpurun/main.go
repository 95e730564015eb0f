package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/gpurun/internal/buildinfo"
	"github.com/terrpan/gpurun/internal/config"
	"github.com/terrpan/gpurun/internal/otel"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gpurun",
	Short: "Ephemeral GPU runs with a durable ledger and hard cost guards",
	Long: `gpurun launches one GPU VM per training run, executes the job inside
it, records the outcome in an object-store ledger and destroys the VM.

A scheduled watchdog (monitor), a hard alarm and a monthly cost governor
run independently of the VM so a runaway run is always stopped.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	Version:      buildinfo.String(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		cobra.OnFinalize(cancel)
		cmd.SetContext(ctx)
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	// Store overrides
	f.StringVar(&flagOverrides.Store.Endpoint, "store-endpoint", "", "S3-compatible endpoint (host[:port])")
	f.StringVar(&flagOverrides.Store.Bucket, "bucket", "", "Bucket holding the ledger and artifacts")

	// GCP overrides
	f.StringVar(&flagOverrides.GCP.Project, "project", "", "GCP project ID")
	f.StringVar(&flagOverrides.GCP.Zone, "zone", "", "GCP zone for run VMs")

	rootCmd.AddCommand(launchCmd, executeCmd, monitorCmd, governorCmd, runsCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.Store.Endpoint != "" {
		cfg.Store.Endpoint = flagOverrides.Store.Endpoint
	}
	if flagOverrides.Store.Bucket != "" {
		cfg.Store.Bucket = flagOverrides.Store.Bucket
	}
	if flagOverrides.GCP.Project != "" {
		cfg.GCP.Project = flagOverrides.GCP.Project
	}
	if flagOverrides.GCP.Zone != "" {
		cfg.GCP.Zone = flagOverrides.GCP.Zone
	}
}

// app is what every subcommand starts from.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	tel    *otel.Telemetry
}

// loadConfig reads, overrides and applies defaults without validating,
// for commands that fill in more settings before validation.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyEnv()
	applyFlagOverrides(cfg)
	cfg.ApplyDefaults()
	return cfg, nil
}

// newApp validates cfg for needs, then creates the logger and telemetry.
func newApp(ctx context.Context, cfg *config.Config, component, instanceID string, needs ...config.Need) (*app, error) {
	if err := cfg.Validate(needs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger().With(slog.String("component", component))
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("commit", buildinfo.Commit),
	)

	tel, err := otel.SetupOTelSDK(ctx, otel.Resource{Component: component, InstanceID: instanceID}, cfg.OTelSDKConfig())
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}
	return &app{cfg: cfg, logger: logger, tel: tel}, nil
}

func setup(ctx context.Context, component string, needs ...config.Need) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, component, "", needs...)
}

// close flushes telemetry.  It runs after ctx may have been cancelled.
func (a *app) close(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(sctx); err != nil {
		a.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
	}
}
