package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/gpurun/internal/config"
	"github.com/terrpan/gpurun/internal/executor"
	"github.com/terrpan/gpurun/internal/health"
	"github.com/terrpan/gpurun/internal/job/docker"
	"github.com/terrpan/gpurun/internal/launch"
	"github.com/terrpan/gpurun/internal/provision"
	"github.com/terrpan/gpurun/internal/provision/gcp"
)

var executeFlags struct {
	paramsFile string
	instanceID string
}

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run the job on this VM, record the outcome and self-terminate",
	Long: `execute is started by the VM's startup script.  It reads the run
parameters from instance metadata (or --params-file), waits for the
package manager lock, runs setup, checks for a GPU, runs the job
container, uploads artifacts, writes the terminal marker and finally
deletes the VM after the grace period.

Once the ledger is reachable, a setup failure (provisioner, secret store,
container engine) is recorded as a boot failure and the VM still
self-terminates.  The exit status is non-zero for setup failures, ledger
write failures and self-termination failures; a failed job is a recorded
outcome.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExecute(cmd.Context())
	},
}

func init() {
	f := executeCmd.Flags()
	f.StringVar(&executeFlags.paramsFile, "params-file", "", "Read run parameters from a JSON file instead of instance metadata")
	f.StringVar(&executeFlags.instanceID, "instance-id", "", "Own instance id (default: from the metadata server)")
}

// staticIdentity is used when the instance id is given on the command line.
type staticIdentity string

func (s staticIdentity) InstanceID(context.Context) (string, error) { return string(s), nil }

func runExecute(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var identity provision.Identity = gcp.MetadataIdentity{}
	onGCE := gcp.OnGCE()
	if executeFlags.instanceID != "" {
		identity = staticIdentity(executeFlags.instanceID)
	}

	// Inside a run VM project and zone are the VM's own.
	if onGCE && (cfg.GCP.Project == "" || cfg.GCP.Zone == "") {
		project, zone, err := gcp.MetadataIdentity{}.Location(ctx)
		if err != nil {
			return err
		}
		if cfg.GCP.Project == "" {
			cfg.GCP.Project = project
		}
		if cfg.GCP.Zone == "" {
			cfg.GCP.Zone = zone
		}
		if cfg.Secrets.Project == "" {
			cfg.Secrets.Project = project
		}
	}

	instanceID, _ := identity.InstanceID(ctx)
	a, err := newApp(ctx, cfg, "execute", instanceID, config.NeedStore)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	logger := a.logger

	// ---------------------------------------------------------------
	// 1. Run parameters
	// ---------------------------------------------------------------
	var params launch.Params
	if executeFlags.paramsFile != "" {
		params, err = launch.ParamsFromFile(executeFlags.paramsFile)
	} else {
		params, err = launch.ParamsFromMetadata(ctx, gcp.MetadataIdentity{})
	}
	if err != nil {
		return fmt.Errorf("loading run parameters: %w", err)
	}
	logger.Info("run parameters loaded",
		slog.String("image", params.Image),
		slog.String("output_prefix", params.OutputPrefix),
		slog.Duration("max_runtime", params.MaxRuntime()),
		slog.Bool("self_terminate", params.SelfTerminate),
	)

	// ---------------------------------------------------------------
	// 2. Ledger
	// ---------------------------------------------------------------
	store, err := cfg.NewStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("connecting to object store: %w", err)
	}
	ldg := cfg.NewLedger(store, params.OutputPrefix, logger)

	// From here on the ledger is reachable, so every setup failure is
	// recorded as a boot failure and the VM still self-terminates.
	exCfg := executor.Config{
		Params:           params,
		Ledger:           ldg,
		Identity:         identity,
		WorkDir:          cfg.Executor.WorkDir,
		LockPath:         cfg.ExecutorLockPath(),
		LockTimeout:      cfg.Executor.LockTimeout,
		LockPollInterval: cfg.Executor.LockPollInterval,
		SetupCommands:    cfg.Executor.SetupCommands,
		RequireGPU:       *cfg.Executor.RequireGPU,
		AttachGPUs:       *cfg.Executor.AttachGPUs,
		ShmSizeBytes:     cfg.Executor.ShmSizeMB << 20,
		EnvFiles:         cfg.Executor.EnvFiles,
		PersistTimeout:   cfg.Executor.PersistTimeout,
		Logger:           logger.WithGroup("executor"),
	}
	setupFailed := func(cause error) error {
		res, err := executor.RecordBootFailure(ctx, exCfg, cause)
		logger.Error("execute setup failed",
			slog.String("error", cause.Error()),
			slog.String("run_id", res.Run.RunID),
			slog.String("termination", string(res.Termination)),
		)
		return errors.Join(cause, err)
	}

	// ---------------------------------------------------------------
	// 3. Provisioner (self-termination only)
	// ---------------------------------------------------------------
	if params.SelfTerminate {
		if err := cfg.Validate(config.NeedGCP); err != nil {
			return setupFailed(fmt.Errorf("self-termination needs gcp settings: %w", err))
		}
		p, err := cfg.NewProvisioner(ctx, logger)
		if err != nil {
			return setupFailed(fmt.Errorf("initializing provisioner: %w", err))
		}
		defer p.Close()
		exCfg.Provisioner = p
	}

	// ---------------------------------------------------------------
	// 4. Secrets and job runner
	// ---------------------------------------------------------------
	secretStore, closeSecrets, err := cfg.NewSecrets(ctx, logger)
	if err != nil {
		return setupFailed(fmt.Errorf("initializing secrets: %w", err))
	}
	defer closeSecrets()
	exCfg.Secrets = secretStore

	var sink io.Writer
	if *cfg.Executor.StreamLogs {
		sink = os.Stdout
	}
	runner, err := docker.New(docker.Config{
		GPUDriver: cfg.Executor.GPUDriver,
		LogSink:   sink,
	}, logger.WithGroup("job.docker"))
	if err != nil {
		return setupFailed(fmt.Errorf("initializing job runner: %w", err))
	}
	defer func() {
		if err := runner.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("job runner shutdown", slog.String("error", err.Error()))
		}
	}()
	exCfg.Runner = runner

	// ---------------------------------------------------------------
	// 5. Executor
	// ---------------------------------------------------------------
	ex, err := executor.New(exCfg)
	if err != nil {
		return setupFailed(err)
	}

	stopHealth := serveHealth(ctx, cfg.Executor.HealthAddr, ex.Snapshot, a, logger)
	defer stopHealth()

	// ---------------------------------------------------------------
	// 6. Run
	// ---------------------------------------------------------------
	res, err := ex.Execute(ctx)
	logger.Info("execute finished",
		slog.String("run_id", res.Run.RunID),
		slog.String("state", string(res.Run.State)),
		slog.String("termination", string(res.Termination)),
	)
	return err
}

// serveHealth exposes /healthz and, with Prometheus enabled, /metrics.
// The returned function stops the server.
func serveHealth(ctx context.Context, addr string, snapshot func() health.Snapshot, a *app, logger *slog.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler("executor", snapshot))
	if h := a.tel.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("health server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("health server stopped", slog.String("error", err.Error()))
		}
	}()

	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
}
