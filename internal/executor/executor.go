// Package executor runs inside the run instance and owns the run from
// boot to self-termination.  It is the single authoritative writer of
// the run's ledger entry:
//
//	STARTED -> boot -> job -> artifacts -> SUCCESS | FAILURE -> grace -> terminate
//
// Artifacts are always uploaded before the terminal marker is written,
// so a reader that sees SUCCESS can rely on the outputs being present.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gpurun/internal/health"
	"github.com/terrpan/gpurun/internal/job"
	"github.com/terrpan/gpurun/internal/launch"
	"github.com/terrpan/gpurun/internal/ledger"
	"github.com/terrpan/gpurun/internal/provision"
	"github.com/terrpan/gpurun/internal/secrets"
)

// Phase is the executor's coarse progress, reported on /healthz.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseBooting     Phase = "booting"
	PhaseRunning     Phase = "running"
	PhaseUploading   Phase = "uploading"
	PhaseFinalizing  Phase = "finalizing"
	PhaseGrace       Phase = "grace"
	PhaseTerminating Phase = "terminating"
	PhaseDone        Phase = "done"
)

// Config holds everything an Executor needs.
type Config struct {
	Params launch.Params

	Ledger      *ledger.Ledger
	Runner      job.Runner
	Provisioner provision.Provisioner // nil disables self-termination
	Identity    provision.Identity
	Secrets     secrets.Store

	// WorkDir holds per-run output directories on the host.
	// Default: /var/lib/gpurun.
	WorkDir string

	// LockPath is the package manager lock waited on during boot.
	// Empty skips the wait.
	LockPath         string
	LockTimeout      time.Duration // default 10m
	LockPollInterval time.Duration // default 5s
	LockChecker      LockChecker   // default: DefaultLockChecker()

	// SetupCommands run through /bin/sh before the job.  Any failure
	// is a boot failure.
	SetupCommands []string

	// RequireGPU makes a missing accelerator a boot failure.
	RequireGPU bool

	// AttachGPUs passes every host GPU to the job container.
	AttachGPUs   bool
	ShmSizeBytes int64

	// EnvFiles are dotenv files merged into the job environment before
	// Params.Env.  They must not contain secrets.
	EnvFiles []string

	// PersistTimeout bounds artifact upload plus the terminal marker
	// write.  Those run even if ctx is cancelled.  Default: 15m.
	PersistTimeout time.Duration

	Logger *slog.Logger

	// Test seams.
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
	Command CommandFunc
}

// Result is the outcome of Execute.
type Result struct {
	Run         ledger.Run
	Termination provision.TerminateResult
}

// Executor runs exactly one job.
type Executor struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	command CommandFunc

	mu    sync.Mutex
	runID      string
	phase      Phase
	phaseSince time.Time

	// OpenTelemetry instrumentation
	tracer       trace.Tracer
	runsFinished metric.Int64Counter
	bootFailures metric.Int64Counter
	jobDuration  metric.Float64Histogram
}

// New validates cfg and creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Runner == nil {
		return nil, errors.New("executor: job runner is required")
	}
	return newExecutor(cfg)
}

// newExecutor applies defaults and wires telemetry.  Runner may be nil
// for an executor that only records a boot failure.
func newExecutor(cfg Config) (*Executor, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("executor: ledger is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("executor: identity is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/var/lib/gpurun"
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 10 * time.Minute
	}
	if cfg.LockPollInterval == 0 {
		cfg.LockPollInterval = 5 * time.Second
	}
	if cfg.LockChecker == nil {
		cfg.LockChecker = DefaultLockChecker()
	}
	if cfg.PersistTimeout == 0 {
		cfg.PersistTimeout = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Command == nil {
		cfg.Command = execCommand
	}

	e := &Executor{
		cfg:     cfg,
		logger:  cfg.Logger,
		now:     cfg.Now,
		sleep:   cfg.Sleep,
		command: cfg.Command,
		phase:   PhaseIdle,
		tracer:  otel.Tracer("gpurun/executor"),
	}

	// Initialize metrics (errors are logged but not fatal)
	meter := otel.Meter("gpurun/executor")
	var err error
	e.runsFinished, err = meter.Int64Counter(
		"gpurun.runs.finished",
		metric.WithDescription("Total number of runs that reached a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runsFinished counter", slog.String("error", err.Error()))
	}

	e.bootFailures, err = meter.Int64Counter(
		"gpurun.boot.failures",
		metric.WithDescription("Total number of runs that failed before the job started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create bootFailures counter", slog.String("error", err.Error()))
	}

	e.jobDuration, err = meter.Float64Histogram(
		"gpurun.job.duration",
		metric.WithDescription("Wall-clock duration of the job container (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(60, 300, 900, 1800, 3600, 7200, 14400, 28800),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobDuration histogram", slog.String("error", err.Error()))
	}

	return e, nil
}

// Snapshot reports the current run and phase for /healthz.
func (e *Executor) Snapshot() health.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return health.Snapshot{RunID: e.runID, Phase: string(e.phase), PhaseSince: e.phaseSince}
}

func (e *Executor) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.phaseSince = e.now()
	e.mu.Unlock()
	e.logger.Debug("phase", slog.String("phase", string(p)))
}

// Execute performs the whole run.  The returned error reports ledger or
// termination problems; job failures are recorded in Result.Run, not
// returned.
func (e *Executor) Execute(ctx context.Context) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Execute")
	defer span.End()
	return e.execute(ctx, span, e.run)
}

// RecordBootFailure is used when the VM cannot even assemble an
// Executor (no job runner, no secret store, no provisioner client) but
// the ledger is reachable.  It records STARTED, then FAILED with
// ExitCodeBootFailure and cause, and self-terminates when cfg carries a
// provisioner.  cfg.Runner is not needed.
func RecordBootFailure(ctx context.Context, cfg Config, cause error) (Result, error) {
	e, err := newExecutor(cfg)
	if err != nil {
		return Result{}, err
	}
	ctx, span := e.tracer.Start(ctx, "executor.RecordBootFailure")
	defer span.End()
	span.RecordError(cause)

	return e.execute(ctx, span, func(ctx context.Context, run ledger.Run) (ledger.Run, error) {
		if err := e.cfg.Ledger.Start(ctx, run); err != nil {
			e.logger.Error("could not record run start", slog.String("error", err.Error()))
			cause = errors.Join(cause, fmt.Errorf("record start: %w", err))
		}
		return e.bootFailure(ctx, run, fmt.Errorf("setup: %w", cause))
	})
}

func (e *Executor) execute(ctx context.Context, span trace.Span, body func(context.Context, ledger.Run) (ledger.Run, error)) (Result, error) {
	start := e.now()
	runID := ledger.NewRunID(start)

	e.mu.Lock()
	e.runID = runID
	e.mu.Unlock()
	e.logger = e.logger.With(slog.String("run_id", runID))

	instanceID, err := e.cfg.Identity.InstanceID(ctx)
	if err != nil {
		e.logger.Warn("could not resolve own instance id", slog.String("error", err.Error()))
	}
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("instance.id", instanceID),
	)

	run := ledger.NewRun(runID, instanceID, e.cfg.Params.Image, start)
	final, runErr := body(ctx, run)

	result := Result{Run: final}
	var termErr error
	if e.cfg.Params.SelfTerminate {
		result.Termination, termErr = e.selfTerminate(ctx)
	} else {
		e.logger.Info("self-termination disabled, leaving instance running")
	}

	e.setPhase(PhaseDone)
	span.SetAttributes(attribute.String("run.state", string(final.State)))
	return result, errors.Join(runErr, termErr)
}

// run drives the run to its terminal marker.
func (e *Executor) run(ctx context.Context, run ledger.Run) (ledger.Run, error) {
	p := e.cfg.Params

	e.logger.Info("run started",
		slog.String("instance_id", run.InstanceID),
		slog.String("image", p.Image),
		slog.Duration("max_runtime", p.MaxRuntime()),
	)

	if err := e.cfg.Ledger.Start(ctx, run); err != nil {
		e.logger.Error("could not record run start", slog.String("error", err.Error()))
		return e.bootFailure(ctx, run, fmt.Errorf("record start: %w", err))
	}

	if err := e.boot(ctx, p.Image); err != nil {
		return e.bootFailure(ctx, run, fmt.Errorf("boot: %w", err))
	}

	env, err := e.jobEnv(ctx, run.RunID)
	if err != nil {
		return e.bootFailure(ctx, run, err)
	}

	outDir := filepath.Join(e.cfg.WorkDir, "runs", run.RunID, "output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return e.bootFailure(ctx, run, fmt.Errorf("create output dir: %w", err))
	}

	e.setPhase(PhaseRunning)
	jobStart := e.now()
	exitCode, jobErr := e.cfg.Runner.Run(ctx, job.Spec{
		Name:         "gpurun-job-" + run.RunID,
		Image:        p.Image,
		Cmd:          p.Cmd,
		Env:          env,
		OutputDir:    outDir,
		OutputMount:  job.DefaultOutputMount,
		GPUs:         e.cfg.AttachGPUs,
		ShmSizeBytes: e.cfg.ShmSizeBytes,
	})
	if e.jobDuration != nil {
		e.jobDuration.Record(ctx, e.now().Sub(jobStart).Seconds())
	}

	// From here on the outcome must be persisted even if ctx dies.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()

	e.setPhase(PhaseUploading)
	switch {
	case jobErr != nil:
		e.logger.Error("job could not be observed to completion", slog.String("error", jobErr.Error()))
		keys := e.uploadPartial(pctx, run.RunID, outDir)
		return e.finish(pctx, run.Complete(e.now(), ledger.ExitCodeUnobserved, keys, fmt.Sprintf("job: %v", jobErr)))

	case exitCode == 0:
		keys, err := e.cfg.Ledger.UploadArtifacts(pctx, run.RunID, outDir, false)
		if err != nil {
			// No SUCCESS without its artifacts.
			e.logger.Error("artifact upload failed after clean exit", slog.String("error", err.Error()))
			return e.finish(pctx, run.Complete(e.now(), 0, keys, fmt.Sprintf("artifact upload: %v", err)))
		}
		return e.finish(pctx, run.Complete(e.now(), 0, keys, ""))

	default:
		keys := e.uploadPartial(pctx, run.RunID, outDir)
		return e.finish(pctx, run.Complete(e.now(), exitCode, keys, fmt.Sprintf("job exited with status %d", exitCode)))
	}
}

// uploadPartial uploads whatever the failed job left behind.  It is
// best effort: errors are logged and the uploaded subset returned.
func (e *Executor) uploadPartial(ctx context.Context, runID, dir string) []string {
	keys, err := e.cfg.Ledger.UploadArtifacts(ctx, runID, dir, true)
	if err != nil {
		e.logger.Warn("partial artifact upload incomplete",
			slog.Int("uploaded", len(keys)),
			slog.String("error", err.Error()),
		)
	}
	return keys
}

func (e *Executor) bootFailure(ctx context.Context, run ledger.Run, cause error) (ledger.Run, error) {
	e.logger.Error("boot failed", slog.String("error", cause.Error()))
	if e.bootFailures != nil {
		e.bootFailures.Add(ctx, 1)
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	return e.finish(pctx, run.Complete(e.now(), ledger.ExitCodeBootFailure, nil, cause.Error()))
}

// finish writes the terminal marker.
func (e *Executor) finish(ctx context.Context, final ledger.Run) (ledger.Run, error) {
	e.setPhase(PhaseFinalizing)

	if e.runsFinished != nil {
		e.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(final.State))))
	}

	if err := e.cfg.Ledger.Finish(ctx, final); err != nil {
		if errors.Is(err, ledger.ErrAlreadyTerminal) {
			e.logger.Warn("terminal marker already present, not overwriting", slog.String("state", string(final.State)))
		} else {
			e.logger.Error("could not write terminal marker", slog.String("error", err.Error()))
		}
		return final, fmt.Errorf("finish run %s: %w", final.RunID, err)
	}

	attrs := []any{
		slog.String("state", string(final.State)),
		slog.Int("artifacts", len(final.Artifacts)),
		slog.Duration("duration", final.Duration()),
	}
	if final.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *final.ExitCode))
	}
	if final.Error != "" {
		attrs = append(attrs, slog.String("reason", final.Error))
	}
	e.logger.Info("run finished", attrs...)
	return final, nil
}

// jobEnv assembles the job environment: env files, static env, secrets
// fetched just in time, then the injected run parameters.
func (e *Executor) jobEnv(ctx context.Context, runID string) (map[string]string, error) {
	p := e.cfg.Params
	env := make(map[string]string)

	for _, path := range e.cfg.EnvFiles {
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		maps.Copy(env, values)
	}
	maps.Copy(env, p.Env)

	secretEnv, err := secrets.Resolve(ctx, e.cfg.Secrets, p.Secrets)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	maps.Copy(env, secretEnv)

	env[job.EnvRunID] = runID
	env[job.EnvOutputDir] = job.DefaultOutputMount
	if p.DataURI != "" {
		env[job.EnvDataURI] = p.DataURI
	}
	return env, nil
}

// selfTerminate waits out the grace window and deletes the instance
// this process runs on.  AlreadyTerminated (the Safety Monitor won the
// race) is success.
func (e *Executor) selfTerminate(ctx context.Context) (provision.TerminateResult, error) {
	if e.cfg.Provisioner == nil {
		e.logger.Warn("no provisioner configured, cannot self-terminate")
		return "", nil
	}

	if grace := e.cfg.Params.Grace(); grace > 0 {
		e.setPhase(PhaseGrace)
		e.logger.Info("grace period before self-termination", slog.Duration("grace", grace))
		if err := e.sleep(ctx, grace); err != nil {
			e.logger.Info("grace period cut short", slog.String("error", err.Error()))
		}
	}

	e.setPhase(PhaseTerminating)
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()

	// Re-resolved here rather than trusting the value from start.
	id, err := e.cfg.Identity.InstanceID(tctx)
	if err != nil {
		return "", fmt.Errorf("resolve own instance for termination: %w", err)
	}

	res, err := e.cfg.Provisioner.Terminate(tctx, id)
	if err != nil {
		return "", fmt.Errorf("self-terminate %s: %w", id, err)
	}
	e.logger.Info("self-termination requested",
		slog.String("instance_id", id),
		slog.String("result", string(res)),
	)
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
