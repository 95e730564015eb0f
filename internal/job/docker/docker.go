// Package docker implements the job.Runner interface using the local
// Docker daemon to run the workload as a single GPU container.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gpurun/internal/job"
)

// containerAPI is the subset of the Docker client the runner uses.
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Config holds Docker-specific settings.
type Config struct {
	// GPUDriver is the device request driver.  Default: "nvidia".
	GPUDriver string

	// LogSink receives the container's stdout and stderr.  Nil
	// discards them (they remain available via `docker logs` until the
	// container is removed).
	LogSink io.Writer

	// KeepContainer skips removal after exit, for debugging.
	KeepContainer bool
}

// Runner runs job containers on the local Docker daemon.
type Runner struct {
	client    containerAPI
	gpuDriver string
	logSink   io.Writer
	keep      bool
	logger    *slog.Logger
	tracer    trace.Tracer

	mu         sync.Mutex
	containers map[string]string // name -> containerID
}

// Compile-time check that Runner satisfies the job.Runner interface.
var _ job.Runner = (*Runner)(nil)

// New connects to the Docker daemon using the environment
// (DOCKER_HOST etc.).
func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newRunner(client, cfg, logger), nil
}

func newRunner(client containerAPI, cfg Config, logger *slog.Logger) *Runner {
	if cfg.GPUDriver == "" {
		cfg.GPUDriver = "nvidia"
	}
	return &Runner{
		client:     client,
		gpuDriver:  cfg.GPUDriver,
		logSink:    cfg.LogSink,
		keep:       cfg.KeepContainer,
		logger:     logger,
		tracer:     otel.Tracer("gpurun/job/docker"),
		containers: make(map[string]string),
	}
}

// Pull downloads image and blocks until the pull stream is drained.
func (r *Runner) Pull(ctx context.Context, ref string) error {
	ctx, span := r.tracer.Start(ctx, "job.docker.Pull")
	defer span.End()
	span.SetAttributes(attribute.String("image", ref))

	r.logger.Info("pulling job image", slog.String("image", ref))

	pull, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		_ = pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	r.logger.Info("job image ready", slog.String("image", ref))
	return nil
}

// Run creates and starts the job container, waits for it to stop and
// returns its exit code.
func (r *Runner) Run(ctx context.Context, spec job.Spec) (int, error) {
	ctx, span := r.tracer.Start(ctx, "job.docker.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("image", spec.Image),
		attribute.Bool("gpus", spec.GPUs),
	)

	cfg, hostCfg := r.containerConfig(spec)

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return 0, fmt.Errorf("container create %s: %w", spec.Image, err)
	}
	id := resp.ID

	r.mu.Lock()
	r.containers[spec.Name] = id
	r.mu.Unlock()
	defer r.remove(context.WithoutCancel(ctx), spec.Name, id)

	// Register the wait before starting so a fast exit is not missed.
	waitCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNextExit)

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return 0, fmt.Errorf("container start %s: %w", id, err)
	}

	r.logger.Info("job container started",
		slog.String("name", spec.Name),
		slog.String("containerID", id),
		slog.String("image", spec.Image),
	)

	var logsDone chan struct{}
	if r.logSink != nil {
		logsDone = make(chan struct{})
		go func() {
			defer close(logsDone)
			r.streamLogs(ctx, id)
		}()
	}

	var exitCode int
	select {
	case res := <-waitCh:
		if res.Error != nil && res.Error.Message != "" {
			return 0, fmt.Errorf("container wait %s: %s", id, res.Error.Message)
		}
		exitCode = int(res.StatusCode)
	case err := <-errCh:
		return 0, fmt.Errorf("container wait %s: %w", id, err)
	}

	if logsDone != nil {
		<-logsDone
	}

	span.SetAttributes(attribute.Int("exit_code", exitCode))
	r.logger.Info("job container exited",
		slog.String("containerID", id),
		slog.Int("exit_code", exitCode),
	)
	return exitCode, nil
}

func (r *Runner) containerConfig(spec job.Spec) (*container.Config, *container.HostConfig) {
	mount := spec.OutputMount
	if mount == "" {
		mount = job.DefaultOutputMount
	}

	env := make([]string, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, k+"="+spec.Env[k])
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   env,
	}
	if len(spec.Cmd) > 0 {
		cfg.Cmd = spec.Cmd
	}

	hostCfg := &container.HostConfig{}
	if spec.OutputDir != "" {
		hostCfg.Binds = []string{spec.OutputDir + ":" + mount}
	}
	if spec.ShmSizeBytes > 0 {
		hostCfg.ShmSize = spec.ShmSizeBytes
	}
	if spec.GPUs {
		hostCfg.DeviceRequests = []container.DeviceRequest{{
			Driver:       r.gpuDriver,
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return cfg, hostCfg
}

func (r *Runner) streamLogs(ctx context.Context, id string) {
	rc, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.logger.Warn("could not attach to container logs",
			slog.String("containerID", id),
			slog.String("error", err.Error()),
		)
		return
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(r.logSink, r.logSink, rc); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("container log stream ended with error",
			slog.String("containerID", id),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) remove(ctx context.Context, name, id string) {
	r.mu.Lock()
	delete(r.containers, name)
	r.mu.Unlock()

	if r.keep {
		return
	}
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("failed to remove job container",
			slog.String("containerID", id),
			slog.String("error", err.Error()),
		)
	}
}

// Shutdown force-removes any container still tracked (the executor was
// interrupted mid-run) and closes the client.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	snapshot := maps.Clone(r.containers)
	clear(r.containers)
	r.mu.Unlock()

	var errs []error
	for name, id := range snapshot {
		r.logger.Info("shutdown: removing job container",
			slog.String("name", name),
			slog.String("containerID", id),
		)
		if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			errs = append(errs, fmt.Errorf("container remove %s: %w", id, err))
		}
	}
	return errors.Join(append(errs, r.client.Close())...)
}
