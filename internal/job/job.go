// Package job defines how the executor hands the workload to a
// container engine.  The workload itself is opaque: it receives its
// inputs through environment variables and writes results into the
// bind-mounted output directory.
package job

import "context"

// Environment variables injected into every job container.
const (
	EnvRunID     = "GPURUN_RUN_ID"
	EnvDataURI   = "GPURUN_DATA_URI"
	EnvOutputDir = "GPURUN_OUTPUT_DIR"
)

// DefaultOutputMount is where the host output directory appears inside
// the container.
const DefaultOutputMount = "/output"

// Spec describes one job container.
type Spec struct {
	// Name of the container.  Optional.
	Name string

	Image string

	// Cmd overrides the image entrypoint arguments.  Optional.
	Cmd []string

	// Env is passed verbatim.  Secret material travels here and only
	// here.
	Env map[string]string

	// OutputDir is the host directory bind-mounted at OutputMount.
	OutputDir   string
	OutputMount string

	// GPUs attaches every accelerator on the host.
	GPUs bool

	// ShmSizeBytes sizes /dev/shm.  Training data loaders need more
	// than the 64MB default.  0 keeps the engine default.
	ShmSizeBytes int64
}

// Runner starts job containers and waits for them.
type Runner interface {
	// Pull makes image available locally.
	Pull(ctx context.Context, image string) error

	// Run starts the container, blocks until it exits and returns its
	// exit code.  A non-nil error means the exit code is unknown.
	Run(ctx context.Context, spec Spec) (exitCode int, err error)
}
