// Package launch starts a run: it validates the request, encodes the
// run parameters into instance metadata and asks the provisioning API
// for a fresh instance.  It returns as soon as the request is accepted;
// it never polls the instance and never writes to the ledger (the run
// id is minted by the executor once the instance is up).
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gpurun/internal/provision"
)

const (
	// LabelManaged marks every instance this system creates.  The hard
	// alarm sweeps by it.
	LabelManaged = "gpurun-managed"

	// NamePrefix prefixes every instance name.
	NamePrefix = "gpurun-"
)

// ManagedSelector is the label selector matching every run instance.
func ManagedSelector() map[string]string {
	return map[string]string{LabelManaged: "true"}
}

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid launch request")

var (
	labelKeyRe   = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)
	labelValueRe = regexp.MustCompile(`^[a-z0-9_-]{0,63}$`)
)

// Request is what an operator asks for.
type Request struct {
	Image        string
	DataURI      string
	OutputPrefix string
	MaxRuntime   time.Duration

	// SelfTerminate lets the executor delete its own instance after
	// the terminal marker.  Disable only for debugging.
	SelfTerminate bool
	Grace         time.Duration

	Cmd     []string
	Env     map[string]string
	Secrets map[string]string
}

// Config configures a Controller.
type Config struct {
	Provisioner provision.Provisioner

	// Labels are added to every instance, typically the budget tag used
	// for cost attribution (e.g. budget=lora).
	Labels map[string]string

	// BackstopMargin is added to the runtime ceiling and grace to form
	// the provider-side maximum run duration.  A negative value
	// disables the backstop.  Default: 30m.
	BackstopMargin time.Duration

	Logger *slog.Logger
}

// Result describes an accepted launch.
type Result struct {
	InstanceID string
	Params     Params
}

// Controller launches runs.
type Controller struct {
	provisioner    provision.Provisioner
	labels         map[string]string
	backstopMargin time.Duration
	logger         *slog.Logger

	// OpenTelemetry instrumentation
	tracer   trace.Tracer
	launches metric.Int64Counter
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Provisioner == nil {
		return nil, errors.New("launch: provisioner is required")
	}
	if cfg.BackstopMargin == 0 {
		cfg.BackstopMargin = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for k, v := range cfg.Labels {
		if k == LabelManaged {
			return nil, fmt.Errorf("launch: label %q is reserved", k)
		}
		if !labelKeyRe.MatchString(k) || !labelValueRe.MatchString(v) {
			return nil, fmt.Errorf("launch: label %s=%s is not a valid instance label", k, v)
		}
	}

	c := &Controller{
		provisioner:    cfg.Provisioner,
		labels:         cfg.Labels,
		backstopMargin: cfg.BackstopMargin,
		logger:         cfg.Logger,
		tracer:         otel.Tracer("gpurun/launch"),
	}

	var err error
	c.launches, err = otel.Meter("gpurun/launch").Int64Counter(
		"gpurun.launches",
		metric.WithDescription("Total number of launch requests accepted by the provider"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create launches counter", slog.String("error", err.Error()))
	}
	return c, nil
}

// Launch validates req and provisions one instance for it.
func (c *Controller) Launch(ctx context.Context, req Request) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "launch.Launch")
	defer span.End()

	params := Params{
		Image:             req.Image,
		DataURI:           req.DataURI,
		OutputPrefix:      req.OutputPrefix,
		MaxRuntimeSeconds: int64(req.MaxRuntime / time.Second),
		SelfTerminate:     req.SelfTerminate,
		GraceSeconds:      int64(req.Grace / time.Second),
		Cmd:               req.Cmd,
		Env:               req.Env,
		Secrets:           req.Secrets,
	}
	if req.MaxRuntime > 0 && req.MaxRuntime < time.Second {
		return Result{}, fmt.Errorf("%w: max runtime must be at least 1s", ErrInvalidRequest)
	}
	encoded, err := EncodeParams(params)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	name := NewInstanceName()
	labels := maps.Clone(c.labels)
	if labels == nil {
		labels = make(map[string]string, 1)
	}
	labels[LabelManaged] = "true"

	spec := provision.LaunchSpec{
		Name:     name,
		Metadata: map[string]string{MetadataKey: encoded},
		Labels:   labels,
	}
	if c.backstopMargin > 0 {
		spec.MaxRunDuration = req.MaxRuntime + req.Grace + c.backstopMargin
	}

	span.SetAttributes(
		attribute.String("instance.name", name),
		attribute.String("image", req.Image),
		attribute.Int64("max_runtime_seconds", params.MaxRuntimeSeconds),
	)

	id, err := c.provisioner.Provision(ctx, spec)
	if err != nil {
		return Result{}, fmt.Errorf("provision %s: %w", name, err)
	}

	if c.launches != nil {
		c.launches.Add(ctx, 1)
	}
	c.logger.Info("run instance requested",
		slog.String("instance_id", id),
		slog.String("image", req.Image),
		slog.Duration("max_runtime", req.MaxRuntime),
		slog.Bool("self_terminate", req.SelfTerminate),
	)
	return Result{InstanceID: id, Params: params}, nil
}

// NewInstanceName returns a fresh "gpurun-<8 hex>" name.
func NewInstanceName() string {
	return NamePrefix + uuid.NewString()[:8]
}
