// Package gcp implements the provision.Provisioner interface using Google
// Cloud Compute Engine to host each run on its own GPU VM.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/gpurun/internal/provision"
)

// Config holds GCP-specific provisioning settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where run VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "g2-standard-8".
	MachineType string

	// Image is the full self-link or family URL of the run image
	// (required for Provision).  It must carry the gpurun binary, the
	// container engine and the GPU driver.
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 200.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).
	Subnet string

	// PublicIP controls whether run VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email attached to run
	// VMs.  It needs compute.instances.delete on itself for
	// self-termination.
	ServiceAccount string

	// AcceleratorType (e.g. "nvidia-l4") and AcceleratorCount attach
	// GPUs.  Machine families with built-in GPUs (a2, g2) may leave
	// this empty.
	AcceleratorType  string
	AcceleratorCount int32

	// Spot requests preemptible capacity.  A preemption mid-run is a
	// declared, unrecovered failure.
	Spot bool

	// StartupScript is installed as the "startup-script" metadata item
	// and is expected to exec "gpurun execute".
	StartupScript string
}

// ---------------------------------------------------------------------------
// API seams (satisfied by the REST clients and by test mocks)
// ---------------------------------------------------------------------------

type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error)
	Close() error
}

type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := r.c.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	op, err := r.c.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r restInstances) List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	var out []*computepb.Instance
	it := r.c.List(ctx, req)
	for {
		inst, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
}

func (r restInstances) Close() error { return r.c.Close() }

// ---------------------------------------------------------------------------
// Provisioner
// ---------------------------------------------------------------------------

// Provisioner manages run VMs on GCP Compute Engine.
type Provisioner struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Provisioner satisfies provision.Provisioner.
var _ provision.Provisioner = (*Provisioner)(nil)

// New creates a GCP provisioner using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provisioner, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "g2-standard-8"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 200
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp provisioner initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
	)

	return newProvisioner(restInstances{c: client}, cfg, logger), nil
}

func newProvisioner(client instancesAPI, cfg Config, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("gpurun/provision/gcp"),
	}
}

// Close releases the API client.
func (p *Provisioner) Close() error {
	return p.client.Close()
}

// Provision creates a VM for one run.  Run parameters travel as
// instance metadata so the executor can read them from inside.
func (p *Provisioner) Provision(ctx context.Context, spec provision.LaunchSpec) (string, error) {
	ctx, span := p.tracer.Start(ctx, "provision.gcp.Provision")
	defer span.End()

	name := spec.Name
	span.SetAttributes(
		attribute.String("instance.name", name),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
		attribute.String("gcp.machine_type", p.cfg.MachineType),
	)

	if p.cfg.Image == "" {
		return "", fmt.Errorf("provision %s: no instance image configured", name)
	}

	instance := p.buildInstance(spec)

	p.logger.Info("creating run VM",
		slog.String("name", name),
		slog.String("machine_type", p.cfg.MachineType),
		slog.String("zone", p.cfg.Zone),
		slog.Bool("spot", p.cfg.Spot),
	)

	op, err := p.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.cfg.Project,
		Zone:             p.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	p.logger.Info("run VM created", slog.String("name", name), slog.String("zone", p.cfg.Zone))

	// For GCP, the instance name is the opaque handle.
	return name, nil
}

func (p *Provisioner) buildInstance(spec provision.LaunchSpec) *computepb.Instance {
	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, p.cfg.MachineType)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(p.cfg.Image),
			DiskSizeGb:  proto.Int64(p.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", p.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", p.cfg.Network)),
	}
	if p.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(p.cfg.Subnet)
	}
	if p.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	items := make([]*computepb.Items, 0, len(spec.Metadata)+1)
	for _, k := range slices.Sorted(maps.Keys(spec.Metadata)) {
		items = append(items, &computepb.Items{
			Key:   proto.String(k),
			Value: proto.String(spec.Metadata[k]),
		})
	}
	if p.cfg.StartupScript != "" {
		items = append(items, &computepb.Items{
			Key:   proto.String("startup-script"),
			Value: proto.String(p.cfg.StartupScript),
		})
	}

	// GPU hosts cannot live-migrate; a run is never restarted in place.
	scheduling := &computepb.Scheduling{
		OnHostMaintenance: proto.String("TERMINATE"),
		AutomaticRestart:  proto.Bool(false),
	}
	if p.cfg.Spot {
		scheduling.ProvisioningModel = proto.String("SPOT")
		scheduling.InstanceTerminationAction = proto.String("DELETE")
	}
	if spec.MaxRunDuration > 0 {
		scheduling.MaxRunDuration = &computepb.Duration{
			Seconds: proto.Int64(int64(spec.MaxRunDuration / time.Second)),
		}
		scheduling.InstanceTerminationAction = proto.String("DELETE")
	}

	instance := &computepb.Instance{
		Name:              proto.String(spec.Name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          &computepb.Metadata{Items: items},
		Labels:            spec.Labels,
		Scheduling:        scheduling,
	}

	if p.cfg.AcceleratorType != "" && p.cfg.AcceleratorCount > 0 {
		instance.GuestAccelerators = []*computepb.AcceleratorConfig{
			{
				AcceleratorType:  proto.String(fmt.Sprintf("zones/%s/acceleratorTypes/%s", p.cfg.Zone, p.cfg.AcceleratorType)),
				AcceleratorCount: proto.Int32(p.cfg.AcceleratorCount),
			},
		}
	}

	if p.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(p.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}
	return instance
}

// Terminate permanently deletes the VM identified by id.
// It is idempotent -- deleting an already-deleted VM is not an error.
func (p *Provisioner) Terminate(ctx context.Context, id string) (provision.TerminateResult, error) {
	ctx, span := p.tracer.Start(ctx, "provision.gcp.Terminate")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
	)

	p.logger.Info("terminating run VM", slog.String("name", id))

	op, err := p.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		// Treat "not found" as success -- the instance is already gone.
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			p.logger.Info("run VM already deleted", slog.String("name", id))
			return provision.AlreadyTerminated, nil
		}
		return "", fmt.Errorf("delete instance %s: %w", id, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Another actor may have deleted it between our request and
		// the operation completing.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			p.logger.Info("run VM already deleted", slog.String("name", id))
			return provision.AlreadyTerminated, nil
		}
		return "", fmt.Errorf("waiting for delete of %s: %w", id, err)
	}

	p.logger.Info("run VM terminated", slog.String("name", id))
	return provision.Terminated, nil
}

// Describe reports the VM's state and creation time.
func (p *Provisioner) Describe(ctx context.Context, id string) (provision.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "provision.gcp.Describe")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", id))

	inst, err := p.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		if isNotFound(err) {
			return provision.Instance{}, fmt.Errorf("describe %s: %w", id, provision.ErrNotFound)
		}
		return provision.Instance{}, fmt.Errorf("get instance %s: %w", id, err)
	}
	return toInstance(inst)
}

// List returns every VM in the zone carrying all labels in selector.
func (p *Provisioner) List(ctx context.Context, selector map[string]string) ([]provision.Instance, error) {
	ctx, span := p.tracer.Start(ctx, "provision.gcp.List")
	defer span.End()

	req := &computepb.ListInstancesRequest{
		Project: p.cfg.Project,
		Zone:    p.cfg.Zone,
	}
	if f := labelFilter(selector); f != "" {
		req.Filter = proto.String(f)
	}

	raw, err := p.client.List(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	out := make([]provision.Instance, 0, len(raw))
	for _, inst := range raw {
		i, err := toInstance(inst)
		if err != nil {
			p.logger.Warn("skipping instance with unparseable metadata",
				slog.String("name", inst.GetName()),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, i)
	}
	span.SetAttributes(attribute.Int("gcp.instances_count", len(out)))
	return out, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func toInstance(inst *computepb.Instance) (provision.Instance, error) {
	launched, err := time.Parse(time.RFC3339, inst.GetCreationTimestamp())
	if err != nil {
		return provision.Instance{}, fmt.Errorf("parse creation timestamp of %s: %w", inst.GetName(), err)
	}
	return provision.Instance{
		ID:         inst.GetName(),
		State:      mapStatus(inst.GetStatus()),
		LaunchTime: launched,
		Labels:     inst.GetLabels(),
	}, nil
}

// mapStatus folds the Compute Engine status enum into provision.State.
func mapStatus(status string) provision.State {
	switch status {
	case "RUNNING", "REPAIRING":
		return provision.StateRunning
	case "STOPPING", "SUSPENDING":
		return provision.StateStopping
	case "TERMINATED", "STOPPED", "SUSPENDED":
		return provision.StateTerminated
	default: // PROVISIONING, STAGING
		return provision.StatePending
	}
}

func labelFilter(selector map[string]string) string {
	parts := make([]string, 0, len(selector))
	for _, k := range slices.Sorted(maps.Keys(selector)) {
		parts = append(parts, fmt.Sprintf("(labels.%s = %q)", k, selector[k]))
	}
	return strings.Join(parts, " AND ")
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	// googleapi.Error formats as "googleapi: Error 404: ..."
	// gRPC status formats as "code = NotFound"
	msg := err.Error()
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
