// Package provision defines the contract every compute backend must
// satisfy to host a run.  Each backend (GCP today) implements the
// Provisioner interface so the launch controller, the executor's
// self-termination and the safety monitor stay backend-agnostic.
//
// Instances are strictly ephemeral: one instance hosts exactly one
// run and is then permanently destroyed (deleted, never stopped).
//
//	Provision → pending → running → (job done | ceiling hit) → Terminate
package provision

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Describe when the instance does not exist.
var ErrNotFound = errors.New("instance not found")

// State is the lifecycle state of an instance as reported by the
// provisioning API.  This system never sets it; it only observes.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

// Instance is what Describe and List report.
type Instance struct {
	ID         string
	State      State
	LaunchTime time.Time
	Labels     map[string]string
}

// Age is the wall-clock time since launch.
func (i Instance) Age(now time.Time) time.Duration {
	return now.Sub(i.LaunchTime)
}

// LaunchSpec is everything a backend needs to create a run instance.
type LaunchSpec struct {
	// Name is the instance name and becomes its handle.
	Name string

	// Metadata is injected into the instance and readable from inside
	// it (run parameters).
	Metadata map[string]string

	// Labels tag the instance for the hard alarm sweep and for cost
	// attribution.
	Labels map[string]string

	// MaxRunDuration, when > 0, asks the backend to enforce its own
	// deletion deadline as a last-resort backstop.
	MaxRunDuration time.Duration
}

// TerminateResult says what Terminate actually did.
type TerminateResult string

const (
	// Terminated means this call requested the deletion.
	Terminated TerminateResult = "terminated"

	// AlreadyTerminated means the instance was already gone.  Callers
	// must treat it as success.
	AlreadyTerminated TerminateResult = "already_terminated"
)

// Provisioner is the instance provisioning API consumed by this system.
type Provisioner interface {
	// Provision creates an instance and returns its handle.  It returns
	// once the backend accepted the request, not once the instance has
	// booted.
	Provision(ctx context.Context, spec LaunchSpec) (id string, err error)

	// Terminate permanently destroys the instance.  It must be
	// idempotent: terminating an already-terminated or missing
	// instance returns AlreadyTerminated and no error.
	Terminate(ctx context.Context, id string) (TerminateResult, error)

	// Describe reports the instance's current state and launch time.
	Describe(ctx context.Context, id string) (Instance, error)

	// List returns instances carrying every label in selector.
	List(ctx context.Context, selector map[string]string) ([]Instance, error)
}

// Identity resolves the handle of the instance the caller runs on.
type Identity interface {
	InstanceID(ctx context.Context) (string, error)
}
