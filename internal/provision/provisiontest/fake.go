// Package provisiontest provides an in-memory provision.Provisioner for
// tests of the components that drive instances.
package provisiontest

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/terrpan/gpurun/internal/provision"
)

// Fake records every call and keeps instances in a map.  Terminate is
// idempotent like the real backends.
type Fake struct {
	mu sync.Mutex

	instances map[string]provision.Instance
	next      int

	provisioned []provision.LaunchSpec
	terminates  []string

	// Now stamps LaunchTime on Provision.  Defaults to time.Now.
	Now func() time.Time

	// Error hooks.
	ProvisionErr error
	TerminateErr error
	DescribeErr  error
	ListErr      error
}

// Compile-time check.
var _ provision.Provisioner = (*Fake)(nil)

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{instances: make(map[string]provision.Instance)}
}

// Add registers an instance directly.
func (f *Fake) Add(inst provision.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID] = inst
}

// SetState changes the state of a known instance.
func (f *Fake) SetState(id string, state provision.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.instances[id]
	inst.State = state
	f.instances[id] = inst
}

func (f *Fake) Provision(_ context.Context, spec provision.LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.provisioned = append(f.provisioned, spec)
	if f.ProvisionErr != nil {
		return "", f.ProvisionErr
	}

	id := spec.Name
	if id == "" {
		f.next++
		id = fmt.Sprintf("fake-%d", f.next)
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	f.instances[id] = provision.Instance{
		ID:         id,
		State:      provision.StatePending,
		LaunchTime: now(),
		Labels:     maps.Clone(spec.Labels),
	}
	return id, nil
}

func (f *Fake) Terminate(_ context.Context, id string) (provision.TerminateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.terminates = append(f.terminates, id)
	if f.TerminateErr != nil {
		return "", f.TerminateErr
	}

	inst, ok := f.instances[id]
	if !ok || inst.State == provision.StateTerminated || inst.State == provision.StateStopping {
		return provision.AlreadyTerminated, nil
	}
	inst.State = provision.StateTerminated
	f.instances[id] = inst
	return provision.Terminated, nil
}

func (f *Fake) Describe(_ context.Context, id string) (provision.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DescribeErr != nil {
		return provision.Instance{}, f.DescribeErr
	}
	inst, ok := f.instances[id]
	if !ok {
		return provision.Instance{}, fmt.Errorf("describe %s: %w", id, provision.ErrNotFound)
	}
	return inst, nil
}

func (f *Fake) List(_ context.Context, selector map[string]string) ([]provision.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []provision.Instance
	for _, inst := range f.instances {
		if matches(inst.Labels, selector) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Provisioned returns the specs passed to Provision.
func (f *Fake) Provisioned() []provision.LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provision.LaunchSpec(nil), f.provisioned...)
}

// Terminates returns the ids passed to Terminate, in order.
func (f *Fake) Terminates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminates...)
}

// Instance returns the stored instance.
func (f *Fake) Instance(id string) (provision.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	return inst, ok
}

func matches(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// StaticIdentity resolves to a fixed instance id.
type StaticIdentity struct {
	ID  string
	Err error
}

func (s StaticIdentity) InstanceID(context.Context) (string, error) {
	return s.ID, s.Err
}
