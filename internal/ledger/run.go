package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a run.
type State string

const (
	StateStarted   State = "STARTED"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"

	// StateTerminatedBySafety is never written to the ledger.  It is
	// inferred by Audit for runs that have no terminal marker long after
	// their runtime ceiling.
	StateTerminatedBySafety State = "TERMINATED_BY_SAFETY"
)

// ExitCodeBootFailure marks a run that failed before the job process
// was ever started (no accelerator, image pull failure, ...).
const ExitCodeBootFailure = -1

// ExitCodeUnobserved marks a run whose job was started but whose exit
// could not be collected (the runner lost the container, the wait was
// cancelled).  The job may have done work; partial artifacts are kept.
const ExitCodeUnobserved = -2

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateStarted, StateSucceeded, StateFailed, StateTerminatedBySafety:
		return true
	}
	return false
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTerminatedBySafety
}

// ErrInvalidRun is wrapped by every validation failure.
var ErrInvalidRun = errors.New("invalid run record")

// Run is the durable record of one execution attempt.
type Run struct {
	RunID      string     `json:"run_id"`
	State      State      `json:"state"`
	InstanceID string     `json:"instance_id,omitempty"`
	Image      string     `json:"image,omitempty"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Artifacts  []string   `json:"artifacts,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NewRunID returns a sortable, time-derived identifier such as
// "20261019T153000Z-1f3a9c0d".
func NewRunID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// NewRun returns a run in the STARTED state.
func NewRun(runID, instanceID, image string, start time.Time) Run {
	return Run{
		RunID:      runID,
		State:      StateStarted,
		InstanceID: instanceID,
		Image:      image,
		StartTime:  start.UTC(),
	}
}

// Complete returns a copy of r moved to its terminal state.  A zero
// exit code with no failure reason is a success; anything else fails.
func (r Run) Complete(end time.Time, exitCode int, artifacts []string, reason string) Run {
	end = end.UTC()
	out := r
	out.EndTime = &end
	out.ExitCode = &exitCode
	out.Artifacts = append([]string(nil), artifacts...)
	out.Error = reason
	if exitCode == 0 && reason == "" {
		out.State = StateSucceeded
	} else {
		out.State = StateFailed
	}
	return out
}

// Duration is the wall-clock runtime of a finished run, or zero.
func (r Run) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Validate checks the structural invariants of a record.
func (r Run) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("%w: run_id is empty", ErrInvalidRun)
	}
	if !r.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRun, r.State)
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("%w: start_time is missing", ErrInvalidRun)
	}

	finished := r.State == StateSucceeded || r.State == StateFailed
	switch {
	case finished && r.ExitCode == nil:
		return fmt.Errorf("%w: %s requires exit_code", ErrInvalidRun, r.State)
	case !finished && r.ExitCode != nil:
		return fmt.Errorf("%w: exit_code not allowed in state %s", ErrInvalidRun, r.State)
	case finished && r.EndTime == nil:
		return fmt.Errorf("%w: %s requires end_time", ErrInvalidRun, r.State)
	case r.State == StateStarted && r.EndTime != nil:
		return fmt.Errorf("%w: end_time set on a started run", ErrInvalidRun)
	case r.State == StateStarted && len(r.Artifacts) > 0:
		return fmt.Errorf("%w: artifacts recorded before a terminal state", ErrInvalidRun)
	}
	if r.State == StateSucceeded && *r.ExitCode != 0 {
		return fmt.Errorf("%w: SUCCEEDED with exit_code %d", ErrInvalidRun, *r.ExitCode)
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		return fmt.Errorf("%w: end_time before start_time", ErrInvalidRun)
	}
	return nil
}

// Encode validates r and renders it as indented JSON.
func Encode(r Run) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal run %s: %w", r.RunID, err)
	}
	return append(data, '\n'), nil
}

// Decode parses and validates a record.
func Decode(data []byte) (Run, error) {
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	if err := r.Validate(); err != nil {
		return Run{}, err
	}
	return r, nil
}
