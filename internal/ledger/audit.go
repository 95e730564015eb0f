package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// AuditOptions parameterizes Audit.
type AuditOptions struct {
	Now time.Time

	// Ceiling is the runtime ceiling the Safety Monitor enforces.
	Ceiling time.Duration

	// Grace is added to Ceiling before a run is presumed killed.
	Grace time.Duration

	// InstanceAlive, when set, is used to classify runs younger than
	// Ceiling+Grace whose instance has already disappeared.
	InstanceAlive func(ctx context.Context, instanceID string) (bool, error)
}

// Finding is a run without a terminal marker that needs a human.
type Finding struct {
	Run Run

	// Inferred is StateTerminatedBySafety when the run outlived the
	// ceiling, otherwise empty.
	Inferred State

	Age    time.Duration
	Reason string
}

// Audit scans the ledger for runs that never reached a terminal marker
// and explains why.  It never writes: the executor stays the only
// ledger writer.
func (l *Ledger) Audit(ctx context.Context, opts AuditOptions) ([]Finding, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	runs, err := l.List(ctx)
	if err != nil {
		return nil, err
	}

	deadline := opts.Ceiling + opts.Grace
	var findings []Finding
	for _, run := range runs {
		if run.State.Terminal() {
			continue
		}
		age := opts.Now.Sub(run.StartTime)

		if opts.Ceiling > 0 && age >= deadline {
			findings = append(findings, Finding{
				Run:      run,
				Inferred: StateTerminatedBySafety,
				Age:      age,
				Reason:   fmt.Sprintf("no terminal marker %s after start (ceiling %s)", age.Truncate(time.Second), opts.Ceiling),
			})
			continue
		}

		if opts.InstanceAlive == nil || run.InstanceID == "" {
			continue
		}
		alive, err := opts.InstanceAlive(ctx, run.InstanceID)
		if err != nil {
			l.logger.Warn("audit: instance lookup failed",
				slog.String("runID", run.RunID),
				slog.String("instance", run.InstanceID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !alive {
			findings = append(findings, Finding{
				Run:    run,
				Age:    age,
				Reason: "instance gone without terminal marker (interrupted)",
			})
		}
	}
	return findings, nil
}
