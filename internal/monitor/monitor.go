// Package monitor is the external watchdog.  It holds no state between
// invocations: every decision is derived from the instance's launch time
// as reported by the provisioning API, so it can run from any scheduler
// and be retried freely.
//
// The monitor never reads or writes the ledger.  A run it kills is left
// STARTED with no terminal marker, which the ledger audit later reports
// as terminated by safety.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gpurun/internal/launch"
	"github.com/terrpan/gpurun/internal/notify"
	"github.com/terrpan/gpurun/internal/provision"
)

// Action is what Check did.
type Action string

const (
	// ActionNone means the instance was within its ceiling.
	ActionNone Action = "none"
	// ActionNotRunning means the instance was absent or not running.
	ActionNotRunning Action = "not_running"
	// ActionTerminated means this check requested termination.
	ActionTerminated Action = "terminated"
	// ActionAlreadyTerminated means the ceiling was hit but the
	// instance was already on its way out.
	ActionAlreadyTerminated Action = "already_terminated"
)

// Decision is the outcome of one Check.
type Decision struct {
	InstanceID string
	Action     Action
	State      provision.State
	Age        time.Duration
}

// Config configures a Monitor.
type Config struct {
	Provisioner provision.Provisioner

	// Notifier receives hard alarm notifications.  Optional for Check.
	Notifier notify.Notifier

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Monitor enforces runtime ceilings from outside the instance.
type Monitor struct {
	provisioner provision.Provisioner
	notifier    notify.Notifier
	logger      *slog.Logger
	now         func() time.Time

	// OpenTelemetry instrumentation
	tracer       trace.Tracer
	terminations metric.Int64Counter
	alarms       metric.Int64Counter
}

// New creates a Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Provisioner == nil {
		return nil, errors.New("monitor: provisioner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Monitor{
		provisioner: cfg.Provisioner,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		now:         cfg.Now,
		tracer:      otel.Tracer("gpurun/monitor"),
	}

	meter := otel.Meter("gpurun/monitor")
	var err error
	m.terminations, err = meter.Int64Counter(
		"gpurun.monitor.terminations",
		metric.WithDescription("Total number of instances terminated for exceeding their runtime ceiling"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create terminations counter", slog.String("error", err.Error()))
	}
	m.alarms, err = meter.Int64Counter(
		"gpurun.monitor.alarms",
		metric.WithDescription("Total number of hard alarm notifications sent"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create alarms counter", slog.String("error", err.Error()))
	}
	return m, nil
}

// Check terminates instanceID if it has been running for maxRuntime or
// longer.  An instance that is gone or not running is left alone and
// produces no notification.
func (m *Monitor) Check(ctx context.Context, instanceID string, maxRuntime time.Duration) (Decision, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.Check",
		trace.WithAttributes(attribute.String("instance.id", instanceID)),
	)
	defer span.End()

	if maxRuntime <= 0 {
		return Decision{}, fmt.Errorf("monitor: max runtime must be positive, got %s", maxRuntime)
	}

	d := Decision{InstanceID: instanceID, Action: ActionNotRunning}
	inst, err := m.provisioner.Describe(ctx, instanceID)
	if errors.Is(err, provision.ErrNotFound) {
		m.logger.Info("instance not found, nothing to do", slog.String("instance_id", instanceID))
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}

	d.State = inst.State
	if inst.State != provision.StateRunning {
		m.logger.Info("instance not running, nothing to do",
			slog.String("instance_id", instanceID),
			slog.String("state", string(inst.State)),
		)
		return d, nil
	}

	d.Age = inst.Age(m.now())
	span.SetAttributes(attribute.Float64("instance.age_seconds", d.Age.Seconds()))
	if d.Age < maxRuntime {
		d.Action = ActionNone
		m.logger.Debug("instance within runtime ceiling",
			slog.String("instance_id", instanceID),
			slog.Duration("age", d.Age),
			slog.Duration("max_runtime", maxRuntime),
		)
		return d, nil
	}

	m.logger.Warn("instance exceeded runtime ceiling, terminating",
		slog.String("instance_id", instanceID),
		slog.Duration("age", d.Age),
		slog.Duration("max_runtime", maxRuntime),
	)
	res, err := m.provisioner.Terminate(ctx, instanceID)
	if err != nil {
		return d, fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}
	if res == provision.AlreadyTerminated {
		d.Action = ActionAlreadyTerminated
		return d, nil
	}

	d.Action = ActionTerminated
	if m.terminations != nil {
		m.terminations.Add(ctx, 1)
	}
	return d, nil
}

// Alarm sweeps every managed instance and sends one notification
// listing those that have been running for longer than after.  It
// needs no instance id, so it still fires for runs whose per-instance
// check was never scheduled.  It returns the offending instances.
func (m *Monitor) Alarm(ctx context.Context, after time.Duration) ([]provision.Instance, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.Alarm")
	defer span.End()

	if m.notifier == nil {
		return nil, errors.New("monitor: notifier is required for the hard alarm")
	}

	instances, err := m.provisioner.List(ctx, launch.ManagedSelector())
	if err != nil {
		return nil, fmt.Errorf("list managed instances: %w", err)
	}

	now := m.now()
	var overdue []provision.Instance
	for _, inst := range instances {
		if inst.State == provision.StateRunning && inst.Age(now) > after {
			overdue = append(overdue, inst)
		}
	}
	span.SetAttributes(
		attribute.Int("instances.managed", len(instances)),
		attribute.Int("instances.overdue", len(overdue)),
	)
	if len(overdue) == 0 {
		m.logger.Info("hard alarm sweep clean", slog.Int("managed", len(instances)))
		return nil, nil
	}

	sort.Slice(overdue, func(i, j int) bool { return overdue[i].LaunchTime.Before(overdue[j].LaunchTime) })

	ids := make([]string, len(overdue))
	lines := make([]string, len(overdue))
	for i, inst := range overdue {
		ids[i] = inst.ID
		lines[i] = fmt.Sprintf("%s running for %s", inst.ID, inst.Age(now).Truncate(time.Minute))
	}
	n := notify.Notification{
		Kind:    notify.KindSafetyAlarm,
		Subject: fmt.Sprintf("%d run instance(s) running longer than %s", len(overdue), after),
		Message: strings.Join(lines, "\n"),
		Fields: map[string]string{
			"instances": strings.Join(ids, ","),
			"count":     strconv.Itoa(len(overdue)),
			"after":     after.String(),
		},
		Time: now.UTC(),
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		return overdue, fmt.Errorf("send hard alarm: %w", err)
	}
	if m.alarms != nil {
		m.alarms.Add(ctx, 1)
	}
	m.logger.Warn("hard alarm sent", slog.Int("overdue", len(overdue)))
	return overdue, nil
}
