package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/terrpan/gpurun/internal/config"
	"github.com/terrpan/gpurun/internal/ledger"
	"github.com/terrpan/gpurun/internal/notify"
	"github.com/terrpan/gpurun/internal/provision"
)

var runsFlags struct {
	prefix         string
	output         string
	maxRuntime     time.Duration
	grace          time.Duration
	notify         bool
	checkInstances bool
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Read the run ledger",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, l, err := openLedger(ctx, "runs")
		if err != nil {
			return err
		}
		defer a.close(ctx)

		runs, err := l.List(ctx)
		if err != nil {
			return err
		}
		if runsFlags.output == "json" {
			return writeJSON(os.Stdout, runs)
		}
		return renderRuns(os.Stdout, runs)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show one run record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, l, err := openLedger(ctx, "runs")
		if err != nil {
			return err
		}
		defer a.close(ctx)

		run, err := l.Get(ctx, args[0])
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("run %s not found under prefix %q", args[0], l.RunPrefix(""))
		}
		if err != nil {
			return err
		}
		if runsFlags.output == "json" {
			return writeJSON(os.Stdout, run)
		}
		return renderRun(os.Stdout, run)
	},
}

var runsAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report runs that never reached a terminal marker",
	Long: `audit lists STARTED runs without a terminal marker.  Runs older than
--max-runtime plus --grace are reported as TERMINATED_BY_SAFETY (the
monitor killed them).  With --check-instances, younger runs whose VM
is already gone are reported as interrupted.

The audit never writes to the ledger.  With --notify it sends one
summary notification when there are findings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, l, err := openLedger(ctx, "audit")
		if err != nil {
			return err
		}
		defer a.close(ctx)

		grace := a.cfg.Launch.Grace
		if cmd.Flags().Changed("grace") {
			grace = runsFlags.grace
		}
		opts := ledger.AuditOptions{
			Now:     time.Now(),
			Ceiling: runsFlags.maxRuntime,
			Grace:   grace,
		}

		if runsFlags.checkInstances {
			if err := a.cfg.Validate(config.NeedGCP); err != nil {
				return err
			}
			prov, err := a.cfg.NewProvisioner(ctx, a.logger)
			if err != nil {
				return fmt.Errorf("initializing provisioner: %w", err)
			}
			defer prov.Close()
			opts.InstanceAlive = instanceAlive(prov)
		}

		findings, err := l.Audit(ctx, opts)
		if err != nil {
			return err
		}

		if runsFlags.output == "json" {
			if err := writeJSON(os.Stdout, findings); err != nil {
				return err
			}
		} else if err := renderFindings(os.Stdout, findings); err != nil {
			return err
		}

		if runsFlags.notify && len(findings) > 0 {
			notifier, err := a.cfg.NewNotifier(a.logger)
			if err != nil {
				return err
			}
			if err := notifier.Notify(ctx, auditNotification(findings, opts.Now)); err != nil {
				return fmt.Errorf("send audit notification: %w", err)
			}
			a.logger.Info("audit notification sent", slog.Int("findings", len(findings)))
		}
		return nil
	},
}

func init() {
	pf := runsCmd.PersistentFlags()
	pf.StringVar(&runsFlags.prefix, "prefix", "", "Ledger prefix (default: store.ledger_prefix)")
	pf.StringVarP(&runsFlags.output, "output", "o", "table", "Output format (table, json)")

	af := runsAuditCmd.Flags()
	af.DurationVar(&runsFlags.maxRuntime, "max-runtime", 0, "Runtime ceiling the runs were launched with (required)")
	af.DurationVar(&runsFlags.grace, "grace", 0, "Grace added to the ceiling (default: launch.grace)")
	af.BoolVar(&runsFlags.notify, "notify", false, "Send one notification summarising the findings")
	af.BoolVar(&runsFlags.checkInstances, "check-instances", false, "Ask the provider whether younger runs still have a VM")
	_ = runsAuditCmd.MarkFlagRequired("max-runtime")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsAuditCmd)
}

func openLedger(ctx context.Context, component string) (*app, *ledger.Ledger, error) {
	a, err := setup(ctx, component, config.NeedStore)
	if err != nil {
		return nil, nil, err
	}
	store, err := a.cfg.NewStore(ctx, a.logger)
	if err != nil {
		a.close(ctx)
		return nil, nil, fmt.Errorf("connecting to object store: %w", err)
	}
	return a, a.cfg.NewLedger(store, runsFlags.prefix, a.logger), nil
}

// instanceAlive reports whether the run's VM still exists and is not
// being torn down.
func instanceAlive(p provision.Provisioner) func(context.Context, string) (bool, error) {
	return func(ctx context.Context, id string) (bool, error) {
		inst, err := p.Describe(ctx, id)
		if errors.Is(err, provision.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return inst.State == provision.StatePending || inst.State == provision.StateRunning, nil
	}
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderRuns(w io.Writer, runs []ledger.Run) error {
	table := tablewriter.NewWriter(w)
	table.Header("Run", "State", "Instance", "Image", "Started", "Duration", "Exit")
	for _, r := range runs {
		if err := table.Append(
			r.RunID,
			string(r.State),
			r.InstanceID,
			r.Image,
			r.StartTime.Format(time.RFC3339),
			formatDuration(r.Duration()),
			formatExit(r.ExitCode),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderRun(w io.Writer, r ledger.Run) error {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("Run", r.RunID)
	table.Append("State", string(r.State))
	table.Append("Instance", r.InstanceID)
	table.Append("Image", r.Image)
	table.Append("Started", r.StartTime.Format(time.RFC3339))
	if r.EndTime != nil {
		table.Append("Ended", r.EndTime.Format(time.RFC3339))
		table.Append("Duration", formatDuration(r.Duration()))
	}
	table.Append("Exit", formatExit(r.ExitCode))
	if r.Error != "" {
		table.Append("Error", r.Error)
	}
	for i, key := range r.Artifacts {
		label := ""
		if i == 0 {
			label = fmt.Sprintf("Artifacts (%d)", len(r.Artifacts))
		}
		table.Append(label, key)
	}
	return table.Render()
}

func renderFindings(w io.Writer, findings []ledger.Finding) error {
	if len(findings) == 0 {
		_, err := fmt.Fprintln(w, "No unterminated runs.")
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("Run", "Instance", "Age", "Inferred", "Reason")
	for _, f := range findings {
		inferred := string(f.Inferred)
		if inferred == "" {
			inferred = "INTERRUPTED"
		}
		if err := table.Append(
			f.Run.RunID,
			f.Run.InstanceID,
			formatDuration(f.Age),
			inferred,
			f.Reason,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func auditNotification(findings []ledger.Finding, now time.Time) notify.Notification {
	lines := make([]string, len(findings))
	ids := make([]string, len(findings))
	safety := 0
	for i, f := range findings {
		ids[i] = f.Run.RunID
		lines[i] = fmt.Sprintf("%s (%s): %s", f.Run.RunID, f.Run.InstanceID, f.Reason)
		if f.Inferred == ledger.StateTerminatedBySafety {
			safety++
		}
	}
	return notify.Notification{
		Kind:    notify.KindAudit,
		Subject: fmt.Sprintf("%d run(s) without a terminal marker", len(findings)),
		Message: strings.Join(lines, "\n"),
		Fields: map[string]string{
			"runs":                 strings.Join(ids, ","),
			"terminated_by_safety": strconv.Itoa(safety),
			"interrupted":          strconv.Itoa(len(findings) - safety),
		},
		Time: now.UTC(),
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Truncate(time.Second).String()
}

func formatExit(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}
