package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/gpurun/internal/config"
	"github.com/terrpan/gpurun/internal/monitor"
)

var monitorFlags struct {
	instanceID string
	maxRuntime time.Duration
	after      time.Duration
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "External safety checks, run on a schedule",
}

var monitorCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Terminate the instance if it has run for max-runtime or longer",
	Long: `check describes one run VM and deletes it once now - launch_time has
reached --max-runtime.  A VM that is gone or not running is left alone.
It never writes to the ledger: a run it kills has no terminal marker
and shows up in "gpurun runs audit".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, "monitor", config.NeedGCP)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		prov, err := a.cfg.NewProvisioner(ctx, a.logger)
		if err != nil {
			return fmt.Errorf("initializing provisioner: %w", err)
		}
		defer prov.Close()

		mon, err := monitor.New(monitor.Config{
			Provisioner: prov,
			Logger:      a.logger.WithGroup("monitor"),
		})
		if err != nil {
			return err
		}

		d, err := mon.Check(ctx, monitorFlags.instanceID, monitorFlags.maxRuntime)
		if err != nil {
			return err
		}
		a.logger.Info("monitor check done",
			slog.String("instance_id", d.InstanceID),
			slog.String("action", string(d.Action)),
			slog.String("state", string(d.State)),
			slog.Duration("age", d.Age),
		)
		return nil
	},
}

var monitorAlarmCmd = &cobra.Command{
	Use:   "alarm",
	Short: "Notify about any managed instance running longer than --after",
	Long: `alarm lists every VM labelled gpurun-managed=true and sends one
notification naming those that have been running longer than --after.
It needs no instance id, so it still fires when no per-instance check
was ever scheduled.  It only notifies; it never deletes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, "alarm", config.NeedGCP)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		after := a.cfg.Monitor.AlarmAfter
		if cmd.Flags().Changed("after") {
			after = monitorFlags.after
		}

		prov, err := a.cfg.NewProvisioner(ctx, a.logger)
		if err != nil {
			return fmt.Errorf("initializing provisioner: %w", err)
		}
		defer prov.Close()

		notifier, err := a.cfg.NewNotifier(a.logger)
		if err != nil {
			return err
		}

		mon, err := monitor.New(monitor.Config{
			Provisioner: prov,
			Notifier:    notifier,
			Logger:      a.logger.WithGroup("monitor"),
		})
		if err != nil {
			return err
		}

		overdue, err := mon.Alarm(ctx, after)
		if err != nil {
			return err
		}
		a.logger.Info("alarm sweep done",
			slog.Int("overdue", len(overdue)),
			slog.Duration("after", after),
		)
		return nil
	},
}

func init() {
	cf := monitorCheckCmd.Flags()
	cf.StringVar(&monitorFlags.instanceID, "instance", "", "Instance id returned by launch (required)")
	cf.DurationVar(&monitorFlags.maxRuntime, "max-runtime", 0, "Runtime ceiling (required)")
	_ = monitorCheckCmd.MarkFlagRequired("instance")
	_ = monitorCheckCmd.MarkFlagRequired("max-runtime")

	af := monitorAlarmCmd.Flags()
	af.DurationVar(&monitorFlags.after, "after", 0, "Alarm on instances older than this (default: monitor.alarm_after)")

	monitorCmd.AddCommand(monitorCheckCmd, monitorAlarmCmd)
}
