package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/terrpan/gpurun/internal/config"
	"github.com/terrpan/gpurun/internal/governor"
)

var governorFlags struct {
	limit float64
}

var governorCmd = &cobra.Command{
	Use:   "governor",
	Short: "Monthly cost governor, run on a schedule",
}

var governorCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Notify once per threshold when tagged spend reaches 80% / 100% of the budget",
	Long: `check sums this month's tagged spend from the billing export in the
bucket and sends one notification per threshold per month.  Thresholds
already notified are remembered as marker objects under
governor.marker_prefix, so the command can run as often as needed.
It never stops or deletes anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("limit") {
			cfg.Governor.Limit = governorFlags.limit
		}
		a, err := newApp(ctx, cfg, "governor", "", config.NeedStore, config.NeedBudget)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		store, err := cfg.NewStore(ctx, a.logger)
		if err != nil {
			return fmt.Errorf("connecting to object store: %w", err)
		}
		notifier, err := cfg.NewNotifier(a.logger)
		if err != nil {
			return err
		}

		gov, err := governor.New(governor.Config{
			Source:     cfg.NewBillingSource(store, a.logger),
			Store:      store,
			Notifier:   notifier,
			Limit:      cfg.Governor.Limit,
			Currency:   cfg.Governor.Currency,
			Thresholds: cfg.Governor.Thresholds,
			Prefix:     cfg.Governor.MarkerPrefix,
			Tag:        cfg.BudgetTag(),
			Logger:     a.logger.WithGroup("governor"),
		})
		if err != nil {
			return err
		}

		rep, err := gov.Check(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("governor check done",
			slog.Float64("spent", rep.Window.SpentToDate),
			slog.Float64("limit", rep.Window.Limit),
			slog.Float64("fraction", rep.Window.Fraction()),
			slog.Int("notified", len(rep.Notified)),
		)
		return nil
	},
}

func init() {
	governorCheckCmd.Flags().Float64Var(&governorFlags.limit, "limit", 0, "Monthly budget (default: governor.limit)")
	governorCmd.AddCommand(governorCheckCmd)
}
