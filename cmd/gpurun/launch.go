package main

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/terrpan/gpurun/internal/config"
	"github.com/terrpan/gpurun/internal/launch"
)

var launchFlags struct {
	image           string
	dataURI         string
	outputPrefix    string
	maxRuntime      time.Duration
	grace           time.Duration
	noSelfTerminate bool
	env             map[string]string
	secrets         map[string]string
	labels          map[string]string
}

var launchCmd = &cobra.Command{
	Use:   "launch [flags] [-- cmd args...]",
	Short: "Provision a GPU VM for one run and return its instance id",
	Long: `launch validates the request, creates one labelled VM carrying the run
parameters in its metadata and returns as soon as the provider accepted
it.  It does not wait for the run and never touches the ledger.

Schedule "gpurun monitor check --instance <id> --max-runtime <d>" for the
returned instance.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, "launch", config.NeedGCP, config.NeedImage)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		prov, err := a.cfg.NewProvisioner(ctx, a.logger)
		if err != nil {
			return fmt.Errorf("initializing provisioner: %w", err)
		}
		defer prov.Close()

		labels := maps.Clone(a.cfg.Launch.Labels)
		if labels == nil {
			labels = map[string]string{}
		}
		maps.Copy(labels, launchFlags.labels)

		ctrl, err := launch.New(launch.Config{
			Provisioner:    prov,
			Labels:         labels,
			BackstopMargin: a.cfg.Launch.BackstopMargin,
			Logger:         a.logger.WithGroup("launch"),
		})
		if err != nil {
			return err
		}

		grace := a.cfg.Launch.Grace
		if cmd.Flags().Changed("grace") {
			grace = launchFlags.grace
		}
		prefix := launchFlags.outputPrefix
		if prefix == "" {
			prefix = a.cfg.Store.LedgerPrefix
		}

		res, err := ctrl.Launch(ctx, launch.Request{
			Image:         launchFlags.image,
			DataURI:       launchFlags.dataURI,
			OutputPrefix:  prefix,
			MaxRuntime:    launchFlags.maxRuntime,
			SelfTerminate: !launchFlags.noSelfTerminate,
			Grace:         grace,
			Cmd:           args,
			Env:           launchFlags.env,
			Secrets:       launchFlags.secrets,
		})
		if err != nil {
			a.logger.Error("launch failed", slog.String("error", err.Error()))
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Instance", res.InstanceID)
		table.Append("Image", res.Params.Image)
		table.Append("Output prefix", res.Params.OutputPrefix)
		table.Append("Max runtime", res.Params.MaxRuntime().String())
		table.Append("Self-terminate", fmt.Sprintf("%t", res.Params.SelfTerminate))
		table.Append("Grace", res.Params.Grace().String())
		return table.Render()
	},
}

func init() {
	f := launchCmd.Flags()
	f.StringVar(&launchFlags.image, "image", "", "Job container image (required)")
	f.StringVar(&launchFlags.dataURI, "data-uri", "", "Input data location passed to the job as GPURUN_DATA_URI")
	f.StringVar(&launchFlags.outputPrefix, "output-prefix", "", "Ledger/artifact key prefix (default: store.ledger_prefix)")
	f.DurationVar(&launchFlags.maxRuntime, "max-runtime", 0, "Hard runtime ceiling enforced by the monitor (required)")
	f.DurationVar(&launchFlags.grace, "grace", 0, "Wait before self-termination (default: launch.grace)")
	f.BoolVar(&launchFlags.noSelfTerminate, "no-self-terminate", false, "Leave the VM running after the job (the monitor still enforces the ceiling)")
	f.StringToStringVar(&launchFlags.env, "env", nil, "Job environment variable KEY=VALUE (repeatable)")
	f.StringToStringVar(&launchFlags.secrets, "secret", nil, "Job secret ENV=SECRET_NAME, fetched inside the VM (repeatable)")
	f.StringToStringVar(&launchFlags.labels, "label", nil, "Extra instance label key=value (repeatable)")
	_ = launchCmd.MarkFlagRequired("image")
	_ = launchCmd.MarkFlagRequired("max-runtime")
}
