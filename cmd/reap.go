package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rpa-flow/internal/observability"
	"github.com/xkilldash9x/rpa-flow/internal/reaper"
)

func newReapCmd(lister reaper.ProcessLister) *cobra.Command {
	var (
		maxAge    time.Duration
		emergency bool
	)

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Kills orphaned automation driver and browser processes",
		Long: `Kills driver processes and automation-launched browser processes older
than --max-age (default from config, normally one hour). --emergency kills
every driver and browser process regardless of age or launch flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-age") {
				if maxAge <= 0 {
					return fmt.Errorf("--max-age must be positive")
				}
				cfg.SetReaperMaxAge(maxAge)
			}

			r := reaper.New(lister, reaper.OptionsFromConfig(cfg.Reaper()), observability.GetLogger())

			var killed int
			if emergency {
				killed = r.EmergencyKillAll(cmd.Context())
			} else {
				killed = r.CleanupAll(cmd.Context(), cfg.Reaper().MaxAge)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Killed %d processes\n", killed)
			return nil
		},
	}

	reapCmd.Flags().DurationVar(&maxAge, "max-age", reaper.DefaultMaxAge, "Only kill processes older than this")
	reapCmd.Flags().BoolVar(&emergency, "emergency", false, "Kill ALL driver and browser processes")
	return reapCmd
}
