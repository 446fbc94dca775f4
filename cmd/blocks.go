package cmd

import (
	"fmt"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rpa-flow/internal/observability"
	"github.com/xkilldash9x/rpa-flow/internal/service"
)

func newBlocksCmd() *cobra.Command {
	var (
		target string
		hours  int
	)

	blocksCmd := &cobra.Command{
		Use:   "blocks",
		Short: "Lists recent block events for a target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if hours <= 0 {
				return fmt.Errorf("--hours must be positive")
			}

			s, cleanup, err := service.InitializeStore(ctx, cfg.Database(), observability.GetLogger())
			if err != nil {
				return err
			}
			defer cleanup()

			blocks, err := s.GetRecentBlocks(ctx, target, hours)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(blocks, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode blocks: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	blocksCmd.Flags().StringVarP(&target, "target", "t", "", "Target site identifier")
	blocksCmd.Flags().IntVar(&hours, "hours", 24, "Look back this many hours")
	_ = blocksCmd.MarkFlagRequired("target")
	return blocksCmd
}
