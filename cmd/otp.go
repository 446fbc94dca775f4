package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rpa-flow/internal/otp"
)

func newOTPCmd() *cobra.Command {
	otpCmd := &cobra.Command{
		Use:   "otp",
		Short: "Works with the one-time code channel",
	}

	var channel string
	submitCmd := &cobra.Command{
		Use:   "submit CODE",
		Short: "Delivers a one-time code to a waiting flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := otp.Submit(cfg.OTP().Dir, channel, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Code submitted to channel %q\n", channel)
			return nil
		},
	}
	submitCmd.Flags().StringVar(&channel, "channel", "", "Channel to deliver to, normally the identity")

	otpCmd.AddCommand(submitCmd)
	return otpCmd
}
