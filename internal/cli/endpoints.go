package cli

import (
	"github.com/spf13/cobra"
)

var checkEndpointsCmd = &cobra.Command{
	Use:   "check-endpoints",
	Short: "Probe every configured RPC endpoint for liveness and chain id",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CheckEndpoints(cmd.Context(), cmd.OutOrStdout())
	},
}
