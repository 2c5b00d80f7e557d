package client

import (
	"github.com/spf13/cobra"

	grpcserver "github.com/rzbill/ice/internal/server/grpc"
)

// NewStatsCommand constructs the `stats` command.
func NewStatsCommand() *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show delayed and ready counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topics, _ := cmd.Flags().GetStringSlice("topic")
			return withClient(cmd.Context(), func(cli *grpcserver.Client) error {
				st, err := cli.Stats(cmd.Context(), topics...)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	statsCmd.Flags().StringSliceP("topic", "t", nil, "Topics to report (server-configured topics if empty)")
	return statsCmd
}
