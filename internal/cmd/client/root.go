package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the Ice client.
// It registers the job and stats command groups.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "ice",
		Short: "Ice client commands",
	}
	root.AddCommand(NewJobCommand())
	root.AddCommand(NewStatsCommand())
	return root
}
