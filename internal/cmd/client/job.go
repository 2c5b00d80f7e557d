package client

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	grpcserver "github.com/rzbill/ice/internal/server/grpc"
)

// NewJobCommand constructs the `job` command group and subcommands.
func NewJobCommand() *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Delayed job operations",
		Long: `Delayed job operations.

Job Lifecycle:
  DELAY → [due] → ready → [pop] → RESERVED → [finish] → gone
                                      ↓ (TTR elapsed)
                                    ready again (retry or dead-letter)

Commands:
  add      Add a job with an optional delay
  pop      Reserve ready jobs from a topic
  finish   Acknowledge reserved jobs
  delete   Remove jobs in any state
  get      Show one job
  list     List jobs matching a CEL filter`,
	}
	jobCmd.AddCommand(
		newJobAddCommand(),
		newJobPopCommand(),
		newJobFinishCommand(),
		newJobDeleteCommand(),
		newJobGetCommand(),
		newJobListCommand(),
	)
	return jobCmd
}

// newJobAddCommand constructs the `job add` subcommand.
func newJobAddCommand() *cobra.Command {
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			id, _ := cmd.Flags().GetString("id")
			data, _ := cmd.Flags().GetString("data")
			delay, _ := cmd.Flags().GetDuration("delay")
			ttr, _ := cmd.Flags().GetDuration("ttr")
			retry, _ := cmd.Flags().GetInt("retry")

			if topic == "" {
				return errors.New("--topic is required")
			}
			if id == "" {
				id = uuid.NewString()
			}
			body, err := bodyFromFlag(data)
			if err != nil {
				return err
			}
			job := grpcserver.AddJob{
				ID:      id,
				Topic:   topic,
				Body:    body,
				DelayMs: delay.Milliseconds(),
				TTRMs:   ttr.Milliseconds(),
			}
			if retry >= 0 {
				job.RetryCount = &retry
			}
			return withClient(cmd.Context(), func(cli *grpcserver.Client) error {
				added, err := cli.Add(cmd.Context(), job)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), added[0])
			})
		},
	}
	addCmd.Flags().StringP("topic", "t", "", "Topic")
	addCmd.Flags().String("id", "", "Job id (random UUID if empty)")
	addCmd.Flags().String("data", "", "Job body; JSON, or text sent as a JSON string")
	addCmd.Flags().Duration("delay", 0, "Delay before the job becomes ready")
	addCmd.Flags().Duration("ttr", 0, "Time to run before redelivery (server default if 0)")
	addCmd.Flags().Int("retry", -1, "Redeliveries allowed after the first (server default if negative)")
	return addCmd
}

// newJobPopCommand constructs the `job pop` subcommand.
func newJobPopCommand() *cobra.Command {
	popCmd := &cobra.Command{
		Use:   "pop",
		Short: "Reserve ready jobs from a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			count, _ := cmd.Flags().GetInt("count")
			finish, _ := cmd.Flags().GetBool("finish")
			if topic == "" {
				return errors.New("--topic is required")
			}
			if count <= 0 {
				return errors.New("--count must be positive")
			}
			return withClient(cmd.Context(), func(cli *grpcserver.Client) error {
				jobs, err := cli.Pop(cmd.Context(), topic, count)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no jobs ready")
					return nil
				}
				ids := make([]string, 0, len(jobs))
				for _, j := range jobs {
					if err := printJSON(cmd.OutOrStdout(), j); err != nil {
						return err
					}
					ids = append(ids, j.ID)
				}
				if !finish {
					return nil
				}
				return cli.Finish(cmd.Context(), ids...)
			})
		},
	}
	popCmd.Flags().StringP("topic", "t", "", "Topic")
	popCmd.Flags().Int("count", 1, "Maximum number of jobs to reserve")
	popCmd.Flags().Bool("finish", false, "Finish each job after printing it")
	return popCmd
}

// newJobFinishCommand constructs the `job finish` subcommand.
func newJobFinishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "finish <id>...",
		Short: "Acknowledge reserved jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(cli *grpcserver.Client) error {
				if err := cli.Finish(cmd.Context(), args...); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
}

// newJobDeleteCommand constructs the `job delete` subcommand.
func newJobDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete jobs in any state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(cli *grpcserver.Client) error {
				if err := cli.Delete(cmd.Context(), args...); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
}

// newJobGetCommand constructs the `job get` subcommand.
func newJobGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(cli *grpcserver.Client) error {
				j, err := cli.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
}

// newJobListCommand constructs the `job list` subcommand.
func newJobListCommand() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs matching a CEL filter",
		Example: `  ice job list --filter 'status == "RESERVED" && deliveries > 1'
  ice job list --filter 'topic == "sms" && body.to.startsWith("+1")' --limit 20`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			return withClient(cmd.Context(), func(cli *grpcserver.Client) error {
				jobs, err := cli.List(cmd.Context(), filter, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"jobs": jobs})
			})
		},
	}
	listCmd.Flags().String("filter", "", "CEL expression over id, topic, status, retry_count, deliveries, body, ...")
	listCmd.Flags().Int("limit", 100, "Maximum number of jobs (0 for all)")
	return listCmd
}
