package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxgate/fluxgate/internal/cron"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and trigger scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronRunCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext()
			defer cancel()
			c, err := dialGateway(ctx, protocol.ScopeRead)
			if err != nil {
				return err
			}
			defer c.Close()

			var result struct {
				Jobs []cron.JobInfo `json:"jobs"`
			}
			if err := c.CallInto(ctx, protocol.MethodCronList, nil, &result); err != nil {
				return err
			}
			if len(result.Jobs) == 0 {
				fmt.Println("No cron jobs configured.")
				return nil
			}
			for _, j := range result.Jobs {
				state := ""
				if j.Disabled {
					state = " (disabled)"
				}
				next := "-"
				if j.NextRun > 0 {
					next = time.UnixMilli(j.NextRun).Format(time.RFC3339)
				}
				fmt.Printf("%-20s %-16s session=%s next=%s%s\n", j.Name, j.Schedule, j.Session, next, state)
			}
			return nil
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Fire a cron job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext()
			defer cancel()
			c, err := dialGateway(ctx, protocol.ScopeWrite)
			if err != nil {
				return err
			}
			defer c.Close()

			var result struct {
				RunID string `json:"runId"`
			}
			if err := c.CallInto(ctx, protocol.MethodCronRun,
				map[string]any{"name": args[0]}, &result); err != nil {
				return err
			}
			fmt.Printf("job %s fired, run %s\n", args[0], result.RunID)
			return nil
		},
	}
}
