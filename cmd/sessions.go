package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxgate/fluxgate/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and reset agent sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsHistoryCmd())
	cmd.AddCommand(sessionsResetCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext()
			defer cancel()
			c, err := dialGateway(ctx, protocol.ScopeRead)
			if err != nil {
				return err
			}
			defer c.Close()

			var result struct {
				Sessions []struct {
					Key        string    `json:"key"`
					AgentID    string    `json:"agentId"`
					EntryCount int       `json:"entryCount"`
					Updated    time.Time `json:"updated"`
				} `json:"sessions"`
			}
			if err := c.CallInto(ctx, protocol.MethodSessionsList, nil, &result); err != nil {
				return err
			}
			if len(result.Sessions) == 0 {
				fmt.Println("No live sessions.")
				return nil
			}
			for _, s := range result.Sessions {
				fmt.Printf("%-40s agent=%-10s entries=%-4d updated=%s\n",
					s.Key, s.AgentID, s.EntryCount, s.Updated.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func sessionsHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <session-key>",
		Short: "Print the tail of a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext()
			defer cancel()
			c, err := dialGateway(ctx, protocol.ScopeRead)
			if err != nil {
				return err
			}
			defer c.Close()

			var result struct {
				Entries []protocol.HistoryEntry `json:"entries"`
			}
			if err := c.CallInto(ctx, protocol.MethodChatHistory, protocol.ChatHistoryParams{
				SessionKey: args[0],
				Limit:      limit,
			}, &result); err != nil {
				return err
			}
			for _, e := range result.Entries {
				fmt.Printf("[%s] %s: %s\n",
					time.UnixMilli(e.Timestamp).Format("15:04:05"), e.Role, e.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	return cmd
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session-key>",
		Short: "Clear a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext()
			defer cancel()
			c, err := dialGateway(ctx, protocol.ScopeWrite)
			if err != nil {
				return err
			}
			defer c.Close()

			if _, err := c.Call(ctx, protocol.MethodSessionsReset,
				map[string]any{"sessionKey": args[0]}); err != nil {
				return err
			}
			fmt.Printf("session %s reset\n", args[0])
			return nil
		},
	}
}
