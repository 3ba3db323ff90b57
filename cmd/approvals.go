package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxgate/fluxgate/pkg/protocol"
)

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Manage pending exec approvals",
	}
	cmd.AddCommand(approvalsListCmd())
	cmd.AddCommand(approvalsResolveCmd("allow", "allow-once", "Allow a pending command once"))
	cmd.AddCommand(approvalsResolveCmd("allow-add", "allow-and-add", "Allow and persist the command pattern"))
	cmd.AddCommand(approvalsResolveCmd("deny", "deny", "Deny a pending command"))
	return cmd
}

func approvalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext()
			defer cancel()
			c, err := dialGateway(ctx, protocol.ScopeApprovals)
			if err != nil {
				return err
			}
			defer c.Close()

			var result struct {
				Approvals []protocol.ApprovalEntry `json:"approvals"`
			}
			if err := c.CallInto(ctx, protocol.MethodApprovalList, nil, &result); err != nil {
				return err
			}
			if len(result.Approvals) == 0 {
				fmt.Println("No pending approvals.")
				return nil
			}
			for _, a := range result.Approvals {
				fmt.Printf("%s  host=%s session=%s expires=%s\n  $ %s\n",
					a.ApprovalID, a.Host, a.SessionKey,
					time.UnixMilli(a.ExpiresAt).Format(time.RFC3339), a.Command)
			}
			return nil
		},
	}
}

func approvalsResolveCmd(use, decision, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <approval-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext()
			defer cancel()
			c, err := dialGateway(ctx, protocol.ScopeApprovals)
			if err != nil {
				return err
			}
			defer c.Close()

			if _, err := c.Call(ctx, protocol.MethodApprovalResolve, protocol.ApprovalResolveParams{
				ApprovalID: args[0],
				Decision:   decision,
			}); err != nil {
				return err
			}
			fmt.Printf("approval %s: %s\n", args[0], decision)
			return nil
		},
	}
}
