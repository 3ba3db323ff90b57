package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxgate/fluxgate/pkg/protocol"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage channel pairing requests",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	cmd.AddCommand(pairingDenyCmd())
	return cmd
}

func pairingListCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext()
			defer cancel()
			c, err := dialGateway(ctx, protocol.ScopePairing)
			if err != nil {
				return err
			}
			defer c.Close()

			var result struct {
				Pending []protocol.PairingEntry `json:"pending"`
			}
			if err := c.CallInto(ctx, protocol.MethodPairingList,
				protocol.PairingListParams{Channel: channel}, &result); err != nil {
				return err
			}
			if len(result.Pending) == 0 {
				fmt.Println("No pending pairing requests.")
				return nil
			}
			for _, p := range result.Pending {
				fmt.Printf("%-12s %-24s code=%s expires=%s\n",
					p.Channel, p.Sender, p.Code,
					time.UnixMilli(p.ExpiresAt).Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "only list one channel")
	return cmd
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <channel> <sender>",
		Short: "Approve a pending pairing request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolvePairing(protocol.MethodPairingApprove, args[0], args[1])
		},
	}
}

func pairingDenyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deny <channel> <sender>",
		Short: "Deny a pending pairing request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolvePairing(protocol.MethodPairingDeny, args[0], args[1])
		},
	}
}

func resolvePairing(method, channel, sender string) error {
	ctx, cancel := cliContext()
	defer cancel()
	c, err := dialGateway(ctx, protocol.ScopePairing)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Call(ctx, method, protocol.PairingResolveParams{
		Channel: channel,
		Sender:  sender,
	}); err != nil {
		return err
	}
	fmt.Printf("%s: %s on %s\n", method, sender, channel)
	return nil
}
