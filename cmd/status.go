package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxgate/fluxgate/pkg/protocol"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cliContext()
			defer cancel()
			c, err := dialGateway(ctx, protocol.ScopeRead)
			if err != nil {
				return err
			}
			defer c.Close()

			var st struct {
				Version          string   `json:"version"`
				Protocol         int      `json:"protocol"`
				UptimeSec        int64    `json:"uptimeSec"`
				Connections      int      `json:"connections"`
				Sessions         int      `json:"sessions"`
				Nodes            []string `json:"nodes"`
				PendingApprovals int      `json:"pendingApprovals"`
			}
			if err := c.CallInto(ctx, protocol.MethodStatus, nil, &st); err != nil {
				return err
			}
			fmt.Printf("fluxgate %s (protocol %d)\n", st.Version, st.Protocol)
			fmt.Printf("  uptime:            %ds\n", st.UptimeSec)
			fmt.Printf("  connections:       %d\n", st.Connections)
			fmt.Printf("  sessions:          %d\n", st.Sessions)
			fmt.Printf("  nodes:             %d\n", len(st.Nodes))
			fmt.Printf("  pending approvals: %d\n", st.PendingApprovals)
			return nil
		},
	}
}
