package cmd

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fluxgate/fluxgate/internal/config"
)

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Print the dashboard URL for this gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			wsURL := gatewayURL(cfg)
			httpURL := "http" + strings.TrimPrefix(wsURL, "ws")
			httpURL = strings.TrimSuffix(httpURL, "/ws")

			u := httpURL
			if cfg.Gateway.Token != "" {
				u = httpURL + "/?token=" + url.QueryEscape(cfg.Gateway.Token)
			}
			fmt.Println("Dashboard:")
			fmt.Printf("  %s\n", u)
			if cfg.Gateway.Token == "" && cfg.Gateway.Bind != "" && cfg.Gateway.Bind != "loopback" {
				fmt.Println("  warning: non-loopback bind without a token")
			}
			return nil
		},
	}
}
