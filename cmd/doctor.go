package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxgate/fluxgate/internal/config"
)

// doctorCmd runs local preflight checks without touching a running
// gateway: config parse, validation, state dir access, credential setup.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check local configuration and environment",
		Run: func(cmd *cobra.Command, args []string) {
			ok := true
			report := func(pass bool, label, detail string) {
				mark := "ok"
				if !pass {
					mark = "FAIL"
					ok = false
				}
				fmt.Printf("[%-4s] %-22s %s\n", mark, label, detail)
			}

			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				report(false, "config parse", err.Error())
				os.Exit(1)
			}
			if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
				report(true, "config file", cfgPath+" missing, using defaults (run `fluxgate onboard`)")
			} else {
				report(true, "config file", cfgPath)
			}

			if err := cfg.Validate(); err != nil {
				report(false, "config validate", err.Error())
			} else {
				report(true, "config validate", "bind="+cfg.Gateway.Bind)
			}

			stateDir := cfg.StateDir()
			if err := os.MkdirAll(stateDir, 0o700); err != nil {
				report(false, "state dir", err.Error())
			} else {
				report(true, "state dir", stateDir)
			}

			switch {
			case cfg.Gateway.Token != "":
				report(true, "auth", "token set via FLUXGATE_TOKEN")
			case cfg.Gateway.Password != "":
				report(true, "auth", "password set via FLUXGATE_PASSWORD")
			case cfg.Gateway.Bind == "" || cfg.Gateway.Bind == "loopback":
				report(true, "auth", "no credentials, loopback-only access")
			default:
				report(false, "auth", "non-loopback bind without token or password")
			}

			if !ok {
				os.Exit(1)
			}
		},
	}
}
