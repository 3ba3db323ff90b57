package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fluxgate/fluxgate/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		if err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite).Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	bind := "loopback"
	port := strconv.Itoa(config.Default().Gateway.Port)
	policy := "pairing"
	genToken := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should the gateway listen?").
				Options(
					huh.NewOption("Loopback only (recommended)", "loopback"),
					huh.NewOption("LAN", "lan"),
					huh.NewOption("Behind a tunnel", "tunnel"),
				).
				Value(&bind),
			huh.NewInput().
				Title("Port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Default channel access policy").
				Options(
					huh.NewOption("Pairing (unknown senders get a code)", "pairing"),
					huh.NewOption("Allowlist only", "allowlist"),
					huh.NewOption("Open (everyone admitted)", "open"),
				).
				Value(&policy),
			huh.NewConfirm().
				Title("Generate an access token?").
				Value(&genToken),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	portNum, _ := strconv.Atoi(port)
	cfg := config.Default()
	cfg.Gateway.Bind = bind
	cfg.Gateway.Port = portNum
	cfg.Channels = map[string]config.ChannelConfig{
		"default": {Policy: policy},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(cfgPath, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)

	// The token is env-only and never lands in config.json; stash it in
	// .env.local next to the config so the user can source it.
	if genToken {
		token, err := newToken()
		if err != nil {
			return err
		}
		envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
		line := fmt.Sprintf("export FLUXGATE_TOKEN=%s\n", token)
		if err := os.WriteFile(envPath, []byte(line), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", envPath, err)
		}
		fmt.Printf("Wrote %s\n\n", envPath)
		fmt.Printf("  source %s && fluxgate\n\n", envPath)
	} else if bind != "loopback" {
		fmt.Println("Warning: non-loopback bind requires FLUXGATE_TOKEN or FLUXGATE_PASSWORD.")
	}

	fmt.Println("Setup complete. Start the gateway with: fluxgate")
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
