// Command server runs the agent session gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/gateway/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Websocket gateway running one agent process per session",
	Long: `gateway accepts authenticated websocket connections, starts an external
coding agent per session in the project's working directory and relays
instructions and output between the two.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GATEWAY_CONFIG"), "path to a TOML config file")
}

// loadConfig reads the file named by --config plus the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
