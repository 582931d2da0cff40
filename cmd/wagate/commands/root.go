// Package commands provides the CLI commands for wagate.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	configDir string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "wagate",
	Short: "wagate - multi-tenant messaging session gateway",
	Long: `wagate exposes browser-backed messaging sessions over a REST API.

Each session owns an isolated browser profile and process. Lifecycle,
health monitoring, crash recovery and webhook notification are managed
by the gateway; clients drive everything over HTTP.

Run 'wagate serve' to start the gateway.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Directory holding wagate.json and .env")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("wagate %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
