package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brennhill/gasoline-coordinator/cmd/gasoline-agentd/commands"
)

var rootCmd = &cobra.Command{
	Use:   "gasoline-agentd",
	Short: "gasoline-agentd - browser-extension background coordination engine",
	Long: `gasoline-agentd bridges a browser extension's AI-pilot tooling to a
control server: it long-polls for commands, dispatches DOM/navigation/
execute_js actions, deduplicates and batches captured telemetry, and
tracks connection/circuit/pilot state across reconnects.

Available commands:
  run     - Start the coordinator daemon
  config  - Inspect resolved configuration
  version - Show build information`,
}

func init() {
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
