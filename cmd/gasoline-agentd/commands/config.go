package commands

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/brennhill/gasoline-coordinator/internal/config"
)

// ConfigCmd groups configuration-inspection subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect gasoline-agentd configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration as TOML",
	Long:  `Load configuration (defaults, config file, GASOLINE_ env overrides) and print the effective values as TOML.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		return toml.NewEncoder(os.Stdout).Encode(*cfg)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.toml to stdout or --out",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := config.WriteDefaultTOML()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			fmt.Print(body)
			return nil
		}
		return os.WriteFile(out, []byte(body), 0o644)
	},
}

func init() {
	configShowCmd.Flags().String("path", "", "config file path (defaults to the platform state dir)")
	configInitCmd.Flags().String("out", "", "write to this file instead of stdout")
	ConfigCmd.AddCommand(configShowCmd, configInitCmd)
}
