package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ConfigCmd groups configuration-inspection subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the bridge's resolved configuration",
}

var configFormat string

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the fully resolved configuration (defaults + files + environment)",
	Long: `Print the configuration qsys-bridge would use for "serve": defaults
overridden by the system, user, and project config files, overridden in
turn by environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		switch configFormat {
		case "json":
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		case "yaml":
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
		case "toml":
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		default:
			return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
		}
		return nil
	},
}

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	ConfigCmd.AddCommand(configShowCmd)
}
