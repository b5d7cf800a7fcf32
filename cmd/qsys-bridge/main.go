// Command qsys-bridge is the MCP bridge server's entry point: a cobra
// root command with serve, config, and version subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qsysbridge/core/cmd/qsys-bridge/commands"
)

var rootCmd = &cobra.Command{
	Use:   "qsys-bridge",
	Short: "MCP bridge server for Q-SYS Core control",
	Long: `qsys-bridge exposes a Q-SYS Core's components and controls as a set
of tools consumable by an AI agent over the Model Context Protocol,
translating tool calls into QRWC JSON-RPC calls on a persistent
WebSocket connection to the Core.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a bridge.toml config file (skips the default search path)")
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
