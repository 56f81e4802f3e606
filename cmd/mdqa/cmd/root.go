// Package cmd provides the CLI commands for markdown-qa.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dreamerlzl/markdown-qa/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	debugMode  bool
)

// NewRootCmd creates the root command for the mdqa CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mdqa",
		Short: "Local question answering over Markdown documents",
		Long: `markdown-qa indexes Markdown files from configured directories into a
local vector index and answers natural-language questions over WebSocket,
streaming generated answers with source attributions.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("mdqa version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.md-qa/config.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// setupLogging configures the default logger from the resolved level.
func setupLogging(level string) {
	if debugMode {
		level = "debug"
	}
	logging.SetupDefault(level)
}
