// Package cmd provides the Warden command-line interface.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	configFile string
	outputJSON bool
	noColor    bool
)

const maxInputFileSize = 10 * 1024 * 1024 // 10MB

// NewRootCmd creates the warden command with all subcommands
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Alert correlation and automated response",
		Long: `Warden ingests detections from network and host sensors, enriches their
indicators with threat intelligence, groups related detections into incidents
and runs response playbooks against them.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: search ./config.yaml and ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPlaybooksCmd())
	rootCmd.AddCommand(newNormalizeCmd())
	rootCmd.AddCommand(newTokenCmd())

	return rootCmd
}

// writeJSON pretty-prints v
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
