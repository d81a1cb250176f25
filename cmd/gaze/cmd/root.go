// Package cmd implements gaze's command-line surface: opening a file
// against the data engine. The --serve-clipboard re-exec path is not
// here; main handles it before cobra ever sees the arguments.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "gaze [file]",
	Short: "Open a huge text file for read-only viewing",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpen,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default alongside the executable)")
}

// Execute runs the root command, exiting the process with status 1 on
// failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
