package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncfs/syncfs/internal/config"
	"github.com/syncfs/syncfs/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "syncfs",
	Short: "A content-addressed, multi-peer synchronizing filesystem",
	Long: `syncfs replicates a directory tree across peers that each hold a
complete local copy, exchanging content-addressed blobs and an
append-only per-peer inode log through a shared remote (anything rsync
can reach), and resolving concurrent edits with vector clocks.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		severity := config.INFO
		if verbose {
			severity = config.DEBUG
		}
		return logger.Init(config.LoggingConfig{Severity: severity, Format: "text"})
	},
}

// Execute runs the root command, exiting the process with status 1 if it
// fails.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at DEBUG severity instead of INFO")
	rootCmd.AddCommand(initCmd, cloneCmd, mountCmd, printlogCmd)
}
