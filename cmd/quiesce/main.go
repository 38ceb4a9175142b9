// Package main provides the entry point for the quiesce CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/quiesce/cmd/quiesce/commands"
	"github.com/Sumatoshi-tech/quiesce/pkg/version"
)

var (
	verbose bool
	quiet   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quiesce",
		Short: "Quiesce - coordinated thread-group checkpointing",
		Long: `Quiesce drives coordinated checkpoint rounds over a thread group:
all threads are parked at a barrier, a consistent process snapshot is
captured, and every thread is restored to its prior state.

Commands:
  run       Simulate a multi-threaded process and checkpoint it`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output")

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "quiesce %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
