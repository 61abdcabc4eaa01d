package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := buildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "quincy",
		Short: "Quincy: a MapReduce job master",
		Long: `Quincy schedules multi-phase map/reduce jobs over a pool of worker
servers. It plans each job, dispatches tasks and file transfers, retries
and replaces failed work, and cleans up intermediate files.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildAbortCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildAgentCommand())

	return rootCmd
}
