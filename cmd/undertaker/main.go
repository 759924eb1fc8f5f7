package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "undertaker",
	Short: "An in-process background job scheduler",
	Long: `undertaker stores jobs with optional start times and prerequisites,
and runs them on a pool of workers.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, enqueueCmd, statusCmd, jobsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
