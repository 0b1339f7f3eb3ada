package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagJSON   bool
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "swarmcore",
		Short: "Decompose objectives into dependent tasks and run them on the task engine",
		Long: `swarmcore breaks an objective into a strategy's todo breakdown, backs every
todo with a scheduled task, and records execution history and coordination
state in memory, optionally persisted to SQLite.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default: global and project .swarmcore/config.yaml)")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Machine-readable JSON output")

	root.AddCommand(runCmd())
	root.AddCommand(tasksCmd())
	return root
}
