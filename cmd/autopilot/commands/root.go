package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Autopilot - LLM-planned task execution for the local machine",
		Long: `Autopilot turns a natural-language request into a numbered plan of shell
or AppleScript steps and executes it one step at a time.

Every command passes a policy-based safety gate before it runs. Risky
commands wait for operator approval, results are verified by the model, and
failed plans can be revised from feedback.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newPlanCommand(version))
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newLogsCommand())

	return rootCmd
}
