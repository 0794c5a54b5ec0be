package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/autopilot/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the command safety policies",
		Long: `Inspect the Rego policies of the safety gate.

Built-in policies block blacklisted and destructive commands and flag risky
ones for confirmation. Custom policies are loaded from policy.paths.`,
	}

	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func loadPolicies(cmd *cobra.Command) (*policy.Engine, func(), error) {
	cfg, err := loadConfig("")
	if err != nil {
		return nil, nil, err
	}
	tel, err := readOnlyTelemetry(cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = tel.Shutdown(context.Background()) }

	eng, err := newPolicyEngine(cmd.Context(), cfg, tel, false)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return eng, cleanup, nil
}

func newPolicyCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <command>",
		Short: "Show how the safety gate judges a command",
		Args:  cobra.MinimumNArgs(1),
		Example: `  # Check a single command
  autopilot policy check "rm -rf ~/Downloads/old"

  # Check a command with a custom policy directory
  AUTOPILOT_POLICY_PATHS=./policies autopilot policy check "brew install wget"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := loadPolicies(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			command := strings.Join(args, " ")
			gate := policy.NewGate(eng, eng.Logger())
			verdict := gate.Assess(cmd.Context(), command)

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), verdict)
			}

			out := cmd.OutOrStdout()
			switch {
			case !verdict.Safe:
				fmt.Fprintln(out, errorStyle.Render("blocked")+"  "+command)
			case verdict.Risky:
				fmt.Fprintln(out, warningStyle.Render("needs confirmation")+"  "+command)
			default:
				fmt.Fprintln(out, successStyle.Render("allowed")+"  "+command)
			}
			if verdict.Reason != "" {
				fmt.Fprintln(out, outputStyle.Render(verdict.Reason))
			}
			if len(verdict.Policies) > 0 {
				fmt.Fprintln(out, dimStyle.Render("policies: "+strings.Join(verdict.Policies, ", ")))
			}
			return nil
		},
	}
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := loadPolicies(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			policies := eng.ListPolicies()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tBUILTIN\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", p.Name, p.Severity, p.Enabled, p.Builtin, truncate(p.Description, 70))
			}
			return tw.Flush()
		},
	}
}
