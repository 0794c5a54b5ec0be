package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/autopilot/pkg/config"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// readOnlyTelemetry is the telemetry of commands that only inspect state:
// logging without the audit log, events, metrics or tracing.
func readOnlyTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	cfg.Telemetry.Audit.Enabled = false
	cfg.Telemetry.Metrics.Enabled = false
	cfg.Telemetry.Tracing.Enabled = false
	cfg.Telemetry.Events.Enabled = false
	return telemetry.NewTelemetry(cfg.Telemetry)
}

// openReadOnly opens storage for commands that only read plans.
func openReadOnly(ctx context.Context, version string) (*storage, *telemetry.Telemetry, error) {
	cfg, err := loadConfig(version)
	if err != nil {
		return nil, nil, err
	}
	tel, err := readOnlyTelemetry(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStorage(ctx, cfg, tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, err
	}
	return st, tel, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPlanCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect stored plans",
		Long: `Inspect plans kept in the plan store.

Plans are stored when they are generated and after every change while they
execute. Revisions link back to the plan they replace.`,
	}

	cmd.AddCommand(newPlanListCommand(version))
	cmd.AddCommand(newPlanShowCommand(version))
	cmd.AddCommand(newPlanChainCommand(version))

	return cmd
}

func newPlanListCommand(version string) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored plans",
		Example: `  # List every plan, newest first
  autopilot plan list

  # List failed plans
  autopilot plan list --status error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, tel, err := openReadOnly(ctx, version)
			if err != nil {
				return err
			}
			defer st.Close()
			defer tel.Shutdown(context.Background())

			plans, err := st.plans.List(ctx)
			if err != nil {
				return err
			}
			if status != "" {
				filtered := plans[:0]
				for _, p := range plans {
					if string(p.Status) == status {
						filtered = append(filtered, p)
					}
				}
				plans = filtered
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), plans)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tREV\tSTEPS\tCREATED\tREQUEST")
			for _, p := range plans {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					p.ID, p.Status, p.Revision, p.StepCount,
					p.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(p.Request, 60))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only list plans with this status")

	return cmd
}

func newPlanShowCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with its steps and results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, tel, err := openReadOnly(ctx, version)
			if err != nil {
				return err
			}
			defer st.Close()
			defer tel.Shutdown(context.Background())

			plan, err := st.plans.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}
}

func newPlanChainCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "chain <plan-id>",
		Short: "Show the revision chain of a plan, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, tel, err := openReadOnly(ctx, version)
			if err != nil {
				return err
			}
			defer st.Close()
			defer tel.Shutdown(context.Background())

			chain, err := st.plans.Chain(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), chain)
			}
			for i, plan := range chain {
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				printPlan(cmd.OutOrStdout(), plan)
			}
			return nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
