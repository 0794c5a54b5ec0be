package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newRunCommand(version string) *cobra.Command {
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "run [request]",
		Short: "Plan and execute a request interactively",
		Long: `Generate a plan for a request, review it and execute it step by step.

Risky commands ask for confirmation, observation steps ask what you saw and
failed steps can be retried, skipped, revised or aborted.`,
		Example: `  # Ask for the request interactively
  autopilot run

  # Plan a request given on the command line
  autopilot run "create a folder named reports on my desktop"

  # Run without prompts (fails on the first failed step)
  autopilot run --yes "show disk usage"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !assumeYes && !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("run needs an interactive terminal, use --yes to run without prompts")
			}

			cfg, err := loadConfig(version)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			s := newSession(a.orch, cmd.InOrStdin(), cmd.OutOrStdout(), assumeYes)
			s.validateSteps = a.cfg.Execution.HumanValidationRequired

			request := strings.TrimSpace(strings.Join(args, " "))
			if request == "" {
				if request, err = s.ask("What should I do?"); err != nil {
					return err
				}
			}
			if request == "" {
				return errors.New("request is required")
			}

			plan, err := a.planner.GeneratePlan(ctx, request)
			if err != nil && plan == nil {
				return err
			}
			plan, err = s.review(ctx, plan)
			if errors.Is(err, errDeclined) {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("Nothing was executed."))
				return nil
			}
			if err != nil {
				return err
			}

			return s.drive(ctx, plan.ID)
		},
	}

	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "accept the plan and approve risky commands without asking")

	return cmd
}
