package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/autopilot/pkg/stores"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

func newLogsCommand() *cobra.Command {
	var (
		planID  string
		logType string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recorded orchestrator events",
		Long: `Show orchestrator events, oldest first.

Events are read from the database with the sqlite backend and from the
JSON-lines audit log otherwise.`,
		Example: `  # Show the last 50 events
  autopilot logs --limit 50

  # Show the failures of one plan
  autopilot logs --plan 3f2a9c --type step_failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig("")
			if err != nil {
				return err
			}
			auditPath := cfg.Telemetry.Audit.Path
			auditEnabled := cfg.Telemetry.Audit.Enabled

			tel, err := readOnlyTelemetry(cfg)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())

			if logType == "all" {
				logType = ""
			}

			var events []telemetry.Event
			st, err := openStorage(ctx, cfg, tel)
			if err != nil {
				return err
			}
			defer st.Close()

			if st.sqlite != nil {
				records, err := st.sqlite.ListEvents(ctx, stores.EventQuery{PlanID: planID, Type: logType, Limit: limit})
				if err != nil {
					return err
				}
				for _, r := range records {
					events = append(events, recordToEvent(r))
				}
			} else if auditEnabled {
				all, err := telemetry.TailAuditLog(auditPath, planID, 0)
				if err != nil {
					return err
				}
				for _, ev := range all {
					if logType == "" || ev.Type == logType {
						events = append(events, ev)
					}
				}
				if limit > 0 && len(events) > limit {
					events = events[len(events)-limit:]
				}
			}

			if jsonOutput {
				if events == nil {
					events = []telemetry.Event{}
				}
				return printJSON(cmd.OutOrStdout(), events)
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "only show events of this plan")
	cmd.Flags().StringVar(&logType, "type", "", "only show events of this type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 200, "maximum number of events")

	return cmd
}

func recordToEvent(r *stores.EventRecord) telemetry.Event {
	ev := telemetry.Event{
		ID:        r.EventID,
		Timestamp: r.Timestamp,
		Type:      r.Type,
		Level:     r.Level,
		Message:   r.Message,
	}
	if r.PlanID != nil {
		ev.PlanID = *r.PlanID
	}
	return ev
}

func printEvents(w io.Writer, events []telemetry.Event) {
	for _, ev := range events {
		level := strings.ToUpper(ev.Level)
		if level == "" {
			level = "INFO"
		}
		style := dimStyle
		switch ev.Level {
		case "error":
			style = errorStyle
		case "warn", "warning":
			style = warningStyle
		}
		line := fmt.Sprintf("%s %-5s %-28s", ev.Timestamp.Local().Format("2006-01-02 15:04:05"), level, ev.Type)
		if ev.PlanID != "" {
			line += " plan=" + ev.PlanID
		}
		fmt.Fprintln(w, style.Render(line)+" "+ev.Message)
	}
}
