package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/autopilot/pkg/api"
)

const defaultShutdownTimeout = 10 * time.Second

func newServeCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Start the HTTP API and event stream.

Plans are generated with POST /api/task, accepted with POST /api/plan/accept
and followed on GET /api/events. Risky commands wait for
POST /api/command/confirm.`,
		Example: `  # Serve on the configured address
  autopilot serve

  # Serve on another port
  autopilot serve --listen :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(version)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.telemetry.StartMetricsServer(); err != nil {
				return err
			}

			opts := api.Options{
				Orchestrator: a.orch,
				Planner:      a.planner,
				Plans:        a.storage.plans,
				Events:       a.telemetry.Events,
				AuditLogPath: cfg.Telemetry.Audit.Path,
				Logger:       a.telemetry.Logger,
				Metrics:      a.telemetry.Metrics,
			}
			if db := a.storage.sqlite; db != nil {
				opts.EventLog = db
				opts.Auditor = db
				opts.Health = db
			}
			if !cfg.Telemetry.Audit.Enabled {
				opts.AuditLogPath = ""
			}

			server, err := api.NewServer(opts)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe(cfg.Server.ListenAddress)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			timeout := cfg.Server.ShutdownTimeout
			if timeout <= 0 {
				timeout = defaultShutdownTimeout
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			a.telemetry.Logger.Info("Shutting down API server")
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_address)")

	return cmd
}
