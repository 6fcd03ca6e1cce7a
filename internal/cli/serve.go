package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polychat/sandbox-worker/internal/agentloop"
	"github.com/polychat/sandbox-worker/internal/config"
	"github.com/polychat/sandbox-worker/internal/httpapi"
	"github.com/polychat/sandbox-worker/internal/llm"
	"github.com/polychat/sandbox-worker/internal/orchestrator"
	"github.com/polychat/sandbox-worker/internal/otel"
	"github.com/polychat/sandbox-worker/internal/runstore"
	"github.com/polychat/sandbox-worker/internal/sandbox"
)

func newServeCmd() *cobra.Command {
	var (
		addr       string
		enableOtel bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker daemon (HTTP API + SSE event stream)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			home := config.MustHomeFrom(ctx)
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}

			var metricsHandler http.Handler
			if enableOtel {
				metricsHandler, err = otel.InitMeterProvider(ctx, "sandbox-worker")
				if err != nil {
					slog.Warn("otel disabled", "error", err)
					metricsHandler = nil
				} else if err := otel.InitMetrics(ctx); err != nil {
					slog.Warn("otel metrics unavailable", "error", err)
				}
			}

			store, err := runstore.Open(home)
			if err != nil {
				return err
			}

			hub := httpapi.NewSSEHub()
			runner := httpapi.NewRunner(httpapi.RunnerOptions{
				Store: store,
				Orchestrator: orchestrator.Options{
					NewSandbox: func() (sandbox.Sandbox, error) {
						return sandbox.NewLocal(cfg.Sandbox.Root)
					},
					Model: &llm.Client{
						BaseURL: cfg.Model.BaseURL,
						APIKey:  cfg.Model.APIKey,
					},
					ModelName: cfg.Model.Name,
					Loop: agentloop.Loop{
						MaxSteps:       cfg.Budgets.MaxAgentSteps,
						MaxCommandRuns: cfg.Budgets.MaxCommands,
					},
				},
				Sink:              hub,
				MaxConcurrentRuns: cfg.Budgets.MaxConcurrentRuns,
			})

			app := httpapi.NewApp(httpapi.ServerOptions{
				Addr:           cfg.ListenAddr,
				APIKey:         cfg.APIKey,
				Store:          store,
				Runner:         runner,
				Hub:            hub,
				MetricsHandler: metricsHandler,
				UseOtelHTTP:    metricsHandler != nil,
			})

			slog.Info("daemon starting", "addr", cfg.ListenAddr, "home", home)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := app.Server.ListenAndServe()
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = app.Server.Shutdown(shutdownCtx)
				// In-flight runs finish on their own schedule; wait for them
				// so results land in the store before the process exits.
				runner.Wait()
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config listen_addr)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter on /metrics)")

	return cmd
}
