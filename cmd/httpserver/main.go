package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/agent-identity-provisioner/cmd/flags"
	"github.com/ruteri/agent-identity-provisioner/common"
	"github.com/ruteri/agent-identity-provisioner/httpserver"
	"github.com/ruteri/agent-identity-provisioner/metrics"
	"github.com/ruteri/agent-identity-provisioner/workflow"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "provisioner-server",
		Usage: "Serve the agent identity provisioning API",
		Flags: append(append(append([]cli.Flag{flags.LogServiceFlagFn("agent-provisioner")}, flags.LogFlags...), flags.ServerFlags...), flags.ProvisioningFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			metricsSrv, err := metrics.New(common.PackageName, cCtx.String(flags.MetricsAddrFlag.Name))
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}

			components, err := flags.BuildComponents(cCtx, logger, metricsSrv.Registerer())
			if err != nil {
				logger.Error("Failed to set up provisioning pipeline", "err", err)
				return err
			}
			defer components.Close()

			manager := workflow.NewManager(components.Orchestrator, logger)
			handler := httpserver.NewHandler(manager, components.Builder, logger)

			proxy, err := httpserver.NewBackendProxy(components.BackendURL, logger)
			if err != nil {
				logger.Error("Failed to create backend proxy", "err", err)
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger)
			cfg.ReadinessProbe = components.Ready

			server, err := httpserver.New(cfg, handler, proxy, metricsSrv)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server")
			server.RunInBackground()

			// Wait for termination signal
			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()

			// Running workflows persist their progress and can be resumed after restart.
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := manager.Shutdown(ctx); err != nil {
				logger.Error("Workflows did not stop in time", "err", err)
			}

			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
