package cmd

import (
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/simulator/internal/agent"
	"github.com/G-Research/simulator/internal/agent/configuration"
	"github.com/G-Research/simulator/internal/common/app"
	"github.com/G-Research/simulator/internal/common/logging"
	"github.com/G-Research/simulator/internal/protocol"
	workerconfig "github.com/G-Research/simulator/internal/worker/configuration"
	"github.com/G-Research/simulator/internal/worker/workloads"
)

// Run an agent until it is interrupted. Normally started by the coordinator.
func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent, which starts and supervises the workers of one machine.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var config configuration.Configuration
			err := loadConfig(cmd, "agent", &config, func() error {
				overrideString(cmd.Flags(), "address", &config.Address)
				overridePort(cmd.Flags(), "port", &config.Port)
				return nil
			})
			if err != nil {
				return err
			}
			address, err := protocol.ParseAddress(config.Address)
			if err != nil {
				return err
			}

			var workerConfig workerconfig.Configuration
			if config.Worker.Launcher == "inprocess" {
				if err := loadConfig(cmd, "worker", &workerConfig, nil); err != nil {
					return err
				}
			}
			launcher, err := agent.NewLauncher(config.Worker, workerConfig, workloads.Builtin(), prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}

			ctx := app.CreateContextWithShutdown()
			listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Port))
			if err != nil {
				return err
			}
			a := agent.New(ctx, address, launcher, config, prometheus.DefaultRegisterer)
			defer a.Shutdown()

			shutdownMetrics := serveMetrics(config.MetricsPort, a.HealthChecker())
			defer shutdownMetrics()

			log.Infof("agent %s listening on %s", address, listener.Addr())
			if err := a.Serve(ctx, listener); err != nil && ctx.Err() == nil {
				logging.WithStacktrace(ctx.Log, err).Error("agent stopped serving")
				return err
			}
			return nil
		},
	}

	cmd.Flags().String("address", "", "Address of the agent, e.g. C_A1.")
	cmd.Flags().Uint16("port", 0, "Port to listen on for the coordinator.")

	return cmd
}
