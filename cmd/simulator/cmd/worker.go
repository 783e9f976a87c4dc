package cmd

import (
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/simulator/internal/common/app"
	"github.com/G-Research/simulator/internal/common/logging"
	"github.com/G-Research/simulator/internal/protocol"
	"github.com/G-Research/simulator/internal/worker"
	"github.com/G-Research/simulator/internal/worker/configuration"
	"github.com/G-Research/simulator/internal/worker/workloads"
)

// Run a worker until its agent terminates it or it is interrupted. Started by the agent.
func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker, which executes the workloads of the test cases.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var config configuration.Configuration
			err := loadConfig(cmd, "worker", &config, func() error {
				flags := cmd.Flags()
				overrideString(flags, "address", &config.Address)
				overridePort(flags, "port", &config.Port)
				overrideString(flags, "type", &config.Type)
				if flags.Changed("parameters") {
					parameters, err := flags.GetStringToString("parameters")
					if err != nil {
						return err
					}
					if config.Parameters == nil {
						config.Parameters = make(map[string]string, len(parameters))
					}
					for k, v := range parameters {
						config.Parameters[k] = v
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			address, err := protocol.ParseAddress(config.Address)
			if err != nil {
				return err
			}

			ctx := app.CreateContextWithShutdown()
			listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Port))
			if err != nil {
				return err
			}
			w := worker.New(ctx, address, workloads.Builtin(), config, prometheus.DefaultRegisterer)

			shutdownMetrics := serveMetrics(config.MetricsPort, nil)
			defer shutdownMetrics()

			go func() {
				select {
				case <-ctx.Done():
					w.Shutdown()
				case <-w.Done():
				}
			}()
			log.Infof("worker %s listening on %s", address, listener.Addr())
			if err := w.Serve(listener); err != nil {
				logging.WithStacktrace(ctx.Log, err).Error("worker stopped serving")
				w.Shutdown()
				return err
			}
			<-w.Done()
			return nil
		},
	}

	cmd.Flags().String("address", "", "Address of the worker, e.g. C_A1_W1.")
	cmd.Flags().Uint16("port", 0, "Port to listen on for the agent.")
	cmd.Flags().String("type", "", "Role of the worker, member or client.")
	cmd.Flags().StringToString("parameters", nil, "Default test case properties, e.g. key1=value1,key2=value2.")

	return cmd
}
