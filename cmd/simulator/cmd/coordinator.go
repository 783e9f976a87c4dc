package cmd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/G-Research/simulator/internal/agent"
	agentconfig "github.com/G-Research/simulator/internal/agent/configuration"
	"github.com/G-Research/simulator/internal/common/app"
	"github.com/G-Research/simulator/internal/coordinator"
	"github.com/G-Research/simulator/internal/coordinator/configuration"
	"github.com/G-Research/simulator/internal/testsuite"
	workerconfig "github.com/G-Research/simulator/internal/worker/configuration"
	"github.com/G-Research/simulator/internal/worker/workloads"
)

// Start the fleet, run a test suite on it and print the report.
// Exits non-zero if the fleet could not be started or a critical failure was recorded.
func coordinatorCmd(a *testsuite.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run a test suite on the fleet.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			suitePath, err := cmd.Flags().GetString("suite")
			if err != nil {
				return err
			}
			if a.Params.ReportPath, err = cmd.Flags().GetString("report"); err != nil {
				return err
			}
			if a.Params.ReportFormat, err = cmd.Flags().GetString("reportFormat"); err != nil {
				return err
			}
			a.Params.Registerer = prometheus.DefaultRegisterer

			var config configuration.Configuration
			if err := loadConfig(cmd, "coordinator", &config, nil); err != nil {
				return err
			}
			starter, err := agentStarter(cmd, config)
			if err != nil {
				return err
			}

			shutdownMetrics := serveMetrics(config.MetricsPort, nil)
			defer shutdownMetrics()

			ctx := app.CreateContextWithShutdown()
			_, err = a.RunSuiteFile(ctx, config, starter, suitePath)
			return err
		},
	}

	cmd.Flags().String("suite", "suite.yaml", "Test suite file.")
	cmd.Flags().String("report", "", "If set, the suite report is written to this file.")
	cmd.Flags().String("reportFormat", "yaml", "Format of the report file, yaml, json or junit.")

	return cmd
}

// agentStarter returns the starter for config.Remote.Mode. In-process agents are configured from
// the agent and worker configuration directories.
func agentStarter(cmd *cobra.Command, config configuration.Configuration) (coordinator.AgentStarter, error) {
	var agentConfig agentconfig.Configuration
	var launcher agent.WorkerLauncher
	if config.Remote.Mode == "" || config.Remote.Mode == "inprocess" {
		if err := loadConfig(cmd, "agent", &agentConfig, nil); err != nil {
			return nil, err
		}
		var workerConfig workerconfig.Configuration
		if err := loadConfig(cmd, "worker", &workerConfig, nil); err != nil {
			return nil, err
		}
		var err error
		launcher, err = agent.NewLauncher(agentConfig.Worker, workerConfig, workloads.Builtin(), prometheus.DefaultRegisterer)
		if err != nil {
			return nil, err
		}
	}
	return coordinator.NewAgentStarter(config, agentConfig, launcher, prometheus.DefaultRegisterer)
}
