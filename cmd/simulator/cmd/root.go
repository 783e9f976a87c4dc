package cmd

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/G-Research/simulator/internal/common"
	commonconfig "github.com/G-Research/simulator/internal/common/config"
	"github.com/G-Research/simulator/internal/common/health"
	"github.com/G-Research/simulator/internal/common/logging"
	"github.com/G-Research/simulator/internal/testsuite"
)

const (
	CustomConfigLocation string = "config"
	ConfigDirectory      string = "configDir"
	LogLevel             string = "logLevel"
	LogFormat            string = "logFormat"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "simulator",
		SilenceUsage: true,
		Short:        "simulator runs benchmark test suites on a fleet of agents and workers.",
		Long: `simulator runs benchmark test suites on a fleet of agents and workers.

The coordinator starts one agent per configured machine, the agents start the workers
and the workers run the workloads of every test case.

Configuration is read from <configDir>/<command>/config.yaml, then from every file passed
with --config, then from SIMULATOR_* environment variables.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			format, err := cmd.Flags().GetString(LogFormat)
			if err != nil {
				return err
			}
			switch format {
			case "text":
			case "plain":
				common.ConfigureCommandLineLogging()
			default:
				return errors.Errorf("unknown log format %q", format)
			}
			level, err := cmd.Flags().GetString(LogLevel)
			if err != nil {
				return err
			}
			return logging.SetLevel(level)
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.PersistentFlags().String(ConfigDirectory, "./config", "Directory holding the default configuration of every command.")
	cmd.PersistentFlags().String(LogLevel, "", "Log level, e.g. debug or info.")
	cmd.PersistentFlags().String(LogFormat, "text", "Log format, text or plain (messages only).")

	cmd.AddCommand(
		versionCmd(testsuite.New()),
		coordinatorCmd(testsuite.New()),
		agentCmd(),
		workerCmd(),
	)

	return cmd
}

// Print version info and exit.
func versionCmd(app *testsuite.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Version()
		},
	}
	return cmd
}

// loadConfig decodes the configuration of the named command into config and validates it.
func loadConfig(cmd *cobra.Command, name string, config interface{}, overrides func() error) error {
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return err
	}
	dir, err := cmd.Flags().GetString(ConfigDirectory)
	if err != nil {
		return err
	}
	common.LoadConfig(config, filepath.Join(dir, name), userSpecifiedConfigs)
	if overrides != nil {
		if err := overrides(); err != nil {
			return err
		}
	}
	err = commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return err
}

// serveMetrics exposes the default prometheus registry and, if checker is non-nil, a health endpoint on port.
// A zero port disables the server.
func serveMetrics(port uint16, checker health.Checker) (shutdown func()) {
	if port == 0 {
		return func() {}
	}
	logging.EnableMetrics(prometheus.DefaultRegisterer)
	return common.ServeMetrics(port, prometheus.DefaultGatherer, checker)
}

// overrideString copies the named flag into target if it was set on the command line.
func overrideString(flags *pflag.FlagSet, name string, target *string) {
	if flags.Changed(name) {
		*target, _ = flags.GetString(name)
	}
}

func overridePort(flags *pflag.FlagSet, name string, target *uint16) {
	if flags.Changed(name) {
		*target, _ = flags.GetUint16(name)
	}
}
