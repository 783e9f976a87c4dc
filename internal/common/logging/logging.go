package logging

import (
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets up logging suitable for a long-running process (agent, worker).
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ConfigureCommandLineLogging sets up logging suitable for a command line tool:
// messages only, no timestamps or levels.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&CommandLineFormatter{})
	log.SetOutput(os.Stdout)
}

// SetLevel parses level (e.g. "debug", "info") and applies it to the standard logger.
// An empty level leaves the current level unchanged.
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return errors.WithStack(err)
	}
	log.SetLevel(parsed)
	return nil
}

// EnableMetrics adds a hook counting log lines by level to the standard logger.
func EnableMetrics(registerer prometheus.Registerer) {
	log.AddHook(NewPrometheusHook(registerer))
}
