package configuration

import (
	"time"
)

type Configuration struct {
	// Address of the worker in the hierarchy, e.g. C_A1_W2. Normally passed by the agent on the command line.
	Address string `validate:"required"`
	// Role of the worker, "member" or "client".
	Type string
	// Defaults for the properties of every test case the worker runs.
	Parameters map[string]string
	// Port the worker listens on for the connection from its agent.
	Port uint16 `validate:"required"`
	// If non-zero, prometheus metrics are served on this port.
	MetricsPort uint16
	// Timeout of requests the worker sends to the coordinator.
	RequestTimeout time.Duration `validate:"required"`
	// How often the throughput of running tests is reported. Zero disables reporting.
	PerformanceInterval time.Duration
	// Frames larger than this are rejected.
	MaxFrameLength uint32
	// How long to wait for running phases to return once the worker is asked to terminate.
	ShutdownTimeout time.Duration `validate:"required"`
}
