package configuration

import (
	"time"
)

type Configuration struct {
	// Address of the agent in the hierarchy, e.g. C_A1. Normally passed by the coordinator when it starts the agent.
	Address string `validate:"required"`
	// Port the agent listens on for the connection from the coordinator.
	Port uint16 `validate:"required"`
	// If non-zero, prometheus metrics and the health endpoint are served on this port.
	MetricsPort    uint16
	RequestTimeout time.Duration `validate:"required"`
	MaxFrameLength uint32
	// How often workers are pinged. Zero disables pinging.
	PingInterval time.Duration
	PingTimeout  time.Duration
	Worker       WorkerConfig
}

type WorkerConfig struct {
	// "process" starts every worker as a child process; "inprocess" runs workers inside the agent.
	Launcher string `validate:"oneof=process inprocess"`
	// Executable started by the process launcher. Defaults to the agent's own executable.
	Binary string
	// Arguments passed before the worker's own, e.g. ["worker"].
	Args []string
	// Host the workers listen on.
	Host string `validate:"required"`
	// Worker n listens on BasePort + n.
	BasePort uint16
	// How often and how long to try connecting to a worker that was just started.
	DialAttempts uint
	DialDelay    time.Duration
	// How long a worker gets to exit after being asked to terminate, before it is killed.
	ShutdownTimeout time.Duration `validate:"required"`
}
