package configuration

import (
	"time"

	"github.com/G-Research/simulator/internal/testsuite/model"
)

type Configuration struct {
	// If non-zero, prometheus metrics are served on this port.
	MetricsPort uint16
	// Timeout of every request the coordinator sends.
	RequestTimeout time.Duration `validate:"required"`
	MaxFrameLength uint32
	// Machines running an agent. Agent n is the nth entry, starting at 1.
	Agents []AgentConfig `validate:"required,dive"`
	Layout LayoutConfig
	// How the agents are started and stopped.
	Remote RemoteConfig
	// How often and how long to try connecting to an agent.
	DialAttempts uint
	DialDelay    time.Duration
	// How long to wait for workers to report that they finished after being asked to terminate.
	FinishedWorkerTimeout time.Duration `validate:"required"`
	// In parallel mode, test cases wait for each other at the end of every phase up to and including this one.
	LastTestPhaseToSync model.TestPhase
	// Maximum number of test cases running at the same time in parallel mode. Zero means all of them.
	MaxParallelTestCases int
	// How often the throughput of running tests is logged. Zero disables logging.
	PerformanceLogInterval time.Duration
	// If set, every failure is appended to this file as a YAML document.
	FailuresFile string
}

type AgentConfig struct {
	// Host name or IP the coordinator connects to.
	PublicAddress string `validate:"required"`
	// Address used between machines, if different. Defaults to PublicAddress.
	PrivateAddress string
	Port           uint16 `validate:"required"`
}

type LayoutConfig struct {
	MemberWorkerCount int `validate:"gte=0"`
	ClientWorkerCount int `validate:"gte=0"`
	// Members are placed on the first DedicatedMemberMachines agents and clients on the rest.
	// Zero places both on every agent.
	DedicatedMemberMachines int `validate:"gte=0"`
	MemberParameters        map[string]string
	ClientParameters        map[string]string
}

type RemoteConfig struct {
	// "inprocess" runs the agents inside the coordinator, "local" starts them as processes on this
	// machine and "ssh" starts them on their hosts over ssh.
	Mode string `validate:"oneof=inprocess local ssh"`
	// Command starting the simulator binary on the agent machines.
	Command string
	// Directory on the agent machines holding agent logs and pid files.
	WorkDir string
	// Run after an agent was stopped, e.g. to terminate the machine if the coordinator disappears.
	HarakiriMonitorCommand string
	Ssh                    SshConfig
}

type SshConfig struct {
	User           string
	Port           uint16
	PrivateKeyFile string
	// known_hosts file used to verify the agent machines. If empty, host keys are not verified.
	KnownHostsFile string
	Timeout        time.Duration
}
