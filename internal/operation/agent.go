package operation

import (
	"github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/protocol"
)

const (
	InitTestSuiteType    Type = "InitTestSuite"
	CreateWorkerType     Type = "CreateWorker"
	TerminateWorkersType Type = "TerminateWorkers"
	LogType              Type = "Log"
)

// WorkerType is the role of a worker in the cluster under test.
type WorkerType string

const (
	MemberWorker WorkerType = "member"
	ClientWorker WorkerType = "client"
)

// InitTestSuite prepares an agent for a new suite run.
type InitTestSuite struct {
	SuiteID string `json:"suiteId"`
}

// WorkerSettings describes a worker an agent should launch.
type WorkerSettings struct {
	WorkerIndex int32             `json:"workerIndex"`
	Type        WorkerType        `json:"type"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// CreateWorker asks an agent to launch workers and connect to them.
type CreateWorker struct {
	Workers []WorkerSettings `json:"workers"`
}

// CreateWorkerResult is returned by an agent once the workers are connected.
type CreateWorkerResult struct {
	Addresses []protocol.Address `json:"addresses"`
}

// TerminateWorkers asks an agent to stop all the workers it launched.
type TerminateWorkers struct {
	// If false, worker processes are killed without asking them to finish first.
	Graceful bool `json:"graceful"`
}

// Log asks the receiver to write Message to its log.
type Log struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// WriteTo logs the message on entry at the requested level, or at info if the level is not recognised.
func (l *Log) WriteTo(entry *logrus.Entry) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	entry.Log(level, l.Message)
}

func (*InitTestSuite) OperationType() Type    { return InitTestSuiteType }
func (*CreateWorker) OperationType() Type     { return CreateWorkerType }
func (*TerminateWorkers) OperationType() Type { return TerminateWorkersType }
func (*Log) OperationType() Type              { return LogType }

func init() {
	register(&InitTestSuite{}, &CreateWorker{}, &TerminateWorkers{}, &Log{})
}
