package operation

import (
	"github.com/G-Research/simulator/internal/testsuite/model"
)

const (
	CreateTestType      Type = "CreateTest"
	StartTestPhaseType  Type = "StartTestPhase"
	StopTestType        Type = "StopTest"
	TerminateWorkerType Type = "TerminateWorker"
	PingType            Type = "Ping"
)

// CreateTest instantiates the workload of a test case on a worker.
type CreateTest struct {
	TestIndex int32          `json:"testIndex"`
	TestCase  model.TestCase `json:"testCase"`
}

// StartTestPhase starts a phase of a test on a worker. The worker answers immediately
// and reports a PhaseCompleted to the coordinator once the phase is done.
type StartTestPhase struct {
	TestID string          `json:"testId"`
	Phase  model.TestPhase `json:"phase"`
}

// StopTest ends the run phase of a test.
type StopTest struct {
	TestID string `json:"testId"`
}

// TerminateWorker asks a worker to stop its tests and exit.
type TerminateWorker struct{}

// Ping checks that a worker is responsive.
type Ping struct{}

func (*CreateTest) OperationType() Type      { return CreateTestType }
func (*StartTestPhase) OperationType() Type  { return StartTestPhaseType }
func (*StopTest) OperationType() Type        { return StopTestType }
func (*TerminateWorker) OperationType() Type { return TerminateWorkerType }
func (*Ping) OperationType() Type            { return PingType }

func init() {
	register(&CreateTest{}, &StartTestPhase{}, &StopTest{}, &TerminateWorker{}, &Ping{})
}
