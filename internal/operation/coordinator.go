package operation

import (
	"time"

	"github.com/G-Research/simulator/internal/protocol"
	"github.com/G-Research/simulator/internal/testsuite/model"
	"github.com/G-Research/simulator/pkg/histogram"
)

const (
	FailureType          Type = "Failure"
	PhaseCompletedType   Type = "PhaseCompleted"
	WorkerFinishedType   Type = "WorkerFinished"
	TestHistogramsType   Type = "TestHistograms"
	PerformanceStateType Type = "PerformanceState"
)

// PhaseCompleted is reported by a worker once it has finished a test phase.
type PhaseCompleted struct {
	TestID string           `json:"testId"`
	Phase  model.TestPhase  `json:"phase"`
	Worker protocol.Address `json:"worker"`
}

// WorkerFinished is reported by an agent once a worker has shut down after being asked to.
type WorkerFinished struct {
	Worker protocol.Address `json:"worker"`
}

// TestHistograms carries the latency probes a worker recorded for a test.
type TestHistograms struct {
	TestID string                                `json:"testId"`
	Worker protocol.Address                      `json:"worker"`
	Probes map[string]*histogram.LinearHistogram `json:"probes"`
}

// PerformanceState is reported periodically by workers while a test is running.
type PerformanceState struct {
	TestID         string           `json:"testId"`
	Worker         protocol.Address `json:"worker"`
	OperationCount int64            `json:"operationCount"`
	// Operations per second since the previous report.
	IntervalThroughput float64   `json:"intervalThroughput"`
	Time               time.Time `json:"time"`
}

func (*Failure) OperationType() Type          { return FailureType }
func (*PhaseCompleted) OperationType() Type   { return PhaseCompletedType }
func (*WorkerFinished) OperationType() Type   { return WorkerFinishedType }
func (*TestHistograms) OperationType() Type   { return TestHistogramsType }
func (*PerformanceState) OperationType() Type { return PerformanceStateType }

func init() {
	register(&Failure{}, &PhaseCompleted{}, &WorkerFinished{}, &TestHistograms{}, &PerformanceState{})
}
