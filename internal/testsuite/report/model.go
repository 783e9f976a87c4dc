// Package report holds the outcome of a test suite run and renders it for the user.
package report

import (
	"time"

	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/pkg/histogram"
)

// TestCaseState is the final state of a test case.
type TestCaseState string

const (
	Completed TestCaseState = "completed"
	Failed    TestCaseState = "failed"
	// Stopped by fail-fast after it had started.
	Aborted TestCaseState = "aborted"
	// Never started because the suite was aborted first.
	Skipped TestCaseState = "skipped"
)

type TestCaseReport struct {
	TestID            string                                          `json:"testId" yaml:"testId"`
	State             TestCaseState                                   `json:"state" yaml:"state"`
	TerminationReason string                                          `json:"terminationReason,omitempty" yaml:"terminationReason,omitempty"`
	Start             time.Time                                       `json:"start,omitempty" yaml:"start,omitempty"`
	Duration          time.Duration                                   `json:"duration" yaml:"duration"`
	OperationCount    int64                                           `json:"operationCount" yaml:"operationCount"`
	Throughput        float64                                         `json:"throughput" yaml:"throughput"`
	Probes            map[string]*histogram.LatencyDistributionResult `json:"probes,omitempty" yaml:"probes,omitempty"`
}

// SuiteReport is the outcome of a suite run. Probes holds the probes of all test cases merged by name.
type SuiteReport struct {
	SuiteID   string                                          `json:"suiteId" yaml:"suiteId"`
	Start     time.Time                                       `json:"start" yaml:"start"`
	Duration  time.Duration                                   `json:"duration" yaml:"duration"`
	Members   int                                             `json:"members" yaml:"members"`
	Clients   int                                             `json:"clients" yaml:"clients"`
	TestCases []*TestCaseReport                               `json:"testCases" yaml:"testCases"`
	Probes    map[string]*histogram.LatencyDistributionResult `json:"probes,omitempty" yaml:"probes,omitempty"`
	Failures  []*operation.Failure                            `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// HasCriticalFailure returns true if any recorded failure is critical.
func (r *SuiteReport) HasCriticalFailure() bool {
	for _, f := range r.Failures {
		if f.Critical {
			return true
		}
	}
	return false
}

// TestCase returns the report of the test case with id, or nil.
func (r *SuiteReport) TestCase(id string) *TestCaseReport {
	for _, tc := range r.TestCases {
		if tc.TestID == id {
			return tc
		}
	}
	return nil
}
