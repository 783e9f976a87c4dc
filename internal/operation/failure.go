package operation

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/protocol"
)

// FailureKind classifies a failure.
type FailureKind string

const (
	// A workload reported that the system under test misbehaved, e.g. a failed verification.
	FailureKindFailure FailureKind = "failure"
	// An unexpected error while executing an operation.
	FailureKindException FailureKind = "exception"
	// A component did not answer in time.
	FailureKindTimeout FailureKind = "timeout"
)

// Failure is a failure record sent to the coordinator by workers and agents.
type Failure struct {
	Kind   FailureKind      `json:"kind" yaml:"kind"`
	Source protocol.Address `json:"source" yaml:"source"`
	// Worker the failure relates to; equal to Source for failures reported by workers.
	WorkerAddress protocol.Address `json:"workerAddress" yaml:"workerAddress"`
	// Empty if the failure is not related to a test.
	TestID  string `json:"testId,omitempty" yaml:"testId,omitempty"`
	Message string `json:"message" yaml:"message"`
	Cause   string `json:"cause,omitempty" yaml:"cause,omitempty"`
	// A critical failure invalidates the test and may abort the suite.
	Critical bool      `json:"critical" yaml:"critical"`
	Time     time.Time `json:"time" yaml:"time"`
}

// NewFailure builds the failure reported by source for err.
func NewFailure(source protocol.Address, testID string, err error, critical bool) *Failure {
	message := err.Error()
	cause := ""
	if c := errors.Cause(err); c != nil && c.Error() != message {
		cause = c.Error()
	}
	return &Failure{
		Kind:          FailureKindFromError(err),
		Source:        source,
		WorkerAddress: source,
		TestID:        testID,
		Message:       message,
		Cause:         cause,
		Critical:      critical,
		Time:          time.Now(),
	}
}

func (f *Failure) String() string {
	critical := ""
	if f.Critical {
		critical = "critical "
	}
	test := ""
	if f.TestID != "" {
		test = fmt.Sprintf(" in test %s", f.TestID)
	}
	return fmt.Sprintf("%s%s reported by %s%s: %s", critical, f.Kind, f.Source, test, f.Message)
}

// Err returns the failure as an error if it is critical.
func (f *Failure) Err() error {
	if !f.Critical {
		return nil
	}
	return &simerrors.ErrCriticalTestFailure{TestId: f.TestID, Source: f.Source.String(), Message: f.Message}
}

// FailureKindFromError classifies err.
func FailureKindFromError(err error) FailureKind {
	switch {
	case simerrors.IsTimeout(err):
		return FailureKindTimeout
	case isCritical(err):
		return FailureKindFailure
	default:
		return FailureKindException
	}
}

func isCritical(err error) bool {
	var e *simerrors.ErrCriticalTestFailure
	return errors.As(err, &e)
}
