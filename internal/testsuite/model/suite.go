// Package model holds the test suite description shared by the coordinator and the workers.
package model

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

// WorkloadProperty is the test case property naming the workload a worker runs for it.
const WorkloadProperty = "class"

// TestCase is one workload of a suite, with the properties passed to it.
type TestCase struct {
	ID         string            `yaml:"id" json:"id"`
	Properties map[string]string `yaml:"properties" json:"properties,omitempty"`
}

// Workload returns the name of the workload the test case runs.
func (tc *TestCase) Workload() string {
	return tc.Properties[WorkloadProperty]
}

// TestSuite is an ordered list of test cases and the policy used to run them.
// A suite is immutable once loaded.
type TestSuite struct {
	ID string `yaml:"id"`
	// How long the run phase of every test case lasts.
	Duration time.Duration `yaml:"duration"`
	// If set, the run phase lasts until the workloads finish by themselves and Duration is ignored.
	WaitForTestCase bool `yaml:"waitForTestCase"`
	// Stop at the first critical failure.
	FailFast bool `yaml:"failFast"`
	// Run all test cases at the same time instead of one after another.
	Parallel bool `yaml:"parallel"`
	// Replace all workers before every test case when running sequentially.
	RefreshWorkers bool `yaml:"refreshWorkers"`
	// Skip the verify phases if false.
	VerifyEnabled bool       `yaml:"verifyEnabled"`
	TestCases     []TestCase `yaml:"testCases"`
}

func (s *TestSuite) Size() int {
	return len(s.TestCases)
}

// MaxTestCaseIdLength is used to align log output.
func (s *TestSuite) MaxTestCaseIdLength() int {
	longest := 0
	for _, tc := range s.TestCases {
		if len(tc.ID) > longest {
			longest = len(tc.ID)
		}
	}
	return longest
}

func (s *TestSuite) Validate() error {
	if len(s.TestCases) == 0 {
		return errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "testCases",
			Value:   s.TestCases,
			Message: "no test cases provided",
		})
	}
	if s.Duration <= 0 && !s.WaitForTestCase {
		return errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "duration",
			Value:   s.Duration,
			Message: "must be positive unless waitForTestCase is set",
		})
	}
	seen := make(map[string]bool, len(s.TestCases))
	for i, tc := range s.TestCases {
		if tc.ID == "" {
			return errors.WithStack(&simerrors.ErrInvalidArgument{
				Name:    fmt.Sprintf("testCases[%d].id", i),
				Value:   tc.ID,
				Message: "not provided",
			})
		}
		if seen[tc.ID] {
			return errors.WithStack(&simerrors.ErrAlreadyExists{Type: "testCase", Value: tc.ID})
		}
		seen[tc.ID] = true
		if tc.Workload() == "" {
			return errors.WithStack(&simerrors.ErrInvalidArgument{
				Name:    fmt.Sprintf("testCases[%d].properties.%s", i, WorkloadProperty),
				Value:   "",
				Message: "no workload named",
			})
		}
	}
	return nil
}

// TestSuiteFromBytes parses and validates a YAML suite. A suite without an id is given a random one.
func TestSuiteFromBytes(data []byte) (*TestSuite, error) {
	suite := &TestSuite{VerifyEnabled: true}
	if err := yaml.UnmarshalStrict(data, suite); err != nil {
		return nil, errors.WithStack(err)
	}
	if suite.ID == "" {
		suite.ID = uuid.New().String()
	}
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	return suite, nil
}

// TestSuiteFromFilePath reads a suite from a YAML file.
func TestSuiteFromFilePath(filePath string) (*TestSuite, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	suite, err := TestSuiteFromBytes(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid test suite %s", filePath)
	}
	return suite, nil
}
