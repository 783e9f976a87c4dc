package worker

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/protocol"
	"github.com/G-Research/simulator/internal/testsuite/model"
	"github.com/G-Research/simulator/pkg/histogram"
)

// Test is a workload executed by a worker for one test case.
// Run must return once the context passed to it is done.
type Test interface {
	Setup(tc *TestContext) error
	Run(tc *TestContext) error
}

// Warmer is implemented by tests with warmup phases.
// Warmup is called with global set on one worker only, after every worker has completed its local warmup.
type Warmer interface {
	Warmup(tc *TestContext, global bool) error
}

// Verifier is implemented by tests that check the system under test after the run phase.
type Verifier interface {
	Verify(tc *TestContext, global bool) error
}

// TearDowner is implemented by tests that release resources.
type TearDowner interface {
	Teardown(tc *TestContext, global bool) error
}

// Factory creates the workload for a test case.
type Factory func(testCase model.TestCase) (Test, error)

// Workloads maps workload names, as given by the "class" property of a test case, to factories.
type Workloads map[string]Factory

func (w Workloads) create(testCase model.TestCase) (Test, error) {
	factory, ok := w[testCase.Workload()]
	if !ok {
		return nil, errors.WithStack(&simerrors.ErrNotFound{
			Type:    "workload",
			Value:   testCase.Workload(),
			Message: "test case " + testCase.ID,
		})
	}
	return factory(testCase)
}

// TestContext is passed to every phase of a test.
type TestContext struct {
	*simcontext.Context
	TestID     string
	Properties map[string]string
	Worker     protocol.Address

	parent     *TestContext
	operations atomic.Int64
	mu         sync.Mutex
	probes     map[string]*Probe
}

func newTestContext(ctx *simcontext.Context, worker protocol.Address, testCase model.TestCase) *TestContext {
	return &TestContext{
		Context:    simcontext.WithLogField(ctx, "testId", testCase.ID),
		TestID:     testCase.ID,
		Properties: testCase.Properties,
		Worker:     worker,
		probes:     make(map[string]*Probe),
	}
}

// withContext returns a shallow copy of tc bound to ctx. Probes and counters are shared.
func (tc *TestContext) withContext(ctx *simcontext.Context) *TestContext {
	return &TestContext{
		Context:    ctx,
		TestID:     tc.TestID,
		Properties: tc.Properties,
		Worker:     tc.Worker,
		parent:     tc,
	}
}

func (tc *TestContext) root() *TestContext {
	if tc.parent != nil {
		return tc.parent
	}
	return tc
}

// Probe returns the latency probe called name, creating it on first use.
func (tc *TestContext) Probe(name string) *Probe {
	root := tc.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	probe, ok := root.probes[name]
	if !ok {
		probe = NewProbe(DefaultProbeMaxMicros, DefaultProbeStepMicros)
		root.probes[name] = probe
	}
	return probe
}

// Histograms returns a copy of every probe's histogram.
func (tc *TestContext) Histograms() map[string]*histogram.LinearHistogram {
	root := tc.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	result := make(map[string]*histogram.LinearHistogram, len(root.probes))
	for name, probe := range root.probes {
		result[name] = probe.Snapshot()
	}
	return result
}

// AddOperations records n completed operations for performance reporting.
func (tc *TestContext) AddOperations(n int64) {
	tc.root().operations.Add(n)
}

func (tc *TestContext) Operations() int64 {
	return tc.root().operations.Load()
}

// IntProperty returns the property called name as an integer, or def if it is not set.
func (tc *TestContext) IntProperty(name string, def int) (int, error) {
	value, ok := tc.Properties[name]
	if !ok || value == "" {
		return def, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.WithStack(&simerrors.ErrInvalidArgument{Name: name, Value: value, Message: "not an integer"})
	}
	return i, nil
}
