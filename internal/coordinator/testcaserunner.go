package coordinator

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/metrics"
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
	"github.com/G-Research/simulator/internal/testsuite/model"
	"github.com/G-Research/simulator/internal/testsuite/report"
)

// How often a runner waiting for workers rechecks for failures even if nothing was reported.
const phaseCheckInterval = time.Second

// errAborted is returned by a runner stopped by its context, e.g. by fail-fast in a parallel suite.
var errAborted = errors.New("aborted")

// TestCaseRunner drives one test case through its phases on the workers in the registry.
type TestCaseRunner struct {
	testCase    model.TestCase
	index       int32
	suite       *model.TestSuite
	client      *RemoteClient
	registry    *ComponentRegistry
	failures    *FailureContainer
	histograms  *TestHistogramContainer
	performance *PerformanceStateContainer
	sync        *PhaseSync
	metrics     *metrics.CoordinatorMetrics

	mu        sync.Mutex
	phase     model.TestPhase
	expected  map[protocol.Address]struct{}
	completed map[protocol.Address]struct{}
	wake      chan struct{}
}

func newTestCaseRunner(c *Coordinator, suite *model.TestSuite, index int, syncs *PhaseSyncs) *TestCaseRunner {
	return &TestCaseRunner{
		testCase:    suite.TestCases[index],
		index:       int32(index + 1),
		suite:       suite,
		client:      c.client,
		registry:    c.registry,
		failures:    c.failures,
		histograms:  c.histograms,
		performance: c.performance,
		sync:        syncs.ForTestCase(),
		metrics:     c.metrics,
		wake:        make(chan struct{}, 1),
	}
}

func (r *TestCaseRunner) ID() string {
	return r.testCase.ID
}

// PhaseCompleted records that worker finished phase of this test case.
func (r *TestCaseRunner) PhaseCompleted(worker protocol.Address, phase model.TestPhase) {
	r.mu.Lock()
	if phase == r.phase && r.completed != nil {
		r.completed[worker] = struct{}{}
	}
	r.mu.Unlock()
	r.Wake()
}

// Wake makes a waiting runner recheck its state.
func (r *TestCaseRunner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run executes every phase of the test case and returns its report. It does not return an error:
// failures are recorded in the FailureContainer and reflected in the report state.
func (r *TestCaseRunner) Run(ctx *simcontext.Context) *report.TestCaseReport {
	ctx = simcontext.WithLogField(ctx, "test", r.ID())
	start := time.Now()
	mark := r.failures.FailureCount()
	result := &report.TestCaseReport{TestID: r.ID(), Start: start, State: report.Completed}

	err := r.execute(ctx, mark)
	if err != nil {
		r.sync.ArriveRemaining()
		r.stop(ctx)
		switch {
		case errors.Is(err, errAborted):
			result.State = report.Aborted
			result.TerminationReason = "aborted"
			ctx.Log.Warn("test case aborted")
		default:
			result.State = report.Failed
			result.TerminationReason = err.Error()
			ctx.Log.WithError(err).Error("test case failed")
		}
	}
	result.Duration = time.Since(start)

	probes, errs := r.histograms.CreateProbeResults(r.ID())
	for _, err := range errs {
		ctx.Log.WithError(err).Warn("could not merge probe histograms")
	}
	if len(probes) > 0 {
		result.Probes = probes
	}
	if total, ok := r.performance.Total(r.ID()); ok {
		result.OperationCount = total.OperationCount
		if seconds := result.Duration.Seconds(); seconds > 0 {
			result.Throughput = float64(total.OperationCount) / seconds
		}
	}
	r.histograms.Remove(r.ID())
	r.performance.Remove(r.ID())

	r.metrics.TestCaseDuration.WithLabelValues(r.ID()).Observe(result.Duration.Seconds())
	r.metrics.TestCaseResults.WithLabelValues(string(result.State)).Inc()
	return result
}

func (r *TestCaseRunner) execute(ctx *simcontext.Context, mark int) error {
	if err := r.checkAbort(ctx, mark); err != nil {
		return err
	}
	ctx.Log.Infof("creating test case with workload %s", r.testCase.Workload())
	if err := r.client.InvokeOnAllWorkers(ctx, &operation.CreateTest{TestIndex: r.index, TestCase: r.testCase}); err != nil {
		return r.fail(ctx, mark, errors.WithMessage(err, "could not create test"))
	}
	for _, phase := range model.AllTestPhases() {
		if err := r.checkAbort(ctx, mark); err != nil {
			return err
		}
		if phase.IsVerify() && !r.suite.VerifyEnabled {
			ctx.Log.Debugf("skipping %s", phase.Description())
		} else if err := r.executePhase(ctx, mark, phase); err != nil {
			return err
		}
		if err := r.sync.Await(ctx, phase); err != nil {
			return r.fail(ctx, mark, err)
		}
	}
	return r.checkAbort(ctx, mark)
}

func (r *TestCaseRunner) executePhase(ctx *simcontext.Context, mark int, phase model.TestPhase) error {
	destination, workers, err := r.targets(phase)
	if err != nil {
		return r.fail(ctx, mark, err)
	}
	r.mu.Lock()
	r.phase = phase
	r.expected = workers
	r.completed = make(map[protocol.Address]struct{}, len(workers))
	r.mu.Unlock()

	ctx.Log.Infof("starting %s on %d workers", phase.Description(), len(workers))
	if err := r.client.InvokeOnTest(ctx, destination, &operation.StartTestPhase{TestID: r.ID(), Phase: phase}); err != nil {
		return r.fail(ctx, mark, errors.WithMessagef(err, "could not start %s", phase.Description()))
	}
	if phase == model.Run {
		if err := r.awaitRunDuration(ctx, mark); err != nil {
			return err
		}
	}
	return r.awaitPhase(ctx, mark, phase)
}

// targets returns the destination of phase and the workers expected to complete it.
func (r *TestCaseRunner) targets(phase model.TestPhase) (protocol.Address, map[protocol.Address]struct{}, error) {
	if phase.IsGlobal() {
		worker, ok := r.registry.FirstWorker()
		if !ok {
			return protocol.Address{}, nil, errors.WithStack(&simerrors.ErrNotFound{Type: "worker", Value: "first worker"})
		}
		test := protocol.Test(worker.Address.AgentIndex, worker.Address.WorkerIndex, r.index)
		return test, map[protocol.Address]struct{}{worker.Address: {}}, nil
	}
	workers := r.registry.Workers()
	if len(workers) == 0 {
		return protocol.Address{}, nil, errors.WithStack(&simerrors.ErrNotFound{Type: "worker", Value: "any worker"})
	}
	expected := make(map[protocol.Address]struct{}, len(workers))
	for _, w := range workers {
		expected[w.Address] = struct{}{}
	}
	return protocol.AllTests(), expected, nil
}

// awaitRunDuration lets the run phase go on for the suite duration and then stops it.
// If the suite waits for the test case to finish by itself, it returns immediately.
func (r *TestCaseRunner) awaitRunDuration(ctx *simcontext.Context, mark int) error {
	if r.suite.WaitForTestCase {
		ctx.Log.Info("running until the workload finishes")
		return nil
	}
	ctx.Log.Infof("running for %s", r.suite.Duration)
	deadline := time.NewTimer(r.suite.Duration)
	defer deadline.Stop()
	ticker := time.NewTicker(phaseCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-deadline.C:
			r.stop(ctx)
			return nil
		case <-ticker.C:
		case <-r.wake:
		case <-ctx.Done():
		}
		if err := r.checkAbort(ctx, mark); err != nil {
			return err
		}
	}
}

// awaitPhase blocks until every expected worker reported that it completed phase.
func (r *TestCaseRunner) awaitPhase(ctx *simcontext.Context, mark int, phase model.TestPhase) error {
	ticker := time.NewTicker(phaseCheckInterval)
	defer ticker.Stop()
	for {
		if err := r.checkAbort(ctx, mark); err != nil {
			return err
		}
		if r.missing() == 0 {
			ctx.Log.Infof("completed %s", phase.Description())
			return nil
		}
		select {
		case <-r.wake:
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
}

func (r *TestCaseRunner) missing() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for w := range r.expected {
		if _, ok := r.completed[w]; !ok {
			n++
		}
	}
	return n
}

// checkAbort returns an error if the runner was cancelled or a critical failure invalidated the test case.
func (r *TestCaseRunner) checkAbort(ctx *simcontext.Context, mark int) error {
	if f := r.failures.FirstCriticalFailure(r.ID()); f != nil {
		return f.Err()
	}
	if ctx.Err() != nil {
		return errAborted
	}
	if r.failures.HasUnattributedCriticalFailureSince(mark) {
		return errors.New("a worker or agent failed while the test case was running")
	}
	return nil
}

// fail records err as a critical failure of the test case, unless the test case was already aborted.
func (r *TestCaseRunner) fail(ctx *simcontext.Context, mark int, err error) error {
	if abort := r.checkAbort(ctx, mark); abort != nil {
		return abort
	}
	r.failures.AddFailure(operation.NewFailure(protocol.Coordinator(), r.ID(), err, true))
	return err
}

// stop ends the run phase of the test case on every worker.
// Workers that already removed the test answer with an error, which is only logged.
func (r *TestCaseRunner) stop(ctx *simcontext.Context) {
	ctx = simcontext.WithoutCancel(ctx)
	if err := r.client.InvokeOnAllTests(ctx, &operation.StopTest{TestID: r.ID()}); err != nil {
		ctx.Log.WithError(err).Debug("could not stop test on every worker")
	}
}
