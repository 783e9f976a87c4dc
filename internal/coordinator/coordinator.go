// Package coordinator drives a test suite across the agents and workers of the fleet.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/G-Research/simulator/internal/common/metrics"
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/common/task"
	"github.com/G-Research/simulator/internal/coordinator/configuration"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
	"github.com/G-Research/simulator/internal/testsuite/model"
	"github.com/G-Research/simulator/internal/testsuite/report"
)

const defaultFinishedWorkerTimeout = 120 * time.Second

type Coordinator struct {
	ctx         *simcontext.Context
	config      configuration.Configuration
	starter     AgentStarter
	registry    *ComponentRegistry
	node        *protocol.Node
	client      *RemoteClient
	failures    *FailureContainer
	histograms  *TestHistogramContainer
	performance *PerformanceStateContainer
	metrics     *metrics.CoordinatorMetrics
	background  *task.BackgroundTaskManager

	mu           sync.Mutex
	runners      map[string]*TestCaseRunner
	started      []AgentData
	shuttingDown bool
	// Cancels the running parallel test cases when fail-fast is enabled.
	abortRunning context.CancelFunc
}

func New(ctx *simcontext.Context, config configuration.Configuration, starter AgentStarter, registerer prometheus.Registerer) *Coordinator {
	ctx = simcontext.WithLogField(ctx, "node", protocol.Coordinator().String())
	m := metrics.NewCoordinatorMetrics(registerer)
	c := &Coordinator{
		ctx:         ctx,
		config:      config,
		starter:     starter,
		registry:    NewComponentRegistry(config.Agents),
		failures:    NewFailureContainer(config.FailuresFile, m),
		histograms:  NewTestHistogramContainer(),
		performance: NewPerformanceStateContainer(),
		metrics:     m,
		background:  task.NewBackgroundTaskManager(metrics.MetricPrefix+"coordinator_", registerer),
		runners:     make(map[string]*TestCaseRunner),
	}
	c.node = protocol.NewNode(ctx, protocol.Coordinator(), c, protocol.NodeOptions{
		RequestTimeout: config.RequestTimeout,
		Connection: protocol.ConnectionOptions{
			MaxFrameLength: config.MaxFrameLength,
			Metrics:        metrics.NewProtocolMetrics(registerer),
		},
	})
	c.node.Connections().OnChildRemoved(c.agentDisconnected)
	c.client = NewRemoteClient(c.node, config.RequestTimeout)
	c.failures.OnFailure(c.onFailure)
	return c
}

func (c *Coordinator) Registry() *ComponentRegistry {
	return c.registry
}

func (c *Coordinator) Failures() *FailureContainer {
	return c.failures
}

// Run starts the agents and workers, executes suite and shuts everything down again.
// The returned error is non-nil only if the fleet could not be started; test failures are in the report.
func (c *Coordinator) Run(suite *model.TestSuite) (*report.SuiteReport, error) {
	ctx := simcontext.WithLogField(c.ctx, "suite", suite.ID)
	result := &report.SuiteReport{SuiteID: suite.ID, Start: time.Now()}
	defer c.shutdown(ctx)

	if err := c.startFleet(ctx, suite); err != nil {
		ctx.Log.WithError(err).Error("could not start the fleet")
		c.failures.AddFailure(operation.NewFailure(protocol.Coordinator(), "", err, true))
		for _, tc := range suite.TestCases {
			result.TestCases = append(result.TestCases, skipped(tc.ID))
		}
		result.Duration = time.Since(result.Start)
		result.Failures = c.failures.Failures()
		return result, err
	}
	result.Members = c.registry.MemberCount()
	result.Clients = c.registry.ClientCount()
	c.logDurations(ctx, suite)

	if c.config.PerformanceLogInterval > 0 {
		c.background.Register(func() { c.performance.Log(ctx) }, c.config.PerformanceLogInterval, "performance_log")
	}
	if suite.Parallel {
		result.TestCases = c.runParallel(ctx, suite)
	} else {
		result.TestCases = c.runSequential(ctx, suite)
	}
	c.terminateWorkers(ctx)

	if probes := c.histograms.CreateSuiteProbeResults(); len(probes) > 0 {
		result.Probes = probes
	}
	result.Duration = time.Since(result.Start)
	result.Failures = c.failures.Failures()
	c.failures.LogSummary(ctx)
	if err := ctx.Err(); err != nil {
		return result, errors.WithMessagef(err, "test suite %s interrupted", suite.ID)
	}
	return result, nil
}

func (c *Coordinator) startFleet(ctx *simcontext.Context, suite *model.TestSuite) error {
	if err := c.startAgents(ctx); err != nil {
		return err
	}
	if err := c.client.InvokeOnAllAgents(ctx, &operation.InitTestSuite{SuiteID: suite.ID}); err != nil {
		return errors.WithStack(&simerrors.ErrStartupFailure{Message: err.Error()})
	}
	c.client.LogOnAllAgents(ctx, "Starting test suite "+suite.ID)
	// Workers left over from an earlier run are not trusted.
	if err := c.client.InvokeOnAllAgents(ctx, &operation.TerminateWorkers{Graceful: false}); err != nil {
		ctx.Log.WithError(err).Warn("could not terminate stale workers")
	}
	return c.createWorkers(ctx)
}

// startAgents starts every agent and connects to it.
func (c *Coordinator) startAgents(ctx *simcontext.Context) error {
	agents := c.registry.Agents()
	ctx.Log.Infof("starting %d agents", len(agents))
	g := task.NewGroup(ctx, "start agents")
	for _, a := range agents {
		a := a
		g.Spawn(func(ctx *simcontext.Context) error {
			endpoint, err := c.starter.Start(ctx, a)
			c.mu.Lock()
			c.started = append(c.started, a)
			c.mu.Unlock()
			if err != nil {
				return err
			}
			conn, err := protocol.Dial(ctx, endpoint, protocol.DialOptions{
				Attempts: c.config.DialAttempts,
				Delay:    c.config.DialDelay,
			})
			if err != nil {
				return errors.WithMessagef(err, "could not connect to agent %s", a.Address)
			}
			c.node.AttachChild(a.Address.AgentIndex, c.node.NewConnection(conn, a.Address))
			ctx.Log.Infof("connected to agent %s at %s", a.Address, endpoint)
			return nil
		})
	}
	if err := g.WaitAll(); err != nil {
		return errors.WithStack(&simerrors.ErrStartupFailure{Message: err.Error()})
	}
	c.metrics.ConnectedAgents.Set(float64(c.node.Connections().ChildCount()))
	return nil
}

// createWorkers creates the members and clients of the layout. Creating fewer than requested is a startup failure.
func (c *Coordinator) createWorkers(ctx *simcontext.Context) error {
	layouts, err := NewClusterLayout(c.registry.Agents(), c.config.Layout)
	if err != nil {
		return err
	}
	expected := c.config.Layout.MemberWorkerCount + c.config.Layout.ClientWorkerCount
	ctx.Log.Infof("creating %d members and %d clients", c.config.Layout.MemberWorkerCount, c.config.Layout.ClientWorkerCount)

	g := task.NewGroup(ctx, "create workers")
	for _, layout := range layouts {
		layout := layout
		settings := layout.settings(c.registry, c.config.Layout)
		g.Spawn(func(ctx *simcontext.Context) error {
			response, err := c.client.Invoke(ctx, layout.Agent.Address, &operation.CreateWorker{Workers: settings})
			created := &operation.CreateWorkerResult{}
			if response == nil {
				return err
			}
			if part, ok := response.Part(layout.Agent.Address); ok && part.Type == protocol.Success {
				if decodeErr := operation.DecodeResult(part.Payload, created); decodeErr != nil {
					return decodeErr
				}
			}
			c.addWorkers(created.Addresses, settings)
			return err
		})
	}
	err = g.WaitAll()
	actual := c.registry.WorkerCount()
	c.metrics.ConnectedWorkers.Set(float64(actual))
	if actual != expected || err != nil {
		message := ""
		if err != nil {
			message = err.Error()
		}
		return errors.WithStack(&simerrors.ErrStartupFailure{Expected: expected, Actual: actual, Message: message})
	}
	ctx.Log.Infof("created %d workers", actual)
	return nil
}

func (c *Coordinator) addWorkers(addresses []protocol.Address, settings []operation.WorkerSettings) {
	byIndex := make(map[int32]operation.WorkerSettings, len(settings))
	for _, s := range settings {
		byIndex[s.WorkerIndex] = s
	}
	workers := make([]WorkerData, 0, len(addresses))
	for _, address := range addresses {
		workers = append(workers, WorkerData{Address: address, Settings: byIndex[address.WorkerIndex]})
	}
	c.registry.AddWorkers(workers...)
}

func (c *Coordinator) runSequential(ctx *simcontext.Context, suite *model.TestSuite) []*report.TestCaseReport {
	results := make([]*report.TestCaseReport, 0, suite.Size())
	refresh := false
	for i, tc := range suite.TestCases {
		switch {
		case ctx.Err() != nil:
			results = append(results, skipped(tc.ID))
			continue
		case suite.FailFast && c.failures.HasCriticalFailure():
			ctx.Log.Warnf("skipping test case %s after a critical failure", tc.ID)
			results = append(results, skipped(tc.ID))
			continue
		}
		if refresh || (i > 0 && suite.RefreshWorkers) {
			if err := c.refreshWorkers(ctx); err != nil {
				ctx.Log.WithError(err).Error("could not refresh workers")
				c.failures.AddFailure(operation.NewFailure(protocol.Coordinator(), "", err, true))
				results = append(results, skipped(tc.ID))
				continue
			}
		}
		c.client.LogOnAllAgents(ctx, "Starting test case "+tc.ID)
		c.client.LogOnAllWorkers(ctx, "Starting test case "+tc.ID)
		result := c.runTestCase(ctx, newTestCaseRunner(c, suite, i, nil))
		results = append(results, result)
		refresh = result.State != report.Completed
	}
	return results
}

func (c *Coordinator) runParallel(ctx *simcontext.Context, suite *model.TestSuite) []*report.TestCaseReport {
	var syncs *PhaseSyncs
	limit := c.config.MaxParallelTestCases
	if limit <= 0 || limit >= suite.Size() {
		syncs = NewPhaseSyncs(suite.Size(), c.config.LastTestPhaseToSync)
	} else {
		ctx.Log.Infof("running at most %d test cases at a time, phases are not synchronized", limit)
	}

	runCtx, cancel := simcontext.WithCancel(ctx)
	defer cancel()
	if suite.FailFast {
		c.mu.Lock()
		c.abortRunning = cancel
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.abortRunning = nil
			c.mu.Unlock()
		}()
	}

	results := make([]*report.TestCaseReport, suite.Size())
	g := task.NewGroup(runCtx, "test cases")
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range suite.TestCases {
		i := i
		runner := newTestCaseRunner(c, suite, i, syncs)
		g.Spawn(func(ctx *simcontext.Context) error {
			if ctx.Err() != nil {
				runner.sync.ArriveRemaining()
				results[i] = skipped(runner.ID())
				return nil
			}
			results[i] = c.runTestCase(ctx, runner)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) runTestCase(ctx *simcontext.Context, runner *TestCaseRunner) *report.TestCaseReport {
	c.mu.Lock()
	c.runners[runner.ID()] = runner
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.runners, runner.ID())
		c.mu.Unlock()
	}()
	ctx.Log.Infof("starting test case %s", runner.ID())
	result := runner.Run(ctx)
	ctx.Log.Infof("test case %s %s after %s", runner.ID(), result.State, result.Duration.Round(time.Millisecond))
	return result
}

func (c *Coordinator) onFailure(f *operation.Failure) {
	if !f.Critical {
		return
	}
	c.mu.Lock()
	abort := c.abortRunning
	c.mu.Unlock()
	if abort != nil {
		c.ctx.Log.Warn("aborting running test cases after a critical failure")
		abort()
	}
}

// refreshWorkers replaces every worker with a new one.
func (c *Coordinator) refreshWorkers(ctx *simcontext.Context) error {
	ctx.Log.Info("refreshing workers")
	c.terminateWorkers(ctx)
	return c.createWorkers(ctx)
}

// terminateWorkers asks every worker to finish and waits for the agents to report them finished.
func (c *Coordinator) terminateWorkers(ctx *simcontext.Context) {
	workers := c.registry.Workers()
	if len(workers) == 0 {
		return
	}
	expected := make([]protocol.Address, len(workers))
	for i, w := range workers {
		expected[i] = w.Address
	}
	c.failures.ResetFinishedWorkers()
	ctx.Log.Infof("terminating %d workers", len(workers))
	if err := c.client.InvokeOnAllAgents(ctx, &operation.TerminateWorkers{Graceful: true}); err != nil {
		ctx.Log.WithError(err).Warn("could not terminate every worker")
	}
	timeout := c.config.FinishedWorkerTimeout
	if timeout <= 0 {
		timeout = defaultFinishedWorkerTimeout
	}
	if missing := c.failures.AwaitFinishedWorkers(ctx, expected, timeout); len(missing) > 0 {
		ctx.Log.Warnf("workers did not finish within %s: %v", timeout, missing)
	}
	c.registry.RemoveAllWorkers()
	c.metrics.ConnectedWorkers.Set(0)
}

// agentDisconnected reports a lost agent as a critical failure and forgets its workers.
func (c *Coordinator) agentDisconnected(index int32, cause error) {
	c.mu.Lock()
	shuttingDown := c.shuttingDown
	c.mu.Unlock()
	c.metrics.ConnectedAgents.Set(float64(c.node.Connections().ChildCount()))
	if shuttingDown {
		return
	}
	agent := protocol.Agent(index)
	if cause == nil {
		cause = errors.New("connection closed")
	}
	lost := c.registry.RemoveWorkersOfAgent(agent)
	c.metrics.ConnectedWorkers.Set(float64(c.registry.WorkerCount()))
	failure := operation.NewFailure(agent, "", errors.WithMessagef(cause, "lost connection to agent %s with %d workers", agent, len(lost)), true)
	c.handleFailure(failure)
}

// shutdown stops the agents and closes all connections. It runs even if the suite could not start or was interrupted.
func (c *Coordinator) shutdown(ctx *simcontext.Context) {
	ctx = simcontext.WithoutCancel(ctx)
	c.mu.Lock()
	c.shuttingDown = true
	started := c.started
	c.mu.Unlock()

	if c.background.StopAll(time.Second) {
		ctx.Log.Warn("background tasks did not stop in time")
	}
	if len(started) > 0 && c.node.Connections().ChildCount() > 0 {
		if err := c.client.InvokeOnAllAgents(ctx, &operation.TerminateWorkers{Graceful: false}); err != nil {
			ctx.Log.WithError(err).Warn("could not kill workers")
		}
	}
	if err := c.node.Close(); err != nil {
		ctx.Log.WithError(err).Debug("error closing agent connections")
	}
	g := task.NewGroup(ctx, "stop agents")
	for _, a := range started {
		a := a
		g.Spawn(func(ctx *simcontext.Context) error {
			return c.starter.Stop(ctx, a)
		})
	}
	if err := g.WaitAll(); err != nil {
		ctx.Log.WithError(err).Warn("could not stop every agent")
	}
	ctx.Log.Info("coordinator stopped")
}

func (c *Coordinator) logDurations(ctx *simcontext.Context, suite *model.TestSuite) {
	if suite.WaitForTestCase {
		ctx.Log.Infof("running %d test cases until finished", suite.Size())
		return
	}
	total := suite.Duration
	if !suite.Parallel {
		total *= time.Duration(suite.Size())
	}
	ctx.Log.Infof("running %d test cases for %s each, expected total %s", suite.Size(), suite.Duration, total)
}

func skipped(testID string) *report.TestCaseReport {
	return &report.TestCaseReport{TestID: testID, State: report.Skipped}
}
