// Package worker runs test workloads on behalf of the coordinator.
package worker

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/maps"

	"github.com/G-Research/simulator/internal/common/metrics"
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/common/task"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
	"github.com/G-Research/simulator/internal/testsuite/model"
	"github.com/G-Research/simulator/internal/worker/configuration"
)

// Worker hosts test containers. It is driven by operations routed to it through its agent
// and reports phase completions, histograms, throughput and failures to the coordinator.
type Worker struct {
	ctx        *simcontext.Context
	address    protocol.Address
	config     configuration.Configuration
	workloads  Workloads
	node       *protocol.Node
	background *task.BackgroundTaskManager

	mu          sync.Mutex
	tests       map[string]*TestContainer
	terminating bool
	phases      sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

func New(ctx *simcontext.Context, address protocol.Address, workloads Workloads, config configuration.Configuration, registerer prometheus.Registerer) *Worker {
	ctx = simcontext.WithLogField(ctx, "worker", address.String())
	if config.Type != "" {
		ctx = simcontext.WithLogField(ctx, "workerType", config.Type)
	}
	w := &Worker{
		ctx:        ctx,
		address:    address,
		config:     config,
		workloads:  workloads,
		background: task.NewBackgroundTaskManager(metrics.MetricPrefix+"worker_", registerer),
		tests:      make(map[string]*TestContainer),
		done:       make(chan struct{}),
	}
	w.node = protocol.NewNode(ctx, address, w, protocol.NodeOptions{
		RequestTimeout: config.RequestTimeout,
		Connection: protocol.ConnectionOptions{
			MaxFrameLength: config.MaxFrameLength,
			Metrics:        metrics.NewProtocolMetrics(registerer),
		},
	})
	w.node.Connections().OnParentLost(func(err error) {
		ctx.Log.WithError(err).Info("connection to agent closed")
		go w.Shutdown()
	})
	if config.PerformanceInterval > 0 {
		w.background.Register(w.reportPerformance, config.PerformanceInterval, "performance")
	}
	return w
}

func (w *Worker) Address() protocol.Address {
	return w.address
}

func (w *Worker) Node() *protocol.Node {
	return w.node
}

// Done is closed once the worker has shut down.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Serve accepts the connection from the agent on listener until the worker shuts down.
func (w *Worker) Serve(listener net.Listener) error {
	ctx, cancel := simcontext.WithCancel(w.ctx)
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return protocol.Serve(ctx, listener, func(conn net.Conn) {
		w.node.AttachParent(w.node.NewConnection(conn, w.address.Parent()))
	})
}

// Shutdown stops every test, waits up to ShutdownTimeout for running phases and closes the connections.
func (w *Worker) Shutdown() {
	w.doneOnce.Do(func() {
		w.stopAll()
		if w.background.StopAll(time.Second) {
			w.ctx.Log.Warn("background tasks did not stop in time")
		}
		if !waitTimeout(&w.phases, w.config.ShutdownTimeout) {
			w.ctx.Log.Warnf("test phases still running after %s", w.config.ShutdownTimeout)
		}
		if err := w.node.Close(); err != nil {
			w.ctx.Log.WithError(err).Debug("error closing connections")
		}
		close(w.done)
		w.ctx.Log.Info("worker stopped")
	})
}

// Process executes operations addressed to the worker or to one of its tests.
func (w *Worker) Process(ctx *simcontext.Context, msg *protocol.Message) ([]byte, error) {
	op, err := operation.Decode(msg.Payload)
	if err != nil {
		return nil, err
	}
	switch op := op.(type) {
	case *operation.CreateTest:
		return nil, w.createTest(ctx, op)
	case *operation.StartTestPhase:
		return nil, w.startTestPhase(ctx, msg.Destination, op)
	case *operation.StopTest:
		container, err := w.test(msg.Destination, op.TestID)
		if err != nil {
			return nil, err
		}
		container.Stop()
		return nil, nil
	case *operation.TerminateWorker:
		ctx.Log.Info("terminating")
		w.mu.Lock()
		w.terminating = true
		w.mu.Unlock()
		w.stopAll()
		return nil, nil
	case *operation.Ping:
		return nil, nil
	case *operation.Log:
		op.WriteTo(ctx.Log)
		return nil, nil
	default:
		return nil, operation.Unsupported(op, msg.Destination)
	}
}

func (w *Worker) createTest(ctx *simcontext.Context, op *operation.CreateTest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminating {
		return errors.Errorf("worker %s is terminating", w.address)
	}
	if _, ok := w.tests[op.TestCase.ID]; ok {
		return errors.WithStack(&simerrors.ErrAlreadyExists{Type: "test", Value: op.TestCase.ID})
	}
	testCase := op.TestCase
	testCase.Properties = make(map[string]string, len(w.config.Parameters)+len(op.TestCase.Properties))
	maps.Copy(testCase.Properties, w.config.Parameters)
	maps.Copy(testCase.Properties, op.TestCase.Properties)
	test, err := w.workloads.create(testCase)
	if err != nil {
		return err
	}
	w.tests[op.TestCase.ID] = NewTestContainer(w.ctx, w.address, op.TestIndex, testCase, test)
	ctx.Log.Infof("created test %s with workload %s", op.TestCase.ID, op.TestCase.Workload())
	return nil
}

// startTestPhase answers as soon as the phase has started; completion is reported to the coordinator.
func (w *Worker) startTestPhase(ctx *simcontext.Context, destination protocol.Address, op *operation.StartTestPhase) error {
	container, err := w.test(destination, op.TestID)
	if err != nil {
		return err
	}
	if err := container.Begin(op.Phase); err != nil {
		return err
	}
	ctx.Log.Infof("starting %s of test %s", op.Phase.Description(), op.TestID)
	w.phases.Add(1)
	go func() {
		defer w.phases.Done()
		w.executePhase(container, op.Phase)
	}()
	return nil
}

func (w *Worker) executePhase(container *TestContainer, phase model.TestPhase) {
	if err := container.Execute(phase); err != nil {
		w.ctx.Log.WithError(err).Warnf("%s of test %s failed", phase.Description(), container.ID())
		w.notify(operation.NewFailure(w.address, container.ID(), err, true))
	}
	if phase == model.Run {
		w.notify(&operation.TestHistograms{
			TestID: container.ID(),
			Worker: w.address,
			Probes: container.Context().Histograms(),
		})
	}
	if phase == model.LastTestPhase {
		w.mu.Lock()
		delete(w.tests, container.ID())
		w.mu.Unlock()
	}
	w.notify(&operation.PhaseCompleted{TestID: container.ID(), Phase: phase, Worker: w.address})
}

// test returns the container for testID. A destination naming a concrete test must match its index.
func (w *Worker) test(destination protocol.Address, testID string) (*TestContainer, error) {
	w.mu.Lock()
	container, ok := w.tests[testID]
	w.mu.Unlock()
	if !ok {
		return nil, errors.WithStack(&simerrors.ErrNotFound{Type: "test", Value: testID, Message: "on " + w.address.String()})
	}
	if destination.Level() == protocol.TestLevel {
		if index := destination.Index(protocol.TestLevel); index != protocol.Wildcard && index != container.Index() {
			return nil, errors.WithStack(&simerrors.ErrNotFound{Type: "test", Value: destination.String()})
		}
	}
	return container, nil
}

func (w *Worker) stopAll() {
	w.mu.Lock()
	containers := maps.Values(w.tests)
	w.mu.Unlock()
	for _, c := range containers {
		c.Stop()
	}
}

// notify sends op to the coordinator and logs any failure.
func (w *Worker) notify(op operation.Operation) {
	ctx, cancel := simcontext.WithTimeout(w.ctx, w.config.RequestTimeout)
	defer cancel()
	response, err := w.node.Invoke(ctx, protocol.Coordinator(), operation.MustEncode(op))
	if err != nil {
		ctx.Log.WithError(err).Warnf("could not send %s to coordinator", op.OperationType())
		return
	}
	if err := response.Err(); err != nil {
		ctx.Log.WithError(err).Warnf("coordinator did not accept %s", op.OperationType())
	}
}

func (w *Worker) reportPerformance() {
	w.mu.Lock()
	containers := maps.Values(w.tests)
	w.mu.Unlock()
	now := time.Now()
	for _, c := range containers {
		if !c.IsRunning() {
			continue
		}
		count, rate := c.throughput(now)
		w.notify(&operation.PerformanceState{
			TestID:             c.ID(),
			Worker:             w.address,
			OperationCount:     count,
			IntervalThroughput: rate,
			Time:               now,
		})
	}
}

// waitTimeout returns false if wg did not complete within timeout.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
		return true
	case <-time.After(timeout):
		return false
	}
}
