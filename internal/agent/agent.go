// Package agent launches the workers of one machine and connects them to the coordinator.
package agent

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/simulator/internal/agent/configuration"
	"github.com/G-Research/simulator/internal/common/health"
	"github.com/G-Research/simulator/internal/common/metrics"
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/common/task"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
)

type launchedWorker struct {
	address   protocol.Address
	settings  operation.WorkerSettings
	handle    WorkerHandle
	finishing bool
}

// Agent sits between the coordinator and the workers of one machine. It starts and stops workers,
// relays traffic in both directions and reports workers that disappear.
type Agent struct {
	ctx        *simcontext.Context
	address    protocol.Address
	config     configuration.Configuration
	launcher   WorkerLauncher
	node       *protocol.Node
	background *task.BackgroundTaskManager

	mu      sync.Mutex
	suiteID string
	workers map[int32]*launchedWorker

	stopOnce sync.Once
}

func New(ctx *simcontext.Context, address protocol.Address, launcher WorkerLauncher, config configuration.Configuration, registerer prometheus.Registerer) *Agent {
	ctx = simcontext.WithLogField(ctx, "agent", address.String())
	a := &Agent{
		ctx:        ctx,
		address:    address,
		config:     config,
		launcher:   launcher,
		background: task.NewBackgroundTaskManager(metrics.MetricPrefix+"agent_", registerer),
		workers:    make(map[int32]*launchedWorker),
	}
	a.node = protocol.NewNode(ctx, address, a, protocol.NodeOptions{
		RequestTimeout: config.RequestTimeout,
		Connection: protocol.ConnectionOptions{
			MaxFrameLength: config.MaxFrameLength,
			Metrics:        metrics.NewProtocolMetrics(registerer),
		},
	})
	a.node.Connections().OnChildRemoved(a.workerDisconnected)
	a.node.Connections().OnParentLost(func(err error) {
		ctx.Log.WithError(err).Warn("connection to coordinator closed")
	})
	if config.PingInterval > 0 {
		a.background.Register(a.pingWorkers, config.PingInterval, "ping")
	}
	return a
}

func (a *Agent) Address() protocol.Address {
	return a.address
}

func (a *Agent) Node() *protocol.Node {
	return a.node
}

// Serve accepts connections from the coordinator on listener until ctx ends.
// A new connection replaces the previous one.
func (a *Agent) Serve(ctx *simcontext.Context, listener net.Listener) error {
	return protocol.Serve(ctx, listener, func(conn net.Conn) {
		a.node.AttachParent(a.node.NewConnection(conn, a.address.Parent()))
	})
}

// HealthChecker reports the agent unhealthy while it has no coordinator connection or one of its
// workers is not connected.
func (a *Agent) HealthChecker() health.Checker {
	return health.NewMultiChecker(
		health.FuncChecker(func() error {
			if a.node.Connections().Parent() == nil {
				return errors.Errorf("agent %s is not connected to the coordinator", a.address)
			}
			return nil
		}),
		health.FuncChecker(a.checkWorkers),
	)
}

func (a *Agent) checkWorkers() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for index, w := range a.workers {
		if w.finishing {
			continue
		}
		if _, ok := a.node.Connections().Child(index); !ok {
			return errors.Errorf("worker %s is not connected", w.address)
		}
	}
	return nil
}

// Shutdown kills every worker and closes all connections.
func (a *Agent) Shutdown() {
	a.stopOnce.Do(func() {
		if a.background.StopAll(time.Second) {
			a.ctx.Log.Warn("background tasks did not stop in time")
		}
		a.terminateWorkers(simcontext.WithoutCancel(a.ctx), false)
		if err := a.node.Close(); err != nil {
			a.ctx.Log.WithError(err).Debug("error closing connections")
		}
		a.ctx.Log.Info("agent stopped")
	})
}

// Process executes operations addressed to the agent. Operations addressed to all workers or tests
// of the agent arrive here when it has no workers, and succeed without effect.
func (a *Agent) Process(ctx *simcontext.Context, msg *protocol.Message) ([]byte, error) {
	op, err := operation.Decode(msg.Payload)
	if err != nil {
		return nil, err
	}
	if msg.Destination.Level() > protocol.AgentLevel {
		ctx.Log.Debugf("no workers to execute %s", op.OperationType())
		return nil, nil
	}
	switch op := op.(type) {
	case *operation.InitTestSuite:
		a.mu.Lock()
		a.suiteID = op.SuiteID
		a.mu.Unlock()
		ctx.Log.Infof("initialised for test suite %s", op.SuiteID)
		return nil, nil
	case *operation.CreateWorker:
		addresses, err := a.createWorkers(ctx, op.Workers)
		if err != nil {
			return nil, err
		}
		return operation.EncodeResult(&operation.CreateWorkerResult{Addresses: addresses})
	case *operation.TerminateWorkers:
		a.terminateWorkers(ctx, op.Graceful)
		return nil, nil
	case *operation.Log:
		op.WriteTo(ctx.Log)
		return nil, nil
	default:
		return nil, operation.Unsupported(op, a.address)
	}
}

// createWorkers launches the workers in parallel and connects to them. Workers that started are kept
// even if others failed.
func (a *Agent) createWorkers(ctx *simcontext.Context, workers []operation.WorkerSettings) ([]protocol.Address, error) {
	a.mu.Lock()
	for _, settings := range workers {
		if _, ok := a.workers[settings.WorkerIndex]; ok {
			a.mu.Unlock()
			return nil, errors.WithStack(&simerrors.ErrAlreadyExists{Type: "worker", Value: a.address.Child(settings.WorkerIndex).String()})
		}
	}
	a.mu.Unlock()

	var mu sync.Mutex
	var addresses []protocol.Address
	g := task.NewGroup(ctx, "create workers")
	for _, settings := range workers {
		settings := settings
		g.Spawn(func(ctx *simcontext.Context) error {
			address, err := a.createWorker(ctx, settings)
			if err != nil {
				return err
			}
			mu.Lock()
			addresses = append(addresses, address)
			mu.Unlock()
			return nil
		})
	}
	err := g.WaitAll()
	slices.SortFunc(addresses, protocol.Address.Less)
	return addresses, err
}

func (a *Agent) createWorker(ctx *simcontext.Context, settings operation.WorkerSettings) (protocol.Address, error) {
	address := a.address.Child(settings.WorkerIndex)
	handle, err := a.launcher.Launch(ctx, address, settings)
	if err != nil {
		return address, errors.WithMessagef(err, "could not launch worker %s", address)
	}
	conn, err := protocol.Dial(ctx, handle.Endpoint(), protocol.DialOptions{
		Attempts: a.config.Worker.DialAttempts,
		Delay:    a.config.Worker.DialDelay,
	})
	if err != nil {
		_ = handle.Kill()
		return address, errors.WithMessagef(err, "could not connect to worker %s", address)
	}
	a.mu.Lock()
	a.workers[settings.WorkerIndex] = &launchedWorker{address: address, settings: settings, handle: handle}
	a.mu.Unlock()
	a.node.AttachChild(settings.WorkerIndex, a.node.NewConnection(conn, address))
	ctx.Log.Infof("created %s worker %s", settings.Type, address)
	return address, nil
}

// terminateWorkers stops every worker. Graceful termination asks each worker to stop first and waits
// for it to exit; workers still running afterwards are killed.
func (a *Agent) terminateWorkers(ctx *simcontext.Context, graceful bool) {
	a.mu.Lock()
	workers := maps.Values(a.workers)
	for _, w := range workers {
		w.finishing = true
	}
	a.mu.Unlock()
	if len(workers) == 0 {
		return
	}
	ctx.Log.Infof("terminating %d workers", len(workers))

	g := task.NewGroup(ctx, "terminate workers")
	for _, w := range workers {
		w := w
		g.Spawn(func(ctx *simcontext.Context) error {
			if graceful {
				a.askToTerminate(ctx, w)
			}
			a.node.Connections().RemoveChild(w.settings.WorkerIndex)
			defer a.workerDisconnected(w.settings.WorkerIndex, nil)
			if graceful {
				select {
				case <-w.handle.Exited():
					return nil
				case <-time.After(a.config.Worker.ShutdownTimeout):
					ctx.Log.Warnf("worker %s did not exit within %s", w.address, a.config.Worker.ShutdownTimeout)
				}
			}
			return errors.WithMessagef(w.handle.Kill(), "could not kill worker %s", w.address)
		})
	}
	if err := g.WaitAll(); err != nil {
		ctx.Log.WithError(err).Warn("error terminating workers")
	}
}

func (a *Agent) askToTerminate(ctx *simcontext.Context, w *launchedWorker) {
	ctx, cancel := simcontext.WithTimeout(ctx, a.config.Worker.ShutdownTimeout)
	defer cancel()
	response, err := a.node.Invoke(ctx, w.address, operation.MustEncode(&operation.TerminateWorker{}))
	if err == nil {
		err = response.Err()
	}
	if err != nil {
		ctx.Log.WithError(err).Warnf("worker %s did not acknowledge termination", w.address)
	}
}

// workerDisconnected reports a closed worker connection: as finished if the worker was asked to stop,
// as a critical failure otherwise. Each worker is reported once.
func (a *Agent) workerDisconnected(index int32, cause error) {
	a.mu.Lock()
	w, ok := a.workers[index]
	delete(a.workers, index)
	a.mu.Unlock()
	if !ok {
		return
	}
	if w.finishing {
		a.ctx.Log.Infof("worker %s finished", w.address)
		a.notify(&operation.WorkerFinished{Worker: w.address})
		return
	}
	if cause == nil {
		cause = errors.New("connection closed")
	}
	a.ctx.Log.WithError(cause).Errorf("lost worker %s", w.address)
	failure := operation.NewFailure(a.address, "", errors.WithMessagef(cause, "worker %s disconnected unexpectedly", w.address), true)
	failure.WorkerAddress = w.address
	a.notify(failure)
	if err := w.handle.Kill(); err != nil {
		a.ctx.Log.WithError(err).Warnf("could not kill worker %s", w.address)
	}
}

// pingWorkers reports workers that do not answer a ping in time.
func (a *Agent) pingWorkers() {
	if a.node.Connections().ChildCount() == 0 {
		return
	}
	timeout := a.config.PingTimeout
	if timeout <= 0 {
		timeout = a.config.PingInterval
	}
	ctx, cancel := simcontext.WithTimeout(a.ctx, timeout)
	defer cancel()
	response, err := a.node.Invoke(ctx, protocol.AllWorkersOfAgent(a.address.AgentIndex), operation.MustEncode(&operation.Ping{}))
	if response == nil {
		ctx.Log.WithError(err).Warn("could not ping workers")
		return
	}
	for _, part := range response.Failures() {
		if part.Type != protocol.Timeout {
			continue
		}
		a.mu.Lock()
		w, ok := a.workers[part.Source.WorkerIndex]
		finishing := ok && w.finishing
		a.mu.Unlock()
		if !ok || finishing {
			continue
		}
		failure := operation.NewFailure(a.address, "", errors.WithStack(&simerrors.ErrTimeout{
			Destination: part.Source.String(),
			Timeout:     timeout,
		}), false)
		failure.WorkerAddress = part.Source
		failure.Message = part.Source.String() + " did not answer ping within " + timeout.String()
		a.notify(failure)
	}
}

// notify sends op to the coordinator and logs any failure.
func (a *Agent) notify(op operation.Operation) {
	ctx, cancel := simcontext.WithTimeout(a.ctx, a.config.RequestTimeout)
	defer cancel()
	response, err := a.node.Invoke(ctx, protocol.Coordinator(), operation.MustEncode(op))
	if err == nil {
		err = response.Err()
	}
	if err != nil {
		ctx.Log.WithError(err).Warnf("could not report %s to coordinator", op.OperationType())
	}
}
