package coordinator

import (
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
)

// Process handles the operations workers and agents send to the coordinator.
func (c *Coordinator) Process(ctx *simcontext.Context, msg *protocol.Message) ([]byte, error) {
	if msg.Destination.Level() > protocol.CoordinatorLevel {
		// Fan-out to agents, workers or tests while none are connected.
		return nil, nil
	}
	op, err := operation.Decode(msg.Payload)
	if err != nil {
		return nil, err
	}
	switch op := op.(type) {
	case *operation.Failure:
		c.handleFailure(op)
	case *operation.PhaseCompleted:
		if runner, ok := c.runner(op.TestID); ok {
			runner.PhaseCompleted(op.Worker, op.Phase)
		} else {
			ctx.Log.Debugf("%s of unknown test %s completed on %s", op.Phase.Description(), op.TestID, op.Worker)
		}
	case *operation.WorkerFinished:
		ctx.Log.Infof("worker %s finished", op.Worker)
		c.failures.MarkWorkerFinished(op.Worker)
		c.removeWorker(op.Worker)
	case *operation.TestHistograms:
		c.histograms.Add(op.TestID, op.Worker, op.Probes)
	case *operation.PerformanceState:
		c.performance.Update(op)
	case *operation.Log:
		op.WriteTo(ctx.Log.WithField("source", msg.Source.String()))
	default:
		return nil, operation.Unsupported(op, c.node.Address())
	}
	return nil, nil
}

// handleFailure records f. A critical failure reported by an agent about one of its workers means the
// worker is gone, so it is removed from the registry.
func (c *Coordinator) handleFailure(f *operation.Failure) {
	if f.Critical && f.Source.Level() == protocol.AgentLevel && f.WorkerAddress.Level() == protocol.WorkerLevel {
		c.removeWorker(f.WorkerAddress)
	}
	if !c.failures.AddFailure(f) {
		return
	}
	if f.TestID != "" {
		if runner, ok := c.runner(f.TestID); ok {
			runner.Wake()
		}
		return
	}
	c.wakeAll()
}

func (c *Coordinator) removeWorker(worker protocol.Address) {
	if c.registry.RemoveWorker(worker) {
		c.metrics.ConnectedWorkers.Set(float64(c.registry.WorkerCount()))
	}
}

func (c *Coordinator) runner(testID string) (*TestCaseRunner, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runners[testID]
	return r, ok
}

func (c *Coordinator) wakeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.runners {
		r.Wake()
	}
}
