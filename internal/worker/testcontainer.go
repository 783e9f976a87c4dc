package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/protocol"
	"github.com/G-Research/simulator/internal/testsuite/model"
)

// TestContainer holds one test instance on a worker and executes its phases.
// At most one phase runs at a time.
type TestContainer struct {
	index    int32
	testCase model.TestCase
	test     Test
	tc       *TestContext

	mu        sync.Mutex
	running   bool
	phase     model.TestPhase
	runCtx    *simcontext.Context
	cancelRun context.CancelFunc
	stopped   bool

	lastOperations int64
	lastReport     time.Time
}

func NewTestContainer(ctx *simcontext.Context, worker protocol.Address, index int32, testCase model.TestCase, test Test) *TestContainer {
	return &TestContainer{
		index:    index,
		testCase: testCase,
		test:     test,
		tc:       newTestContext(ctx, worker, testCase),
	}
}

func (c *TestContainer) ID() string {
	return c.testCase.ID
}

func (c *TestContainer) Index() int32 {
	return c.index
}

func (c *TestContainer) Context() *TestContext {
	return c.tc
}

// Begin marks phase as running. It fails if another phase is still running.
func (c *TestContainer) Begin(phase model.TestPhase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "phase",
			Value:   phase,
			Message: fmt.Sprintf("test %s is still executing %s", c.ID(), c.phase.Description()),
		})
	}
	c.running = true
	c.phase = phase
	if phase == model.Run {
		c.runCtx, c.cancelRun = simcontext.WithCancel(c.tc.Context)
		if c.stopped {
			c.cancelRun()
		}
		c.lastOperations = c.tc.Operations()
		c.lastReport = time.Now()
	}
	return nil
}

// Execute runs phase, which must have been started with Begin.
func (c *TestContainer) Execute(phase model.TestPhase) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("test %s panicked during %s: %v", c.ID(), phase.Description(), r)
		}
		c.mu.Lock()
		c.running = false
		if c.cancelRun != nil {
			c.cancelRun()
			c.cancelRun = nil
		}
		c.mu.Unlock()
	}()

	c.tc.Log.Debugf("starting %s", phase.Description())
	start := time.Now()
	err = c.execute(phase)
	c.tc.Log.Debugf("%s took %s", phase.Description(), time.Since(start))
	if err == nil {
		return nil
	}
	if phase.IsVerify() {
		return errors.WithStack(&simerrors.ErrCriticalTestFailure{
			TestId:  c.ID(),
			Source:  c.tc.Worker.String(),
			Message: err.Error(),
		})
	}
	return errors.WithMessagef(err, "%s of test %s failed", phase.Description(), c.ID())
}

func (c *TestContainer) execute(phase model.TestPhase) error {
	global := phase.IsGlobal()
	switch phase {
	case model.Setup:
		return c.test.Setup(c.tc)
	case model.LocalWarmup, model.GlobalWarmup:
		if w, ok := c.test.(Warmer); ok {
			return w.Warmup(c.tc, global)
		}
	case model.Run:
		c.mu.Lock()
		runCtx := c.runCtx
		c.mu.Unlock()
		err := c.test.Run(c.tc.withContext(runCtx))
		if err != nil && runCtx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case model.GlobalVerify, model.LocalVerify:
		if v, ok := c.test.(Verifier); ok {
			return v.Verify(c.tc, global)
		}
	case model.GlobalTeardown, model.LocalTeardown:
		if t, ok := c.test.(TearDowner); ok {
			return t.Teardown(c.tc, global)
		}
	}
	return nil
}

// Stop ends the run phase, now or as soon as it starts.
func (c *TestContainer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.cancelRun != nil {
		c.cancelRun()
	}
}

// IsRunning returns true while the run phase executes.
func (c *TestContainer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.phase == model.Run
}

// throughput returns the operation count and the operations per second since the previous call.
func (c *TestContainer) throughput(now time.Time) (int64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	operations := c.tc.Operations()
	elapsed := now.Sub(c.lastReport).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(operations-c.lastOperations) / elapsed
	}
	c.lastOperations = operations
	c.lastReport = now
	return operations, rate
}
