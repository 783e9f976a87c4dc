// Package workloads contains the workloads built into the worker.
package workloads

import (
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/testsuite/model"
	"github.com/G-Research/simulator/internal/worker"
)

const (
	NoopWorkload  = "noop"
	SleepWorkload = "sleep"
	FailWorkload  = "fail"
)

// Builtin returns the workloads every worker supports.
func Builtin() worker.Workloads {
	return worker.Workloads{
		NoopWorkload:  func(model.TestCase) (worker.Test, error) { return &Noop{}, nil },
		SleepWorkload: func(model.TestCase) (worker.Test, error) { return &Sleep{}, nil },
		FailWorkload:  newFail,
	}
}

// Noop counts iterations of an empty loop. It measures the overhead of the harness.
type Noop struct{}

func (*Noop) Setup(*worker.TestContext) error {
	return nil
}

func (*Noop) Run(tc *worker.TestContext) error {
	probe := tc.Probe("noop")
	for tc.Err() == nil {
		start := time.Now()
		tc.AddOperations(1)
		probe.Done(start)
	}
	return nil
}

// Sleep sleeps for the "sleepMillis" property per operation, recording each sleep.
type Sleep struct {
	interval time.Duration
}

func (s *Sleep) Setup(tc *worker.TestContext) error {
	millis, err := tc.IntProperty("sleepMillis", 10)
	if err != nil {
		return err
	}
	s.interval = time.Duration(millis) * time.Millisecond
	return nil
}

func (s *Sleep) Run(tc *worker.TestContext) error {
	probe := tc.Probe("sleep")
	for {
		start := time.Now()
		select {
		case <-tc.Done():
			return nil
		case <-time.After(s.interval):
		}
		tc.AddOperations(1)
		probe.Done(start)
	}
}

// Fail returns an error from the phase named by its "failPhase" property, and succeeds otherwise.
// It is used to exercise failure handling.
type Fail struct {
	phase model.TestPhase
}

func newFail(testCase model.TestCase) (worker.Test, error) {
	phase, err := model.ParseTestPhase(testCase.Properties["failPhase"])
	if err != nil {
		return nil, err
	}
	return &Fail{phase: phase}, nil
}

func (f *Fail) fail(phase model.TestPhase) error {
	if phase == f.phase {
		return errors.Errorf("%s failed on purpose", phase.Description())
	}
	return nil
}

func (f *Fail) Setup(*worker.TestContext) error {
	return f.fail(model.Setup)
}

func (f *Fail) Run(tc *worker.TestContext) error {
	if err := f.fail(model.Run); err != nil {
		return err
	}
	<-tc.Done()
	return nil
}

func (f *Fail) Warmup(_ *worker.TestContext, global bool) error {
	if global {
		return f.fail(model.GlobalWarmup)
	}
	return f.fail(model.LocalWarmup)
}

func (f *Fail) Verify(_ *worker.TestContext, global bool) error {
	if global {
		return f.fail(model.GlobalVerify)
	}
	return f.fail(model.LocalVerify)
}

func (f *Fail) Teardown(_ *worker.TestContext, global bool) error {
	if global {
		return f.fail(model.GlobalTeardown)
	}
	return f.fail(model.LocalTeardown)
}
