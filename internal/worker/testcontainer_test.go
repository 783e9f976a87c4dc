package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/testsuite/model"
)

type cancelledTest struct{}

func (cancelledTest) Setup(*TestContext) error {
	return nil
}

func (cancelledTest) Run(tc *TestContext) error {
	<-tc.Done()
	return tc.Err()
}

func newContainer(test Test, properties map[string]string) *TestContainer {
	return NewTestContainer(simcontext.Background(), workerAddress, 0, model.TestCase{ID: "map", Properties: properties}, test)
}

func TestTestContainer_StopBeforeRun(t *testing.T) {
	c := newContainer(cancelledTest{}, nil)
	c.Stop()
	require.NoError(t, c.Begin(model.Run))
	assert.True(t, c.IsRunning())
	assert.NoError(t, c.Execute(model.Run))
	assert.False(t, c.IsRunning())
}

func TestTestContainer_StopDuringRun(t *testing.T) {
	c := newContainer(cancelledTest{}, nil)
	require.NoError(t, c.Begin(model.Run))
	result := make(chan error, 1)
	go func() {
		result <- c.Execute(model.Run)
	}()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after stop")
	}
	require.NoError(t, c.Begin(model.LocalVerify))
}

func TestTestContainer_OptionalPhases(t *testing.T) {
	c := newContainer(cancelledTest{}, nil)
	for _, phase := range []model.TestPhase{model.LocalWarmup, model.GlobalVerify, model.LocalTeardown} {
		require.NoError(t, c.Begin(phase))
		assert.NoError(t, c.Execute(phase))
	}
}

func TestTestContainer_Throughput(t *testing.T) {
	c := newContainer(cancelledTest{}, nil)
	require.NoError(t, c.Begin(model.Run))
	start := c.lastReport
	c.Context().AddOperations(100)

	count, rate := c.throughput(start.Add(2 * time.Second))
	assert.Equal(t, int64(100), count)
	assert.InDelta(t, 50.0, rate, 0.001)

	count, rate = c.throughput(start.Add(4 * time.Second))
	assert.Equal(t, int64(100), count)
	assert.Equal(t, 0.0, rate)
}

func TestTestContext_IntProperty(t *testing.T) {
	tests := map[string]struct {
		properties map[string]string
		want       int
		wantErr    bool
	}{
		"missing": {nil, 7, false},
		"empty":   {map[string]string{"threads": ""}, 7, false},
		"set":     {map[string]string{"threads": "16"}, 16, false},
		"invalid": {map[string]string{"threads": "many"}, 0, true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			value, err := newContainer(cancelledTest{}, tc.properties).Context().IntProperty("threads", 7)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, value)
		})
	}
}

func TestTestContext_SharesProbesWithRunContext(t *testing.T) {
	tc := newContainer(cancelledTest{}, nil).Context()
	runCtx, cancel := simcontext.WithCancel(tc.Context)
	defer cancel()
	run := tc.withContext(runCtx)

	run.Probe("put").Record(150 * time.Microsecond)
	run.AddOperations(3)

	assert.Same(t, tc.Probe("put"), run.Probe("put"))
	assert.Equal(t, int64(3), tc.Operations())
	histograms := tc.Histograms()
	require.Contains(t, histograms, "put")
	assert.Equal(t, int64(1), histograms["put"].Count())
}

func TestProbe_ConcurrentRecords(t *testing.T) {
	p := NewProbe(DefaultProbeMaxMicros, DefaultProbeStepMicros)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.Record(time.Duration(j) * time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), p.Count())

	snapshot := p.Snapshot()
	p.Done(time.Now())
	assert.Equal(t, int64(1000), snapshot.Count())
	assert.Equal(t, int64(1001), p.Count())
}
