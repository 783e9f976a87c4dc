package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestBackgroundTaskManager_RunsUntilStopped(t *testing.T) {
	m := NewBackgroundTaskManager("simulator_test_", prometheus.NewRegistry())
	var calls atomic.Int32
	m.Register(func() { calls.Add(1) }, 5*time.Millisecond, "counter")

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.False(t, m.StopAll(time.Second))

	stopped := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
}

func TestBackgroundTaskManager_SharesLatencyMetric(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewBackgroundTaskManager("simulator_test_", registry)
	second := NewBackgroundTaskManager("simulator_test_", registry)
	first.Register(func() {}, time.Hour, "ping")
	second.Register(func() {}, time.Hour, "ping")
	assert.False(t, first.StopAll(time.Second))
	assert.False(t, second.StopAll(time.Second))

	families, err := registry.Gather()
	assert.NoError(t, err)
	if assert.Len(t, families, 1) {
		assert.Equal(t, "simulator_test_ping_latency_seconds", families[0].GetName())
		assert.Equal(t, uint64(2), families[0].GetMetric()[0].GetHistogram().GetSampleCount())
	}
}
