package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

type backgroundTask struct {
	name     string
	function func()
	interval time.Duration
	latency  prometheus.Histogram
	stop     chan struct{}
}

// BackgroundTaskManager runs functions periodically until stopped, recording the latency of each run
// in a histogram named <metricsPrefix><name>_latency_seconds. It is safe for concurrent use.
type BackgroundTaskManager struct {
	metricsPrefix string
	registerer    prometheus.Registerer

	mu    sync.Mutex
	tasks []*backgroundTask
	wg    sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
	}
}

// Register runs function immediately and then once per interval.
func (m *BackgroundTaskManager) Register(function func(), interval time.Duration, name string) {
	t := &backgroundTask{
		name:     name,
		function: function,
		interval: interval,
		latency:  m.latencyHistogram(name),
		stop:     make(chan struct{}),
	}
	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(t)
}

// StopAll stops every task and waits up to timeout for the running ones to return.
// Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	for _, t := range tasks {
		close(t.stop)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}

func (m *BackgroundTaskManager) run(t *backgroundTask) {
	defer m.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		start := time.Now()
		t.function()
		t.latency.Observe(time.Since(start).Seconds())

		select {
		case <-ticker.C:
		case <-t.stop:
			return
		}
	}
}

// latencyHistogram registers the latency histogram of the task called name. Several nodes running in
// one process share the histogram.
func (m *BackgroundTaskManager) latencyHistogram(name string) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    m.metricsPrefix + name + "_latency_seconds",
		Help:    "Background task " + name + " latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})
	if m.registerer == nil {
		return h
	}
	if err := m.registerer.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing
			}
		}
		log.WithError(err).Warnf("could not register latency metric of background task %s", name)
	}
	return h
}
