package coordinator

import (
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/simulator/internal/common/metrics"
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
)

type failureKey struct {
	source  protocol.Address
	testID  string
	message string
}

// FailureContainer collects the failures reported during a run and the workers that finished.
// It is safe for concurrent use.
type FailureContainer struct {
	mu              sync.RWMutex
	failures        []*operation.Failure
	seen            map[failureKey]struct{}
	criticalByTest  map[string]bool
	critical        bool
	unattributed    []int
	finished        map[protocol.Address]struct{}
	finishedChanged chan struct{}
	listeners       []func(f *operation.Failure)

	file    string
	metrics *metrics.CoordinatorMetrics
}

// NewFailureContainer returns an empty container. If file is set, failures are appended to it.
func NewFailureContainer(file string, m *metrics.CoordinatorMetrics) *FailureContainer {
	if m == nil {
		m = metrics.NewCoordinatorMetrics(nil)
	}
	return &FailureContainer{
		seen:            make(map[failureKey]struct{}),
		criticalByTest:  make(map[string]bool),
		finished:        make(map[protocol.Address]struct{}),
		finishedChanged: make(chan struct{}),
		file:            file,
		metrics:         m,
	}
}

// OnFailure registers f to be called for every new failure.
func (c *FailureContainer) OnFailure(f func(failure *operation.Failure)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, f)
}

// AddFailure records f unless a failure with the same source, test and message was recorded before.
// It returns true if f was recorded.
func (c *FailureContainer) AddFailure(f *operation.Failure) bool {
	key := failureKey{source: f.Source, testID: f.TestID, message: f.Message}
	c.mu.Lock()
	if _, ok := c.seen[key]; ok {
		c.mu.Unlock()
		return false
	}
	c.seen[key] = struct{}{}
	c.failures = append(c.failures, f)
	number := len(c.failures)
	if f.Critical {
		c.critical = true
		if f.TestID != "" {
			c.criticalByTest[f.TestID] = true
		} else {
			c.unattributed = append(c.unattributed, number)
		}
	}
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	c.metrics.Failures.WithLabelValues(string(f.Kind)).Inc()
	entry := log.WithField("failure", number)
	if f.Critical {
		entry.Error(f.String())
	} else {
		entry.Warn(f.String())
	}
	if f.Cause != "" {
		entry.Debugf("caused by: %s", f.Cause)
	}
	c.appendToFile(f)
	for _, listener := range listeners {
		listener(f)
	}
	return true
}

func (c *FailureContainer) appendToFile(f *operation.Failure) {
	if c.file == "" {
		return
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		log.WithError(err).Warn("could not encode failure")
		return
	}
	file, err := os.OpenFile(c.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.WithError(err).Warnf("could not open %s", c.file)
		return
	}
	defer file.Close()
	if _, err := file.Write(append([]byte("---\n"), data...)); err != nil {
		log.WithError(err).Warnf("could not write to %s", c.file)
	}
}

func (c *FailureContainer) HasCriticalFailure() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.critical
}

func (c *FailureContainer) HasCriticalFailureForTest(testID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.criticalByTest[testID]
}

// HasUnattributedCriticalFailureSince returns true if a critical failure unrelated to any test,
// such as a lost worker, was recorded after the first mark failures.
func (c *FailureContainer) HasUnattributedCriticalFailureSince(mark int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.unattributed) > 0 && c.unattributed[len(c.unattributed)-1] > mark
}

// FirstCriticalFailure returns the first critical failure of testID, or nil.
func (c *FailureContainer) FirstCriticalFailure(testID string) *operation.Failure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.failures {
		if f.Critical && f.TestID == testID {
			return f
		}
	}
	return nil
}

func (c *FailureContainer) FailureCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.failures)
}

// Failures returns the recorded failures in the order they were added.
func (c *FailureContainer) Failures() []*operation.Failure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.failures)
}

func (c *FailureContainer) MarkWorkerFinished(worker protocol.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.finished[worker]; ok {
		return
	}
	c.finished[worker] = struct{}{}
	close(c.finishedChanged)
	c.finishedChanged = make(chan struct{})
}

// FinishedWorkers returns the finished workers in address order.
func (c *FailureContainer) FinishedWorkers() []protocol.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	finished := maps.Keys(c.finished)
	slices.SortFunc(finished, protocol.Address.Less)
	return finished
}

// ResetFinishedWorkers forgets the finished workers, before a new set of workers is terminated.
func (c *FailureContainer) ResetFinishedWorkers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = make(map[protocol.Address]struct{})
}

// AwaitFinishedWorkers blocks until every worker in expected has finished, timeout has passed or ctx
// ends. It returns the workers that did not finish.
func (c *FailureContainer) AwaitFinishedWorkers(ctx *simcontext.Context, expected []protocol.Address, timeout time.Duration) []protocol.Address {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		c.mu.RLock()
		missing := MissingWorkers(expected, c.finished)
		changed := c.finishedChanged
		c.mu.RUnlock()
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-deadline.C:
			return missing
		case <-ctx.Done():
			return missing
		}
	}
}

// MissingWorkers returns the workers in expected that are not in finished.
func MissingWorkers(expected []protocol.Address, finished map[protocol.Address]struct{}) []protocol.Address {
	var missing []protocol.Address
	for _, w := range expected {
		if _, ok := finished[w]; !ok {
			missing = append(missing, w)
		}
	}
	return missing
}

// LogSummary logs the number of failures and whether any was critical.
func (c *FailureContainer) LogSummary(ctx *simcontext.Context) {
	failures := c.Failures()
	critical := 0
	for _, f := range failures {
		if f.Critical {
			critical++
		}
	}
	switch {
	case len(failures) == 0:
		ctx.Log.Info("No failures have been detected")
	case critical == 0:
		ctx.Log.Warnf("%d non-critical failures have been detected", len(failures))
	default:
		ctx.Log.Errorf("%d failures have been detected, %d of them critical", len(failures), critical)
	}
	if c.file != "" && len(failures) > 0 {
		ctx.Log.Infof("Failures have been written to %s", c.file)
	}
}
