package coordinator

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
)

// PerformanceState is the throughput of a test summed over the workers running it.
type PerformanceState struct {
	TestID         string
	Workers        int
	OperationCount int64
	// Operations per second over the most recent report interval.
	IntervalThroughput float64
	Updated            time.Time
}

// PerformanceStateContainer keeps the latest performance report of each worker for each running test.
type PerformanceStateContainer struct {
	mu    sync.Mutex
	tests map[string]map[protocol.Address]*operation.PerformanceState
}

func NewPerformanceStateContainer() *PerformanceStateContainer {
	return &PerformanceStateContainer{tests: make(map[string]map[protocol.Address]*operation.PerformanceState)}
}

// Update stores state unless a more recent report of the same worker is already known.
func (c *PerformanceStateContainer) Update(state *operation.PerformanceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	workers, ok := c.tests[state.TestID]
	if !ok {
		workers = make(map[protocol.Address]*operation.PerformanceState)
		c.tests[state.TestID] = workers
	}
	if existing, ok := workers[state.Worker]; ok && existing.Time.After(state.Time) {
		return
	}
	workers[state.Worker] = state
}

// Total sums the latest reports of every worker for testID.
func (c *PerformanceStateContainer) Total(testID string) (PerformanceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	workers, ok := c.tests[testID]
	if !ok || len(workers) == 0 {
		return PerformanceState{}, false
	}
	total := PerformanceState{TestID: testID, Workers: len(workers)}
	for _, s := range workers {
		total.OperationCount += s.OperationCount
		total.IntervalThroughput += s.IntervalThroughput
		if s.Time.After(total.Updated) {
			total.Updated = s.Time
		}
	}
	return total, true
}

// Remove forgets testID once it has finished.
func (c *PerformanceStateContainer) Remove(testID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tests, testID)
}

// TestIDs returns the tests with at least one report, sorted.
func (c *PerformanceStateContainer) TestIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := maps.Keys(c.tests)
	slices.Sort(ids)
	return ids
}

// Log writes the current throughput of every running test.
func (c *PerformanceStateContainer) Log(ctx *simcontext.Context) {
	for _, id := range c.TestIDs() {
		total, ok := c.Total(id)
		if !ok {
			continue
		}
		ctx.Log.WithField("test", id).Infof("%d operations on %d workers, %.2f ops/s", total.OperationCount, total.Workers, total.IntervalThroughput)
	}
}
