package coordinator

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/simulator/internal/protocol"
	"github.com/G-Research/simulator/pkg/histogram"
)

// TestHistogramContainer stores the latency probes each worker recorded for each test, and the
// probes of every finished test merged by probe name for the whole suite.
type TestHistogramContainer struct {
	mu          sync.Mutex
	tests       map[string]map[protocol.Address]map[string]*histogram.LinearHistogram
	suite       map[string]*histogram.LinearHistogram
	suiteBroken map[string]bool
	summarised  map[string]bool
}

func NewTestHistogramContainer() *TestHistogramContainer {
	return &TestHistogramContainer{
		tests:       make(map[string]map[protocol.Address]map[string]*histogram.LinearHistogram),
		suite:       make(map[string]*histogram.LinearHistogram),
		suiteBroken: make(map[string]bool),
		summarised:  make(map[string]bool),
	}
}

// Add stores the probes worker reported for testID, replacing any earlier report of the same worker.
func (c *TestHistogramContainer) Add(testID string, worker protocol.Address, probes map[string]*histogram.LinearHistogram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	workers, ok := c.tests[testID]
	if !ok {
		workers = make(map[protocol.Address]map[string]*histogram.LinearHistogram)
		c.tests[testID] = workers
	}
	workers[worker] = probes
}

// CreateProbeResults merges the probes of every worker for testID and summarises each one.
// The merged probes are also added to the suite probes, once per test.
// Probes that cannot be merged are skipped and reported in the returned errors.
func (c *TestHistogramContainer) CreateProbeResults(testID string) (map[string]*histogram.LatencyDistributionResult, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	workers := c.tests[testID]
	addresses := maps.Keys(workers)
	slices.SortFunc(addresses, protocol.Address.Less)
	merged := make(map[string]*histogram.LinearHistogram)
	var errs []error
	broken := make(map[string]bool)
	for _, worker := range addresses {
		for name, h := range workers[worker] {
			if h == nil || broken[name] {
				continue
			}
			existing, ok := merged[name]
			if !ok {
				merged[name] = h.Copy()
				continue
			}
			combined, err := histogram.Combine(existing, h)
			if err != nil {
				errs = append(errs, err)
				broken[name] = true
				delete(merged, name)
				continue
			}
			merged[name] = combined
		}
	}
	if !c.summarised[testID] {
		c.summarised[testID] = true
		errs = append(errs, c.addToSuite(merged)...)
	}
	return summarise(merged), errs
}

func (c *TestHistogramContainer) addToSuite(merged map[string]*histogram.LinearHistogram) []error {
	var errs []error
	for name, h := range merged {
		if c.suiteBroken[name] {
			continue
		}
		existing, ok := c.suite[name]
		if !ok {
			c.suite[name] = h.Copy()
			continue
		}
		combined, err := histogram.Combine(existing, h)
		if err != nil {
			errs = append(errs, err)
			c.suiteBroken[name] = true
			delete(c.suite, name)
			continue
		}
		c.suite[name] = combined
	}
	return errs
}

// CreateSuiteProbeResults summarises every probe over all tests summarised so far.
func (c *TestHistogramContainer) CreateSuiteProbeResults() map[string]*histogram.LatencyDistributionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return summarise(c.suite)
}

func summarise(probes map[string]*histogram.LinearHistogram) map[string]*histogram.LatencyDistributionResult {
	results := make(map[string]*histogram.LatencyDistributionResult, len(probes))
	for name, h := range probes {
		result := histogram.NewLatencyDistributionResult(h)
		results[name] = &result
	}
	return results
}

// Remove forgets the probes of testID.
func (c *TestHistogramContainer) Remove(testID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tests, testID)
}
