package worker

import (
	"sync"
	"time"

	"github.com/G-Research/simulator/pkg/histogram"
)

const (
	// Latencies up to ten seconds are bucketed; slower ones count as overflow.
	DefaultProbeMaxMicros  = 10_000_000
	DefaultProbeStepMicros = 100
)

// Probe records latencies, in microseconds, into a histogram. It is safe for concurrent use.
type Probe struct {
	mu        sync.Mutex
	histogram *histogram.LinearHistogram
}

func NewProbe(maxMicros, stepMicros int64) *Probe {
	h, err := histogram.New(maxMicros, stepMicros)
	if err != nil {
		panic(err)
	}
	return &Probe{histogram: h}
}

// Record adds one latency.
func (p *Probe) Record(latency time.Duration) {
	p.mu.Lock()
	p.histogram.Add(latency.Microseconds())
	p.mu.Unlock()
}

// Done records the time elapsed since start.
func (p *Probe) Done(start time.Time) {
	p.Record(time.Since(start))
}

func (p *Probe) Count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.histogram.Count()
}

// Snapshot returns a copy of the histogram recorded so far.
func (p *Probe) Snapshot() *histogram.LinearHistogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.histogram.Copy()
}
