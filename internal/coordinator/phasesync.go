package coordinator

import (
	"context"
	"sync"

	"github.com/G-Research/simulator/internal/common/task"
	"github.com/G-Research/simulator/internal/testsuite/model"
)

// PhaseSyncs makes parallel test cases enter each phase together. Every test case waits at the barrier of a
// phase once it has completed that phase; phases after lastPhaseToSync are not synchronized.
type PhaseSyncs struct {
	barriers *task.BarrierSet[model.TestPhase]
}

// NewPhaseSyncs returns barriers for testCount test cases. A nil *PhaseSyncs never blocks.
func NewPhaseSyncs(testCount int, lastPhaseToSync model.TestPhase) *PhaseSyncs {
	var phases []model.TestPhase
	for _, p := range model.AllTestPhases() {
		if p <= lastPhaseToSync {
			phases = append(phases, p)
		}
	}
	return &PhaseSyncs{barriers: task.NewBarrierSet(testCount, phases...)}
}

func (s *PhaseSyncs) IsSynced(phase model.TestPhase) bool {
	return s != nil && s.barriers.Has(phase)
}

// PhaseSync tracks the barriers a single test case has arrived at.
type PhaseSync struct {
	syncs   *PhaseSyncs
	mu      sync.Mutex
	arrived map[model.TestPhase]bool
}

// ForTestCase returns the view of the barriers used by one test case.
func (s *PhaseSyncs) ForTestCase() *PhaseSync {
	return &PhaseSync{syncs: s, arrived: make(map[model.TestPhase]bool)}
}

// Await arrives at the barrier of phase and blocks until every test case has arrived or ctx ends.
func (p *PhaseSync) Await(ctx context.Context, phase model.TestPhase) error {
	if !p.arrive(phase) {
		return nil
	}
	return p.syncs.barriers.Await(ctx, phase)
}

// ArriveRemaining arrives at every barrier not yet arrived at, so an aborted test case does not hold up the others.
func (p *PhaseSync) ArriveRemaining() {
	for _, phase := range model.AllTestPhases() {
		p.arrive(phase)
	}
}

func (p *PhaseSync) arrive(phase model.TestPhase) bool {
	if p.syncs == nil || !p.syncs.IsSynced(phase) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.arrived[phase] {
		return false
	}
	p.arrived[phase] = true
	p.syncs.barriers.Arrive(phase)
	return true
}
