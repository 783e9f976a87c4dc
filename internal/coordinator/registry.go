package coordinator

import (
	"net"
	"strconv"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/G-Research/simulator/internal/coordinator/configuration"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
)

type AgentData struct {
	Address        protocol.Address
	PublicAddress  string
	PrivateAddress string
	Port           uint16
}

// Endpoint is the host:port the coordinator connects to.
func (a AgentData) Endpoint() string {
	return net.JoinHostPort(a.PublicAddress, strconv.Itoa(int(a.Port)))
}

type WorkerData struct {
	Address  protocol.Address
	Settings operation.WorkerSettings
}

func (w WorkerData) IsMember() bool {
	return w.Settings.Type == operation.MemberWorker
}

// ComponentRegistry tracks the agents and workers of the fleet. Reads return copies.
type ComponentRegistry struct {
	mu      sync.RWMutex
	agents  []AgentData
	workers []WorkerData
	// Next worker index per agent. Indices are never reused, so a refreshed worker gets a new address.
	nextWorkerIndex map[int32]int32
}

func NewComponentRegistry(agents []configuration.AgentConfig) *ComponentRegistry {
	r := &ComponentRegistry{nextWorkerIndex: make(map[int32]int32)}
	for i, a := range agents {
		private := a.PrivateAddress
		if private == "" {
			private = a.PublicAddress
		}
		r.agents = append(r.agents, AgentData{
			Address:        protocol.Agent(int32(i + 1)),
			PublicAddress:  a.PublicAddress,
			PrivateAddress: private,
			Port:           a.Port,
		})
	}
	return r
}

func (r *ComponentRegistry) Agents() []AgentData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.agents)
}

func (r *ComponentRegistry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// NextWorkerIndex reserves a worker index on agent.
func (r *ComponentRegistry) NextWorkerIndex(agent protocol.Address) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextWorkerIndex[agent.AgentIndex]++
	return r.nextWorkerIndex[agent.AgentIndex]
}

func (r *ComponentRegistry) AddWorkers(workers ...WorkerData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = append(r.workers, workers...)
	slices.SortFunc(r.workers, func(a, b WorkerData) bool { return a.Address.Less(b.Address) })
}

// RemoveWorker forgets the worker at address. It returns false if the worker was unknown.
func (r *ComponentRegistry) RemoveWorker(address protocol.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.IndexFunc(r.workers, func(w WorkerData) bool { return w.Address == address })
	if i < 0 {
		return false
	}
	r.workers = slices.Delete(r.workers, i, i+1)
	return true
}

// RemoveWorkersOfAgent forgets every worker of agent and returns their addresses.
func (r *ComponentRegistry) RemoveWorkersOfAgent(agent protocol.Address) []protocol.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []protocol.Address
	kept := r.workers[:0]
	for _, w := range r.workers {
		if w.Address.AgentIndex == agent.AgentIndex {
			removed = append(removed, w.Address)
		} else {
			kept = append(kept, w)
		}
	}
	r.workers = kept
	return removed
}

func (r *ComponentRegistry) RemoveAllWorkers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = nil
}

// Workers returns all workers in address order.
func (r *ComponentRegistry) Workers() []WorkerData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.workers)
}

func (r *ComponentRegistry) WorkerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

func (r *ComponentRegistry) HasWorker(address protocol.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.IndexFunc(r.workers, func(w WorkerData) bool { return w.Address == address }) >= 0
}

// MemberCount and ClientCount count the workers of each type.
func (r *ComponentRegistry) MemberCount() int {
	return r.countType(operation.MemberWorker)
}

func (r *ComponentRegistry) ClientCount() int {
	return r.countType(operation.ClientWorker)
}

func (r *ComponentRegistry) countType(t operation.WorkerType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		if w.Settings.Type == t {
			n++
		}
	}
	return n
}

// FirstWorker returns the worker that executes global phases: the first member, or the first worker
// if there are no members.
func (r *ComponentRegistry) FirstWorker() (WorkerData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		if w.IsMember() {
			return w, true
		}
	}
	if len(r.workers) > 0 {
		return r.workers[0], true
	}
	return WorkerData{}, false
}
