package coordinator

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/coordinator/configuration"
	"github.com/G-Research/simulator/internal/operation"
)

// AgentWorkerLayout lists the workers one agent should create.
type AgentWorkerLayout struct {
	Agent   AgentData
	Members int
	Clients int
}

// NewClusterLayout places the members on the first DedicatedMemberMachines agents, or on every agent
// if there are no dedicated machines, and the clients on the remaining agents. Workers are spread
// round-robin. Agents without workers are left out.
func NewClusterLayout(agents []AgentData, params configuration.LayoutConfig) ([]AgentWorkerLayout, error) {
	if params.MemberWorkerCount+params.ClientWorkerCount == 0 {
		return nil, nil
	}
	if len(agents) == 0 {
		return nil, errors.WithStack(&simerrors.ErrStartupFailure{
			Expected: params.MemberWorkerCount + params.ClientWorkerCount,
			Message:  "no agents available",
		})
	}
	dedicated := params.DedicatedMemberMachines
	if dedicated > len(agents) {
		return nil, errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "dedicatedMemberMachines",
			Value:   dedicated,
			Message: fmt.Sprintf("only %d agents are available", len(agents)),
		})
	}
	if dedicated > 0 && dedicated == len(agents) && params.ClientWorkerCount > 0 {
		return nil, errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "dedicatedMemberMachines",
			Value:   dedicated,
			Message: "no agents are left for the client workers",
		})
	}

	layouts := make([]AgentWorkerLayout, len(agents))
	for i, a := range agents {
		layouts[i].Agent = a
	}
	memberAgents, clientAgents := layouts, layouts
	if dedicated > 0 {
		memberAgents, clientAgents = layouts[:dedicated], layouts[dedicated:]
	}
	for i := 0; i < params.MemberWorkerCount; i++ {
		memberAgents[i%len(memberAgents)].Members++
	}
	for i := 0; i < params.ClientWorkerCount; i++ {
		clientAgents[i%len(clientAgents)].Clients++
	}

	result := layouts[:0]
	for _, l := range layouts {
		if l.Members+l.Clients > 0 {
			result = append(result, l)
		}
	}
	return result, nil
}

// settings assigns worker indices for the layout from registry.
func (l AgentWorkerLayout) settings(registry *ComponentRegistry, params configuration.LayoutConfig) []operation.WorkerSettings {
	var settings []operation.WorkerSettings
	for i := 0; i < l.Members; i++ {
		settings = append(settings, operation.WorkerSettings{
			WorkerIndex: registry.NextWorkerIndex(l.Agent.Address),
			Type:        operation.MemberWorker,
			Parameters:  params.MemberParameters,
		})
	}
	for i := 0; i < l.Clients; i++ {
		settings = append(settings, operation.WorkerSettings{
			WorkerIndex: registry.NextWorkerIndex(l.Agent.Address),
			Type:        operation.ClientWorker,
			Parameters:  params.ClientParameters,
		})
	}
	return settings
}
