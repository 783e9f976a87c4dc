package coordinator

import (
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
)

// RemoteClient sends operations from the coordinator to agents, workers and tests.
// Every method returns an error if any addressed component failed or did not answer in time.
type RemoteClient struct {
	node    *protocol.Node
	timeout time.Duration
}

func NewRemoteClient(node *protocol.Node, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = protocol.DefaultRequestTimeout
	}
	return &RemoteClient{node: node, timeout: timeout}
}

// Invoke sends op to destination and returns the aggregated response.
func (c *RemoteClient) Invoke(ctx *simcontext.Context, destination protocol.Address, op operation.Operation) (*protocol.Response, error) {
	payload, err := operation.Encode(op)
	if err != nil {
		return nil, err
	}
	ctx, cancel := simcontext.WithTimeout(ctx, c.timeout)
	defer cancel()
	response, err := c.node.Invoke(ctx, destination, payload)
	if err != nil {
		return response, errors.WithMessagef(err, "%s to %s", op.OperationType(), destination)
	}
	if err := response.Err(); err != nil {
		return response, errors.WithMessagef(err, "%s to %s", op.OperationType(), destination)
	}
	return response, nil
}

func (c *RemoteClient) invoke(ctx *simcontext.Context, destination protocol.Address, op operation.Operation) error {
	_, err := c.Invoke(ctx, destination, op)
	return err
}

func (c *RemoteClient) InvokeOnAllAgents(ctx *simcontext.Context, op operation.Operation) error {
	return c.invoke(ctx, protocol.AllAgents(), op)
}

func (c *RemoteClient) InvokeOnAllWorkers(ctx *simcontext.Context, op operation.Operation) error {
	return c.invoke(ctx, protocol.AllWorkers(), op)
}

// InvokeOnAllTests sends op to every test on every worker. The test is selected by the id in op.
func (c *RemoteClient) InvokeOnAllTests(ctx *simcontext.Context, op operation.Operation) error {
	return c.invoke(ctx, protocol.AllTests(), op)
}

// InvokeOnTest sends op to a single test or, for a wildcard address, to every matching test.
func (c *RemoteClient) InvokeOnTest(ctx *simcontext.Context, test protocol.Address, op operation.Operation) error {
	return c.invoke(ctx, test, op)
}

// LogOnAllAgents writes message to the log of every agent, so agent logs follow the progress of the suite.
func (c *RemoteClient) LogOnAllAgents(ctx *simcontext.Context, message string) {
	if err := c.InvokeOnAllAgents(ctx, &operation.Log{Level: "info", Message: message}); err != nil {
		ctx.Log.WithError(err).Debug("could not log on agents")
	}
}

// LogOnAllWorkers writes message to the log of every worker.
func (c *RemoteClient) LogOnAllWorkers(ctx *simcontext.Context, message string) {
	if err := c.InvokeOnAllWorkers(ctx, &operation.Log{Level: "info", Message: message}); err != nil {
		ctx.Log.WithError(err).Debug("could not log on workers")
	}
}
