package protocol

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/common/metrics"
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/common/task"
)

// DefaultRequestTimeout bounds how long a node waits for a forwarded request.
const DefaultRequestTimeout = 60 * time.Second

const (
	hopMarginDivisor = 10
	// Longest path: worker, agent, coordinator, agent, worker.
	maxHops = 4
)

// Processor executes requests addressed to the node itself.
// The returned payload is sent back in a Success part; an error becomes a failure part
// whose type is chosen by ResponseTypeFromError.
type Processor interface {
	Process(ctx *simcontext.Context, msg *Message) ([]byte, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx *simcontext.Context, msg *Message) ([]byte, error)

func (f ProcessorFunc) Process(ctx *simcontext.Context, msg *Message) ([]byte, error) {
	return f(ctx, msg)
}

type NodeOptions struct {
	// Timeout of every request the node forwards; DefaultRequestTimeout if zero.
	RequestTimeout time.Duration
	Connection     ConnectionOptions
}

// Node routes messages for one component of the hierarchy. The same type is used by the coordinator,
// agents and workers; they differ only in their address, their connections and their processor.
//
// A request is delivered to the local processor if its destination includes the node's address,
// forwarded to one or all children if it addresses something below the node, and forwarded to the
// parent otherwise. Every request is answered with exactly one Response.
type Node struct {
	ctx            *simcontext.Context
	address        Address
	connections    *ConnectionManager
	processor      Processor
	requestTimeout time.Duration
	connOptions    ConnectionOptions
	metrics        *metrics.ProtocolMetrics
	inflight       sync.WaitGroup
}

// NewNode returns a node for address. ctx bounds the processing of requests received from peers.
func NewNode(ctx *simcontext.Context, address Address, processor Processor, opts NodeOptions) *Node {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Connection.Metrics == nil {
		opts.Connection.Metrics = metrics.NewProtocolMetrics(nil)
	}
	return &Node{
		ctx:            simcontext.WithLogField(ctx, "node", address.String()),
		address:        address,
		connections:    NewConnectionManager(),
		processor:      processor,
		requestTimeout: opts.RequestTimeout,
		connOptions:    opts.Connection,
		metrics:        opts.Connection.Metrics,
	}
}

func (n *Node) Address() Address {
	return n.address
}

func (n *Node) Connections() *ConnectionManager {
	return n.connections
}

// AttachParent starts serving conn as the connection towards the coordinator.
func (n *Node) AttachParent(conn *Connection) {
	n.connections.SetParent(conn)
	conn.Start(n.handleRequest)
}

// AttachChild starts serving conn as the connection to the child with index.
func (n *Node) AttachChild(index int32, conn *Connection) {
	n.connections.AddChild(index, conn)
	conn.Start(n.handleRequest)
}

// NewConnection wraps a network connection to remote using the node's connection options.
func (n *Node) NewConnection(conn net.Conn, remote Address) *Connection {
	return NewConnection(conn, remote, n.connOptions)
}

// Invoke sends payload to destination as if it had arrived from a peer, and returns the aggregated response.
// The returned error is non-nil only if ctx ended first; failures at the destination are reported in the response.
func (n *Node) Invoke(ctx *simcontext.Context, destination Address, payload []byte) (*Response, error) {
	if err := destination.Validate(); err != nil {
		return nil, err
	}
	response := n.route(ctx, &Message{Source: n.address, Destination: destination, Payload: payload})
	if err := ctx.Err(); err != nil {
		return response, errors.WithStack(err)
	}
	return response, nil
}

// Wait blocks until every request received from a peer has been answered.
func (n *Node) Wait() {
	n.inflight.Wait()
}

// Close closes every connection of the node.
func (n *Node) Close() error {
	return n.connections.Close()
}

func (n *Node) handleRequest(c *Connection, msg *Message) {
	n.inflight.Add(1)
	defer n.inflight.Done()
	ctx := simcontext.WithLogFields(n.ctx, logrus.Fields{
		"messageId":   msg.ID,
		"source":      msg.Source.String(),
		"destination": msg.Destination.String(),
	})
	response := n.route(ctx, msg)
	if err := c.Reply(msg, response); err != nil {
		ctx.Log.WithError(err).Warn("could not send response")
	}
}

// route classifies msg relative to the node's address and executes it.
func (n *Node) route(ctx *simcontext.Context, msg *Message) *Response {
	level := n.address.Level()
	destination := msg.Destination
	var response *Response
	switch {
	case destination.Level() == level && destination.Includes(n.address):
		response = n.processLocally(ctx, msg)
	case destination.Level() > level && n.address.IsAncestorOf(destination):
		response = n.forwardDown(ctx, msg)
	default:
		response = n.forwardUp(ctx, msg)
	}
	for _, part := range response.Parts {
		n.metrics.ResponsesByType.WithLabelValues(part.Type.String()).Inc()
	}
	return response
}

func (n *Node) processLocally(ctx *simcontext.Context, msg *Message) *Response {
	if n.processor == nil {
		return NewResponse(FailurePart(n.address, &simerrors.ErrUnsupportedOperation{
			Operation: "any",
			Address:   n.address.String(),
		}))
	}
	payload, err := n.process(ctx, msg)
	if err != nil {
		ctx.Log.WithError(err).Debug("operation failed")
		return NewResponse(FailurePart(n.address, err))
	}
	return NewResponse(ResponsePart{Source: n.address, Type: Success, Payload: payload})
}

func (n *Node) process(ctx *simcontext.Context, msg *Message) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("processing %s panicked: %v", msg, r)
		}
	}()
	return n.processor.Process(ctx, msg)
}

func (n *Node) forwardDown(ctx *simcontext.Context, msg *Message) *Response {
	childLevel := n.address.Level() + 1
	childIndex := msg.Destination.Index(childLevel)

	if childIndex != Wildcard {
		c, ok := n.connections.Child(childIndex)
		if !ok {
			if n.address.Level() >= WorkerLevel {
				// Tests live inside the worker process.
				return n.processLocally(ctx, msg)
			}
			child := n.address.Child(childIndex)
			return NewResponse(ResponsePart{
				Source:  child,
				Type:    notFoundType(childLevel),
				Message: child.String() + " is not connected",
			})
		}
		return n.relay(ctx, c, msg)
	}

	indices := n.connections.ChildIndices()
	if len(indices) == 0 {
		return n.processLocally(ctx, msg)
	}
	responses := make([]*Response, len(indices))
	g := task.NewGroup(ctx, "fan-out "+msg.Destination.String())
	for i, index := range indices {
		i, index := i, index
		g.Spawn(func(ctx *simcontext.Context) error {
			c, ok := n.connections.Child(index)
			if !ok {
				child := n.address.Child(index)
				responses[i] = NewResponse(ResponsePart{Source: child, Type: notFoundType(childLevel), Message: child.String() + " is not connected"})
				return nil
			}
			responses[i] = n.relay(ctx, c, msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		ctx.Log.WithError(err).Warn("fan-out failed")
	}

	aggregated := NewResponse()
	for i, r := range responses {
		if r == nil {
			aggregated.Add(ResponsePart{Source: n.address.Child(indices[i]), Type: ExceptionDuringOperationExecution})
			continue
		}
		aggregated.Add(r.Parts...)
	}
	aggregated.Sort()
	return aggregated
}

func (n *Node) forwardUp(ctx *simcontext.Context, msg *Message) *Response {
	parent := n.connections.Parent()
	if parent == nil {
		return NewResponse(ResponsePart{
			Source:  n.address,
			Type:    FailureCoordinatorNotFound,
			Message: "no route to " + msg.Destination.String(),
		})
	}
	return n.relay(ctx, parent, msg)
}

// relayTimeout is the request timeout reduced by a tenth for every hop msg already travelled, so that a
// node waiting for a relayed request times out later than the nodes further along the path.
func (n *Node) relayTimeout(msg *Message) time.Duration {
	travelled := hops(msg.Source, n.address)
	if travelled > maxHops {
		travelled = maxHops
	}
	return n.requestTimeout - time.Duration(travelled)*(n.requestTimeout/hopMarginDivisor)
}

// relay forwards msg over c under a fresh id and waits for the answer.
// Transport failures are reported as a part naming the peer at the other end of c.
func (n *Node) relay(ctx *simcontext.Context, c *Connection, msg *Message) *Response {
	timeout := n.relayTimeout(msg)
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	forwarded := &Message{
		Source:      msg.Source,
		Destination: msg.Destination,
		Payload:     msg.Payload,
	}
	future := c.SendRequest(forwarded, timeout)
	response, err := future.Response(ctx)
	if err != nil {
		ctx.Log.WithError(err).WithField("peer", c.Remote().String()).Debug("forwarded request failed")
		return NewResponse(FailurePart(c.Remote(), err))
	}
	return response
}
