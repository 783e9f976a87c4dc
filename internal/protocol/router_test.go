package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
)

// nameProcessor answers every request with the address of the node that processed it.
func nameProcessor(address Address) Processor {
	return ProcessorFunc(func(ctx *simcontext.Context, msg *Message) ([]byte, error) {
		return []byte(address.String()), nil
	})
}

func newTestNode(t *testing.T, address Address, processor Processor, timeout time.Duration) *Node {
	t.Helper()
	if processor == nil {
		processor = nameProcessor(address)
	}
	n := NewNode(simcontext.Background(), address, processor, NodeOptions{RequestTimeout: timeout})
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func link(parent, child *Node) {
	a, b := net.Pipe()
	index := child.Address().Index(child.Address().Level())
	parent.AttachChild(index, parent.NewConnection(a, child.Address()))
	child.AttachParent(child.NewConnection(b, parent.Address()))
}

type fleet struct {
	coordinator *Node
	agents      map[int32]*Node
	workers     map[Address]*Node
}

// newFleet builds a coordinator with two agents; agent 1 has workers 1 and 2, agent 2 has worker 1.
func newFleet(t *testing.T, processors map[Address]Processor) *fleet {
	f := &fleet{
		coordinator: newTestNode(t, Coordinator(), processors[Coordinator()], 200*time.Millisecond),
		agents:      map[int32]*Node{},
		workers:     map[Address]*Node{},
	}
	for _, a := range []int32{1, 2} {
		agent := newTestNode(t, Agent(a), processors[Agent(a)], 200*time.Millisecond)
		link(f.coordinator, agent)
		f.agents[a] = agent
	}
	for _, w := range []Address{Worker(1, 1), Worker(1, 2), Worker(2, 1)} {
		worker := newTestNode(t, w, processors[w], 200*time.Millisecond)
		link(f.agents[w.AgentIndex], worker)
		f.workers[w] = worker
	}
	return f
}

func sources(r *Response) []Address {
	result := make([]Address, len(r.Parts))
	for i, part := range r.Parts {
		result[i] = part.Source
	}
	return result
}

func TestNode_DeliversToItselfLocally(t *testing.T) {
	f := newFleet(t, nil)
	for _, n := range []*Node{f.coordinator, f.agents[1], f.workers[Worker(1, 2)]} {
		r, err := n.Invoke(simcontext.Background(), n.Address(), nil)
		require.NoError(t, err)
		require.Len(t, r.Parts, 1)
		assert.Equal(t, Success, r.Parts[0].Type)
		assert.Equal(t, n.Address(), r.Parts[0].Source)
		assert.Equal(t, n.Address().String(), string(r.Parts[0].Payload))
	}
}

func TestNode_RoutesDown(t *testing.T) {
	f := newFleet(t, nil)
	r, err := f.coordinator.Invoke(simcontext.Background(), Worker(1, 2), nil)
	require.NoError(t, err)
	require.True(t, r.IsSuccess(), r.Err())
	assert.Equal(t, []Address{Worker(1, 2)}, sources(r))
	assert.Equal(t, "C_A1_W2", string(r.Parts[0].Payload))
}

func TestNode_RoutesUpAndAcross(t *testing.T) {
	f := newFleet(t, nil)

	r, err := f.workers[Worker(2, 1)].Invoke(simcontext.Background(), Coordinator(), nil)
	require.NoError(t, err)
	assert.Equal(t, []Address{Coordinator()}, sources(r))

	r, err = f.workers[Worker(2, 1)].Invoke(simcontext.Background(), Worker(1, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, []Address{Worker(1, 1)}, sources(r))
	assert.True(t, r.IsSuccess())
}

func TestNode_TestAddressesAreProcessedByTheWorker(t *testing.T) {
	f := newFleet(t, nil)
	r, err := f.coordinator.Invoke(simcontext.Background(), Test(1, 2, 7), nil)
	require.NoError(t, err)
	assert.Equal(t, []Address{Worker(1, 2)}, sources(r))

	r, err = f.coordinator.Invoke(simcontext.Background(), AllTests(), nil)
	require.NoError(t, err)
	assert.Equal(t, []Address{Worker(1, 1), Worker(1, 2), Worker(2, 1)}, sources(r))
}

func TestNode_WildcardFanOut(t *testing.T) {
	f := newFleet(t, nil)
	tests := map[string]struct {
		destination Address
		want        []Address
	}{
		"all agents":           {AllAgents(), []Address{Agent(1), Agent(2)}},
		"all workers":          {AllWorkers(), []Address{Worker(1, 1), Worker(1, 2), Worker(2, 1)}},
		"all workers of agent": {AllWorkersOfAgent(1), []Address{Worker(1, 1), Worker(1, 2)}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r, err := f.coordinator.Invoke(simcontext.Background(), tc.destination, nil)
			require.NoError(t, err)
			assert.True(t, r.IsSuccess())
			assert.Equal(t, tc.want, sources(r))
		})
	}
}

func TestNode_MissingChild(t *testing.T) {
	f := newFleet(t, nil)
	tests := map[string]struct {
		destination Address
		source      Address
		want        ResponseType
	}{
		"agent":            {Agent(9), Agent(9), FailureAgentNotFound},
		"worker":           {Worker(1, 9), Worker(1, 9), FailureWorkerNotFound},
		"worker of agent9": {Worker(9, 1), Agent(9), FailureAgentNotFound},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r, err := f.coordinator.Invoke(simcontext.Background(), tc.destination, nil)
			require.NoError(t, err)
			require.Len(t, r.Parts, 1)
			assert.Equal(t, tc.source, r.Parts[0].Source)
			assert.Equal(t, tc.want, r.Parts[0].Type)
		})
	}
}

func TestNode_NoParent(t *testing.T) {
	orphan := newTestNode(t, Agent(1), nil, time.Second)
	r, err := orphan.Invoke(simcontext.Background(), Coordinator(), nil)
	require.NoError(t, err)
	require.Len(t, r.Parts, 1)
	assert.Equal(t, FailureCoordinatorNotFound, r.Parts[0].Type)
}

func TestNode_FanOutWithTimedOutChild(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := ProcessorFunc(func(ctx *simcontext.Context, msg *Message) ([]byte, error) {
		<-block
		return nil, nil
	})
	f := newFleet(t, map[Address]Processor{Agent(2): stuck})

	start := time.Now()
	r, err := f.coordinator.Invoke(simcontext.Background(), AllAgents(), nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, r.Parts, 2)
	assert.Equal(t, ResponsePart{Source: Agent(1), Type: Success, Payload: []byte("C_A1")}, r.Parts[0])
	assert.Equal(t, Agent(2), r.Parts[1].Source)
	assert.Equal(t, Timeout, r.Parts[1].Type)
	assert.False(t, r.IsSuccess())
	assert.Contains(t, r.Err().Error(), "C_A2: Timeout")
}

func TestNode_FanOutNamesTimedOutWorker(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := ProcessorFunc(func(ctx *simcontext.Context, msg *Message) ([]byte, error) {
		<-block
		return nil, nil
	})
	f := newFleet(t, map[Address]Processor{Worker(1, 2): stuck})

	for i := 0; i < 5; i++ {
		r, err := f.coordinator.Invoke(simcontext.Background(), AllWorkers(), nil)
		require.NoError(t, err)
		require.Equal(t, []Address{Worker(1, 1), Worker(1, 2), Worker(2, 1)}, sources(r))
		assert.Equal(t, Success, r.Parts[0].Type)
		assert.Equal(t, Timeout, r.Parts[1].Type)
		assert.Equal(t, Success, r.Parts[2].Type)
	}
}

func TestNode_RelayTimeoutShrinksWithEveryHop(t *testing.T) {
	n := newTestNode(t, Agent(1), nil, time.Second)
	tests := map[string]struct {
		source Address
		want   time.Duration
	}{
		"originated locally":   {Agent(1), time.Second},
		"from the coordinator": {Coordinator(), 900 * time.Millisecond},
		"from own worker":      {Worker(1, 3), 900 * time.Millisecond},
		"from other agent":     {Agent(2), 800 * time.Millisecond},
		"from other worker":    {Worker(2, 1), 700 * time.Millisecond},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, n.relayTimeout(&Message{Source: tc.source}))
		})
	}
}

func TestNode_FanOutWithLostChild(t *testing.T) {
	f := newFleet(t, nil)
	lost, ok := f.agents[1].Connections().Child(2)
	require.True(t, ok)
	require.NoError(t, lost.Close())
	assert.Eventually(t, func() bool { return f.agents[1].Connections().ChildCount() == 1 }, time.Second, time.Millisecond)

	r, err := f.coordinator.Invoke(simcontext.Background(), AllWorkers(), nil)
	require.NoError(t, err)
	assert.Equal(t, []Address{Worker(1, 1), Worker(2, 1)}, sources(r))

	r, err = f.coordinator.Invoke(simcontext.Background(), Worker(1, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, FailureWorkerNotFound, r.Parts[0].Type)
}

func TestNode_ProcessorErrors(t *testing.T) {
	processors := map[Address]Processor{
		Worker(1, 1): ProcessorFunc(func(ctx *simcontext.Context, msg *Message) ([]byte, error) {
			return nil, errors.WithStack(&simerrors.ErrUnsupportedOperation{Operation: "Foo", Address: "C_A1_W1"})
		}),
		Worker(1, 2): ProcessorFunc(func(ctx *simcontext.Context, msg *Message) ([]byte, error) {
			return nil, errors.New("boom")
		}),
		Worker(2, 1): ProcessorFunc(func(ctx *simcontext.Context, msg *Message) ([]byte, error) {
			panic("worker bug")
		}),
	}
	f := newFleet(t, processors)
	r, err := f.coordinator.Invoke(simcontext.Background(), AllWorkers(), nil)
	require.NoError(t, err)
	require.Len(t, r.Parts, 3)
	assert.Equal(t, UnsupportedOperation, r.Parts[0].Type)
	assert.Equal(t, ExceptionDuringOperationExecution, r.Parts[1].Type)
	assert.Equal(t, "boom", r.Parts[1].Message)
	assert.Equal(t, ExceptionDuringOperationExecution, r.Parts[2].Type)
	assert.Contains(t, r.Parts[2].Message, "worker bug")
}

func TestNode_InvalidDestination(t *testing.T) {
	n := newTestNode(t, Coordinator(), nil, time.Second)
	_, err := n.Invoke(simcontext.Background(), Address{Wildcard, 3, NotApplicable}, nil)
	assert.Error(t, err)
}

func TestResponseTypeFromError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want ResponseType
	}{
		"nil":             {nil, Success},
		"unsupported":     {&simerrors.ErrUnsupportedOperation{}, UnsupportedOperation},
		"test not found":  {errors.WithStack(&simerrors.ErrNotFound{Type: "test"}), FailureTestNotFound},
		"other not found": {&simerrors.ErrNotFound{Type: "probe"}, ExceptionDuringOperationExecution},
		"timeout":         {&simerrors.ErrTimeout{}, Timeout},
		"connection lost": {errors.WithMessage(&simerrors.ErrConnectionLost{}, "x"), ConnectionLost},
		"generic":         {errors.New("foo"), ExceptionDuringOperationExecution},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResponseTypeFromError(tc.err))
		})
	}
}

func TestResponseEncoding(t *testing.T) {
	r := NewResponse(
		ResponsePart{Source: Worker(1, 1), Type: Timeout, Message: "slow"},
		ResponsePart{Source: Agent(1), Type: Success, Payload: []byte("{}")},
	)
	r.Sort()
	data, err := EncodeResponse(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"source":"C_A1_W1"`)
	assert.Contains(t, string(data), `"type":"Timeout"`)

	decoded, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
	assert.Equal(t, Agent(1), decoded.Parts[0].Source)

	_, err = DecodeResponse([]byte("not json"))
	assert.True(t, simerrors.IsProtocol(err))
}
