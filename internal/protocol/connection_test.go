package protocol

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

// echoHandler answers every request with a Success part carrying the request payload.
func echoHandler(c *Connection, msg *Message) {
	_ = c.Reply(msg, NewResponse(ResponsePart{Source: msg.Destination, Type: Success, Payload: msg.Payload}))
}

func connectionPair(t *testing.T, serverHandler RequestHandler) (client *Connection, server *Connection) {
	t.Helper()
	a, b := net.Pipe()
	client = NewConnection(a, Agent(1), ConnectionOptions{})
	server = NewConnection(b, Coordinator(), ConnectionOptions{})
	client.Start(nil)
	server.Start(serverHandler)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestConnection_RequestResponse(t *testing.T) {
	client, _ := connectionPair(t, echoHandler)

	future := client.SendRequest(&Message{Source: Coordinator(), Destination: Agent(1), Payload: []byte("hello")}, time.Second)
	response, err := future.Response(context.Background())
	require.NoError(t, err)
	require.Len(t, response.Parts, 1)
	assert.Equal(t, []byte("hello"), response.Parts[0].Payload)
	assert.Equal(t, 0, client.PendingRequests())
}

func TestConnection_ConcurrentRequestsGetDistinctIds(t *testing.T) {
	client, _ := connectionPair(t, echoHandler)

	const n = 50
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &Message{Source: Coordinator(), Destination: Agent(1)}
			future := client.SendRequest(msg, time.Second)
			ids <- msg.ID
			_, err := future.Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[uint64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestConnection_RequestsAreHandledInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var handled []string
	client, _ := connectionPair(t, func(c *Connection, msg *Message) {
		if string(msg.Payload) == "first" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		handled = append(handled, string(msg.Payload))
		mu.Unlock()
		echoHandler(c, msg)
	})

	first := client.SendRequest(&Message{Source: Coordinator(), Destination: Agent(1), Payload: []byte("first")}, time.Second)
	second := client.SendRequest(&Message{Source: Coordinator(), Destination: Agent(1), Payload: []byte("second")}, time.Second)
	_, err := second.Get(context.Background())
	require.NoError(t, err)
	_, err = first.Get(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, handled)
}

func TestConnection_ResponsesArriveWhileHandlerBlocks(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	a, b := net.Pipe()
	left := NewConnection(a, Agent(1), ConnectionOptions{})
	right := NewConnection(b, Coordinator(), ConnectionOptions{})
	left.Start(echoHandler)
	right.Start(func(c *Connection, msg *Message) {
		<-release
	})
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})

	// right is busy with a request from left, yet still receives the answer to its own request.
	_ = left.SendRequest(&Message{Source: Agent(1), Destination: Coordinator()}, time.Second)
	response, err := right.SendRequest(&Message{Source: Coordinator(), Destination: Agent(1), Payload: []byte("ping")}, time.Second).Response(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), response.Parts[0].Payload)
}

func TestConnection_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client, _ := connectionPair(t, func(c *Connection, msg *Message) {
		go func() {
			<-release
			echoHandler(c, msg)
		}()
	})

	future := client.SendRequest(&Message{Source: Coordinator(), Destination: Agent(1)}, 20*time.Millisecond)
	_, err := future.Get(context.Background())
	var e *simerrors.ErrTimeout
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "C_A1", e.Destination)
	assert.Equal(t, 0, client.PendingRequests())
}

func TestConnection_LateResponseIsIgnored(t *testing.T) {
	requests := make(chan *Message, 1)
	client, server := connectionPair(t, func(c *Connection, msg *Message) {
		requests <- msg
	})

	future := client.SendRequest(&Message{Source: Coordinator(), Destination: Agent(1)}, 20*time.Millisecond)
	request := <-requests
	_, err := future.Get(context.Background())
	require.True(t, simerrors.IsTimeout(err))

	// The answer arrives after the timeout; the outcome of the future does not change.
	require.NoError(t, server.Reply(request, NewResponse(ResponsePart{Source: Agent(1), Type: Success})))
	time.Sleep(20 * time.Millisecond)
	_, err = future.Get(context.Background())
	assert.True(t, simerrors.IsTimeout(err))
	assert.False(t, future.complete(&Message{}, nil))
}

func TestConnection_LossFailsPendingRequests(t *testing.T) {
	received := make(chan struct{}, 3)
	client, server := connectionPair(t, func(c *Connection, msg *Message) {
		received <- struct{}{}
	})

	futures := make([]*Future, 3)
	for i := range futures {
		futures[i] = client.SendRequest(&Message{Source: Coordinator(), Destination: Agent(1)}, time.Minute)
	}
	for range futures {
		<-received
	}
	require.NoError(t, server.Close())

	for _, future := range futures {
		select {
		case <-future.Done():
		case <-time.After(time.Second):
			t.Fatal("pending request was not failed on connection loss")
		}
		_, err := future.Get(context.Background())
		assert.True(t, simerrors.IsConnectionLost(err), "got %v", err)
	}

	// Requests on a closed connection fail immediately.
	<-client.Done()
	_, err := client.SendRequest(&Message{Source: Coordinator(), Destination: Agent(1)}, time.Minute).Get(context.Background())
	assert.True(t, simerrors.IsConnectionLost(err))
	assert.True(t, simerrors.IsConnectionLost(client.Send(&Message{})))
}

func TestConnection_OnClose(t *testing.T) {
	client, _ := connectionPair(t, echoHandler)
	closed := make(chan error, 2)
	client.OnClose(func(c *Connection, err error) { closed <- err })
	require.NoError(t, client.Close())
	assert.True(t, simerrors.IsConnectionLost(<-closed))

	// Registering after close calls back immediately.
	client.OnClose(func(c *Connection, err error) { closed <- err })
	assert.Error(t, <-closed)
}

func TestConnection_ProtocolErrorIsIsolated(t *testing.T) {
	healthy, _ := connectionPair(t, echoHandler)

	a, b := net.Pipe()
	corrupted := NewConnection(a, Agent(2), ConnectionOptions{MaxFrameLength: 64})
	corrupted.Start(echoHandler)
	t.Cleanup(func() { _ = b.Close() })
	pending := corrupted.SendRequest(&Message{Source: Coordinator(), Destination: Agent(2)}, time.Minute)
	go func() {
		// Drain the request, then send an oversized frame.
		buf := make([]byte, 1024)
		_, _ = b.Read(buf)
		_, _ = b.Write(EncodeMessage(&Message{Source: Agent(2), Destination: Coordinator(), IsResponse: true, Payload: make([]byte, 100)}))
	}()

	select {
	case <-corrupted.Done():
	case <-time.After(time.Second):
		t.Fatal("connection was not closed after protocol error")
	}
	assert.True(t, simerrors.IsProtocol(corrupted.Err()))
	_, err := pending.Get(context.Background())
	assert.True(t, simerrors.IsConnectionLost(err))

	response, err := healthy.SendRequest(&Message{Source: Coordinator(), Destination: Agent(1)}, time.Second).Response(context.Background())
	require.NoError(t, err)
	assert.True(t, response.IsSuccess())
}
