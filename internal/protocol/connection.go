package protocol

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/common/logging"
	"github.com/G-Research/simulator/internal/common/metrics"
	"github.com/G-Research/simulator/internal/common/simerrors"
)

// RequestHandler is called for every request received, in arrival order and one request at a time
// per connection. It may block; responses on the connection are still delivered meanwhile.
type RequestHandler func(c *Connection, msg *Message)

type ConnectionOptions struct {
	// Maximum accepted frame length; DefaultMaxFrameLength if zero.
	MaxFrameLength uint32
	// Capacity of the write queue; 1024 if zero.
	WriteQueueSize int
	Metrics        *metrics.ProtocolMetrics
}

type pendingRequest struct {
	future      *Future
	timer       *time.Timer
	destination Address
	sent        time.Time
}

// Connection is a framed, bidirectional link to one remote node.
// Any number of goroutines may send on a connection concurrently.
type Connection struct {
	remote         Address
	conn           net.Conn
	maxFrameLength uint32
	writeQueue     chan *Message
	metrics        *metrics.ProtocolMetrics
	log            *log.Entry

	nextId atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]*pendingRequest
	closed   bool
	closeErr error
	onClose  []func(c *Connection, err error)
	requests []*Message

	requestReady chan struct{}
	done         chan struct{}
}

// NewConnection wraps conn, whose remote end is the node at remote.
// No data is read or written until Start is called.
func NewConnection(conn net.Conn, remote Address, opts ConnectionOptions) *Connection {
	if opts.MaxFrameLength == 0 {
		opts.MaxFrameLength = DefaultMaxFrameLength
	}
	if opts.WriteQueueSize <= 0 {
		opts.WriteQueueSize = 1024
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewProtocolMetrics(nil)
	}
	return &Connection{
		remote:         remote,
		conn:           conn,
		maxFrameLength: opts.MaxFrameLength,
		writeQueue:     make(chan *Message, opts.WriteQueueSize),
		metrics:        opts.Metrics,
		log:            log.WithField("remote", remote.String()),
		pending:        make(map[uint64]*pendingRequest),
		requestReady:   make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// Start begins reading and writing. Requests received are passed to handler.
func (c *Connection) Start(handler RequestHandler) {
	go c.writeLoop()
	if handler != nil {
		go c.dispatchLoop(handler)
	}
	go c.readLoop(handler != nil)
}

func (c *Connection) Remote() Address {
	return c.remote
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection was closed, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// OnClose registers f to be called once the connection closes.
// If the connection is already closed f is called immediately.
func (c *Connection) OnClose(f func(c *Connection, err error)) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, f)
		c.mu.Unlock()
		return
	}
	err := c.closeErr
	c.mu.Unlock()
	f(c, err)
}

// PendingRequests returns the number of requests awaiting a response.
func (c *Connection) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send queues msg for transmission and returns once it is queued.
func (c *Connection) Send(msg *Message) error {
	select {
	case <-c.done:
		return c.lostError()
	default:
	}
	select {
	case c.writeQueue <- msg:
		return nil
	case <-c.done:
		return c.lostError()
	}
}

// SendRequest assigns msg a fresh id and sends it. The returned future completes with the matching
// response, with an ErrTimeout once timeout elapses, or with an ErrConnectionLost if the connection closes first.
func (c *Connection) SendRequest(msg *Message, timeout time.Duration) *Future {
	msg.ID = c.nextId.Add(1)
	msg.IsResponse = false
	future := newFuture()
	request := &pendingRequest{future: future, destination: msg.Destination, sent: time.Now()}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return completedFuture(c.lostError())
	}
	c.pending[msg.ID] = request
	c.metrics.PendingRequests.Inc()
	if timeout > 0 {
		id := msg.ID
		request.timer = time.AfterFunc(timeout, func() {
			c.failPending(id, errors.WithStack(&simerrors.ErrTimeout{
				MessageId:   id,
				Destination: request.destination.String(),
				Timeout:     timeout,
			}))
		})
	}
	c.mu.Unlock()

	if err := c.Send(msg); err != nil {
		c.failPending(msg.ID, err)
	}
	return future
}

// Reply sends response as the answer to request.
func (c *Connection) Reply(request *Message, response *Response) error {
	payload, err := EncodeResponse(response)
	if err != nil {
		return err
	}
	return c.Send(&Message{
		ID:          request.ID,
		Source:      request.Destination,
		Destination: request.Source,
		IsResponse:  true,
		Payload:     payload,
	})
}

// Close closes the connection and fails every pending request.
func (c *Connection) Close() error {
	c.closeWithError(errors.WithStack(&simerrors.ErrConnectionLost{Remote: c.remote.String(), Message: "closed locally"}))
	return nil
}

func (c *Connection) lostError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil && simerrors.IsConnectionLost(c.closeErr) {
		return c.closeErr
	}
	message := ""
	if c.closeErr != nil {
		message = c.closeErr.Error()
	}
	return errors.WithStack(&simerrors.ErrConnectionLost{Remote: c.remote.String(), Message: message})
}

func (c *Connection) closeWithError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	callbacks := c.onClose
	c.onClose = nil
	close(c.done)
	c.mu.Unlock()

	if closeErr := c.conn.Close(); closeErr != nil {
		c.log.WithError(closeErr).Debug("error closing connection")
	}

	lost := err
	if !simerrors.IsConnectionLost(err) {
		lost = errors.WithStack(&simerrors.ErrConnectionLost{Remote: c.remote.String(), Message: err.Error()})
	}
	for id, request := range pending {
		if request.timer != nil {
			request.timer.Stop()
		}
		c.metrics.PendingRequests.Dec()
		c.metrics.RequestLatency.WithLabelValues("connection_lost").Observe(time.Since(request.sent).Seconds())
		if request.future.complete(nil, lost) {
			c.log.WithField("messageId", id).Debug("failed pending request on connection loss")
		}
	}
	for _, f := range callbacks {
		f(c, err)
	}
}

func (c *Connection) failPending(id uint64, err error) {
	c.mu.Lock()
	request, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if request.timer != nil {
		request.timer.Stop()
	}
	c.metrics.PendingRequests.Dec()
	outcome := "error"
	if simerrors.IsTimeout(err) {
		outcome = "timeout"
	}
	c.metrics.RequestLatency.WithLabelValues(outcome).Observe(time.Since(request.sent).Seconds())
	request.future.complete(nil, err)
}

func (c *Connection) completePending(msg *Message) {
	c.mu.Lock()
	request, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.WithField("messageId", msg.ID).Debug("dropping response to unknown or expired request")
		return
	}
	if request.timer != nil {
		request.timer.Stop()
	}
	c.metrics.PendingRequests.Dec()
	c.metrics.RequestLatency.WithLabelValues("response").Observe(time.Since(request.sent).Seconds())
	request.future.complete(msg, nil)
}

func (c *Connection) readLoop(serveRequests bool) {
	reader := bufio.NewReader(c.conn)
	for {
		msg, err := ReadMessage(reader, c.maxFrameLength)
		if err != nil {
			switch {
			case simerrors.IsProtocol(err):
				c.metrics.ProtocolErrors.Inc()
				var e *simerrors.ErrProtocol
				if errors.As(err, &e) {
					e.Remote = c.remote.String()
				}
				logging.WithStacktrace(c.log, err).Error("closing connection after protocol error")
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				c.log.Debug("connection closed by peer")
			default:
				c.log.WithError(err).Warn("read failed")
			}
			c.closeWithError(err)
			return
		}
		c.metrics.MessagesReceived.WithLabelValues(msg.kind()).Inc()
		if msg.IsResponse {
			c.completePending(msg)
		} else if serveRequests {
			c.enqueueRequest(msg)
		}
	}
}

func (c *Connection) enqueueRequest(msg *Message) {
	c.mu.Lock()
	c.requests = append(c.requests, msg)
	c.mu.Unlock()
	select {
	case c.requestReady <- struct{}{}:
	default:
	}
}

func (c *Connection) nextRequest() (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil, false
	}
	msg := c.requests[0]
	c.requests[0] = nil
	c.requests = c.requests[1:]
	return msg, true
}

// dispatchLoop passes queued requests to handler until the connection closes.
func (c *Connection) dispatchLoop(handler RequestHandler) {
	for {
		select {
		case <-c.done:
			return
		case <-c.requestReady:
		}
		for {
			msg, ok := c.nextRequest()
			if !ok {
				break
			}
			handler(c, msg)
		}
	}
}

func (c *Connection) writeLoop() {
	writer := bufio.NewWriter(c.conn)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.writeQueue:
			if err := WriteMessage(writer, msg); err != nil {
				c.closeWithError(err)
				return
			}
			c.metrics.MessagesSent.WithLabelValues(msg.kind()).Inc()
			if len(c.writeQueue) == 0 {
				if err := writer.Flush(); err != nil {
					c.closeWithError(errors.WithStack(err))
					return
				}
			}
		}
	}
}
