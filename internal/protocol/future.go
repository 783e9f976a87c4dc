package protocol

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Future is the single-assignment result of a request. The first completion wins;
// later completions are ignored.
type Future struct {
	once     sync.Once
	done     chan struct{}
	response *Message
	err      error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// completedFuture returns a future that has already failed with err.
func completedFuture(err error) *Future {
	f := newFuture()
	f.complete(nil, err)
	return f
}

// complete sets the result of f. Returns false if f was already complete.
func (f *Future) complete(response *Message, err error) bool {
	completed := false
	f.once.Do(func() {
		f.response = response
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future is complete.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future completes or ctx is done.
func (f *Future) Get(ctx context.Context) (*Message, error) {
	select {
	case <-f.done:
		return f.response, f.err
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

// Response waits for the future and decodes the response it carries.
func (f *Future) Response(ctx context.Context) (*Response, error) {
	msg, err := f.Get(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(msg.Payload)
}
