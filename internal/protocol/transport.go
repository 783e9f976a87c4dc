package protocol

import (
	"net"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simcontext"
)

type DialOptions struct {
	Attempts uint
	Delay    time.Duration
	Timeout  time.Duration
}

// Dial connects to the TCP endpoint addr, retrying with exponential backoff
// until it succeeds, the attempts are exhausted or ctx ends.
func Dial(ctx *simcontext.Context, addr string, opts DialOptions) (net.Conn, error) {
	if opts.Attempts == 0 {
		opts.Attempts = 10
	}
	if opts.Delay <= 0 {
		opts.Delay = 100 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: opts.Timeout}
	var conn net.Conn
	err := retry.Do(
		func() error {
			c, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Debugf("connecting to %s failed (attempt %d)", addr, n+1)
		}),
	)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not connect to %s", addr)
	}
	return conn, nil
}

// Serve accepts connections on listener and passes each to handle until ctx ends or the listener fails.
func Serve(ctx *simcontext.Context, listener net.Listener, handle func(conn net.Conn)) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithStack(err)
		}
		ctx.Log.Debugf("accepted connection from %s", conn.RemoteAddr())
		handle(conn)
	}
}
