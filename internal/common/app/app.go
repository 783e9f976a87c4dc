package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/common/simcontext"
)

// CreateContextWithShutdown returns a context that is cancelled when a SIGINT or SIGTERM is received.
// A second signal exits the process immediately.
func CreateContextWithShutdown() *simcontext.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Infof("received %s, shutting down", sig)
		cancel()
		sig = <-signals
		log.Warnf("received %s again, exiting", sig)
		os.Exit(1)
	}()
	return simcontext.New(ctx, log.NewEntry(log.StandardLogger()))
}
