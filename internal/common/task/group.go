package task

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/simulator/internal/common/simcontext"
)

// Group spawns a set of tasks and waits for all of them to finish.
// It is used wherever the same operation is fanned out to many remote components
// (starting agents, connecting to agents, stopping agents, running test cases in parallel).
//
// Unlike a plain errgroup, a failing task does not stop its siblings from running to completion.
type Group struct {
	name  string
	ctx   *simcontext.Context
	g     *errgroup.Group
	mu    sync.Mutex
	errs  *multierror.Error
	count int
}

// NewGroup returns a group whose tasks all run to completion regardless of failures.
func NewGroup(ctx *simcontext.Context, name string) *Group {
	return &Group{
		name: name,
		ctx:  ctx,
		g:    &errgroup.Group{},
	}
}

// SetLimit limits the number of concurrently running tasks. A negative value means no limit.
// Must be called before the first Spawn.
func (g *Group) SetLimit(n int) {
	g.g.SetLimit(n)
}

// Spawn runs f in a new goroutine. Panics are recovered and reported as errors.
func (g *Group) Spawn(f func(ctx *simcontext.Context) error) {
	g.mu.Lock()
	g.count++
	id := g.count
	g.mu.Unlock()
	g.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("%s task %d panicked: %v", g.name, id, r)
			}
			if err != nil {
				g.mu.Lock()
				g.errs = multierror.Append(g.errs, err)
				g.mu.Unlock()
			}
		}()
		return f(g.ctx)
	})
}

// Wait blocks until every spawned task has finished and returns the first error.
func (g *Group) Wait() error {
	err := g.g.Wait()
	if err != nil {
		return errors.WithMessage(err, fmt.Sprintf("%s failed", g.name))
	}
	return nil
}

// WaitAll blocks until every spawned task has finished and returns all errors combined.
func (g *Group) WaitAll() error {
	_ = g.g.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errs.ErrorOrNil()
}
