package dispatch

import (
	"golang.org/x/sync/errgroup"
)

// Runner executes asynchronous handlers.
type Runner interface {
	Run(fn func())
}

// GoRunner starts a goroutine per call.
type GoRunner struct{}

func (GoRunner) Run(fn func()) { go fn() }

// PoolRunner bounds the number of concurrently running handlers. Run blocks
// while the pool is full.
type PoolRunner struct {
	g errgroup.Group
}

// NewPoolRunner returns a pool running at most limit handlers at once. A
// limit below one means no bound.
func NewPoolRunner(limit int) *PoolRunner {
	if limit < 1 {
		limit = -1
	}
	r := new(PoolRunner)
	r.g.SetLimit(limit)
	return r
}

func (r *PoolRunner) Run(fn func()) {
	r.g.Go(func() error {
		fn()
		return nil
	})
}

// Wait blocks until every handler started so far has returned.
func (r *PoolRunner) Wait() {
	_ = r.g.Wait()
}
