package batching

import (
	"context"
	"sync"

	"predictd/internal/errs"
	"predictd/internal/feature"
)

// Future is the handle returned by Submit. It resolves exactly once, to a
// Result or an error.
type Future struct {
	req *feature.Request
	g   *group

	// batched is guarded by g.mu; once set the request can no longer be
	// cancelled.
	batched bool

	once   sync.Once
	done   chan struct{}
	result feature.Result
	err    error
}

func newFuture(req *feature.Request, g *group) *Future {
	return &Future{req: req, g: g, done: make(chan struct{})}
}

func (f *Future) resolve(res feature.Result, err error) {
	f.once.Do(func() {
		f.result, f.err = res, err
		close(f.done)
	})
}

// ID is the request id (generated when the caller left it empty).
func (f *Future) ID() string { return f.req.ID }

func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome; it must only be called after Done is closed.
func (f *Future) Result() (feature.Result, error) { return f.result, f.err }

// Await waits for the outcome or ctx, whichever comes first. Giving up on
// ctx does not cancel the request.
func (f *Future) Await(ctx context.Context) (feature.Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return feature.Result{}, ctx.Err()
	}
}

// Cancel removes the request from its open batch. It reports false once the
// batch has closed; the request then runs with its batch.
func (f *Future) Cancel() bool {
	g := f.g
	g.mu.Lock()
	if f.batched || g.open == nil {
		g.mu.Unlock()
		return false
	}
	ob := g.open
	idx := -1
	for i, o := range ob.futures {
		if o == f {
			idx = i
			break
		}
	}
	if idx < 0 {
		g.mu.Unlock()
		return false
	}
	ob.futures = append(ob.futures[:idx], ob.futures[idx+1:]...)
	if len(ob.futures) == 0 {
		ob.timer.Stop()
		g.open = nil
	}
	g.mu.Unlock()
	f.resolve(feature.Result{RequestID: f.req.ID}, errs.New(errs.KindCancelled, "cancel", nil))
	return true
}
