package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"predictd/internal/feature"
	"predictd/internal/pool"
)

// fakePool hands out opaque handles and runs batches through exec.
type fakePool struct {
	mu    sync.Mutex
	free  []*pool.Handle
	total int
	dead  bool
	avail chan struct{}

	exec func(ctx context.Context, b *feature.Batch) (*feature.Output, error)

	running, maxRunning int32
	released            int32
}

func newFakePool(workers int) *fakePool {
	p := &fakePool{total: workers, avail: make(chan struct{}, 1)}
	for i := 0; i < workers; i++ {
		p.free = append(p.free, &pool.Handle{})
	}
	p.exec = func(_ context.Context, b *feature.Batch) (*feature.Output, error) { return echo(b), nil }
	return p
}

func (p *fakePool) Acquire() (*pool.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead || len(p.free) == 0 {
		return nil, false
	}
	h := p.free[0]
	p.free = p.free[1:]
	return h, true
}

func (p *fakePool) Release(h *pool.Handle) {
	atomic.AddInt32(&p.released, 1)
	p.mu.Lock()
	if !p.dead {
		p.free = append(p.free, h)
	}
	p.mu.Unlock()
	p.signal()
}

func (p *fakePool) signal() {
	select {
	case p.avail <- struct{}{}:
	default:
	}
}

func (p *fakePool) Execute(ctx context.Context, _ *pool.Handle, b *feature.Batch) (*feature.Output, error) {
	n := atomic.AddInt32(&p.running, 1)
	defer atomic.AddInt32(&p.running, -1)
	for {
		m := atomic.LoadInt32(&p.maxRunning)
		if n <= m || atomic.CompareAndSwapInt32(&p.maxRunning, m, n) {
			break
		}
	}
	return p.exec(ctx, b)
}

func (p *fakePool) Available() <-chan struct{} { return p.avail }

func (p *fakePool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return 0
	}
	return p.total
}

func (p *fakePool) kill() {
	p.mu.Lock()
	p.dead = true
	p.free = nil
	p.mu.Unlock()
	p.signal()
}

// echo returns, for every row, the first sparse id of that row.
func echo(b *feature.Batch) *feature.Output {
	data := make([]float32, b.Rows)
	col := b.Sparse["product"]
	for i := range data {
		if ids := col.Row(i); len(ids) > 0 {
			data[i] = float32(ids[0])
		}
	}
	return &feature.Output{Rows: b.Rows, Tensors: map[string]feature.Tensor{"score": {Dim: 1, Data: data}}}
}

func batchOf(t *testing.T, id string, ids ...int64) *feature.Batch {
	t.Helper()
	reqs := make([]*feature.Request, len(ids))
	for i, v := range ids {
		reqs[i] = &feature.Request{ID: fmt.Sprintf("%s-%d", id, i), Sparse: map[string][]int64{"product": {v}}}
	}
	b, err := feature.Build(id, feature.SchemaOf(reqs[0]), reqs)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return b
}
