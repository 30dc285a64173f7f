// Package dispatch hands closed batches to idle workers through a bounded
// FIFO queue and demultiplexes their outputs back to requests.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
	"github.com/rs/zerolog"

	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/metrics"
	"predictd/internal/pool"
)

const defaultQueueCapacity = 64

// WorkerPool is the part of the pool the router drives.
type WorkerPool interface {
	Acquire() (*pool.Handle, bool)
	Release(*pool.Handle)
	Execute(ctx context.Context, h *pool.Handle, b *feature.Batch) (*feature.Output, error)
	Available() <-chan struct{}
	Live() int
}

type Config struct {
	QueueCapacity int
	Logger        zerolog.Logger
}

// Router owns the dispatch queue. A single scheduler goroutine moves queued
// batches to workers in arrival order, across all schema groups.
type Router struct {
	pool     WorkerPool
	log      zerolog.Logger
	capacity int

	mu     sync.Mutex
	queue  *circularbuffer.Queue
	closed bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	inflight sync.WaitGroup
}

func New(p WorkerPool, cfg Config) *Router {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	r := &Router{
		pool:     p,
		log:      cfg.Logger,
		capacity: cfg.QueueCapacity,
		queue:    circularbuffer.New(cfg.QueueCapacity),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

// Pending is a dispatched batch awaiting its per-request results.
type Pending struct {
	batch   *feature.Batch
	once    sync.Once
	done    chan struct{}
	results []feature.Result
	err     error
}

func newPending(b *feature.Batch) *Pending {
	return &Pending{batch: b, done: make(chan struct{})}
}

func (p *Pending) resolve(results []feature.Result, err error) {
	p.once.Do(func() {
		p.results, p.err = results, err
		close(p.done)
	})
}

func (p *Pending) Batch() *feature.Batch { return p.batch }

func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the batch completes or ctx ends. results[i] belongs to
// the batch's i-th request.
func (p *Pending) Wait(ctx context.Context) ([]feature.Result, error) {
	select {
	case <-p.done:
		return p.results, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch runs b on an idle worker right away when the queue is empty, or
// queues it. A full queue rejects b immediately with an overloaded error; a
// pool without live workers rejects it as exhausted.
func (r *Router) Dispatch(b *feature.Batch) (*Pending, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errs.ShuttingDown("dispatch")
	}
	if r.pool.Live() == 0 {
		r.mu.Unlock()
		metrics.IncDispatchRejected(string(errs.KindPoolExhausted))
		return nil, errs.PoolExhausted("no live worker")
	}
	pd := newPending(b)
	if r.queue.Empty() {
		if h, ok := r.pool.Acquire(); ok {
			r.inflight.Add(1)
			r.mu.Unlock()
			go r.run(h, pd)
			return pd, nil
		}
	}
	if r.queue.Full() {
		r.mu.Unlock()
		metrics.IncDispatchRejected(string(errs.KindQueueFull))
		r.log.Warn().Str("batch_id", b.ID).Int("capacity", r.capacity).Msg("event=dispatch_rejected reason=queue_full")
		return nil, errs.QueueFull(r.capacity)
	}
	r.queue.Enqueue(pd)
	metrics.SetQueueDepth(r.queue.Size())
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return pd, nil
}

func (r *Router) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case <-r.pool.Available():
		case <-r.wake:
		}
		r.drain()
	}
}

// drain hands queued batches to free workers until either runs out.
func (r *Router) drain() {
	for {
		r.mu.Lock()
		if r.queue.Empty() {
			r.mu.Unlock()
			return
		}
		h, ok := r.pool.Acquire()
		if !ok {
			var dead []*Pending
			if r.pool.Live() == 0 {
				dead = r.takeAllLocked()
			}
			r.mu.Unlock()
			for _, pd := range dead {
				pd.resolve(nil, errs.PoolExhausted("no live worker"))
			}
			return
		}
		v, _ := r.queue.Dequeue()
		metrics.SetQueueDepth(r.queue.Size())
		r.inflight.Add(1)
		r.mu.Unlock()
		go r.run(h, v.(*Pending))
	}
}

func (r *Router) takeAllLocked() []*Pending {
	var out []*Pending
	for !r.queue.Empty() {
		v, _ := r.queue.Dequeue()
		out = append(out, v.(*Pending))
	}
	metrics.SetQueueDepth(0)
	return out
}

// run executes one batch; the worker is released before results fan out.
func (r *Router) run(h *pool.Handle, pd *Pending) {
	defer r.inflight.Done()
	released := false
	defer func() {
		if rec := recover(); rec != nil {
			if !released {
				r.pool.Release(h)
			}
			r.log.Error().Str("batch_id", pd.batch.ID).Interface("panic", rec).Msg("event=dispatch_panic")
			pd.resolve(nil, errs.Newf(errs.KindExecution, "dispatch", "panic: %v", rec).OnDevice(h.Device()))
		}
	}()
	out, err := r.pool.Execute(context.Background(), h, pd.batch)
	r.pool.Release(h)
	released = true
	if err != nil {
		r.log.Warn().Str("batch_id", pd.batch.ID).Str("device", h.Device()).Err(err).Msg("event=batch_failed")
		pd.resolve(nil, err)
		return
	}
	results, err := out.Split(pd.batch)
	if err != nil {
		pd.resolve(nil, errs.New(errs.KindExecution, "split", err).OnDevice(h.Device()))
		return
	}
	pd.resolve(results, nil)
}

// Depth reports queued batches.
func (r *Router) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Size()
}

func (r *Router) Capacity() int { return r.capacity }

// Close stops accepting batches, lets queued ones run until ctx ends, fails
// whatever is still queued with a shutting-down error and waits for
// in-flight batches.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
wait:
	for r.Depth() > 0 {
		select {
		case <-ctx.Done():
			break wait
		case <-tick.C:
		}
	}
	r.mu.Lock()
	left := r.takeAllLocked()
	r.mu.Unlock()
	for _, pd := range left {
		pd.resolve(nil, errs.ShuttingDown("dispatch"))
	}
	close(r.stop)
	<-r.done

	idle := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
