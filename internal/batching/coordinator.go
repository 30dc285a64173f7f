// Package batching groups incoming requests by feature schema and closes a
// group's open batch when it is full or its wait window expires.
package batching

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/metrics"
	"predictd/pkg/types"
)

const (
	defaultMaxBatchSize = 32
	defaultMaxBatchWait = 2 * time.Millisecond
)

// Waiter is a dispatched batch.
type Waiter interface {
	Wait(ctx context.Context) ([]feature.Result, error)
}

// Dispatcher accepts closed batches.
type Dispatcher interface {
	Dispatch(b *feature.Batch) (Waiter, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(b *feature.Batch) (Waiter, error)

func (f DispatchFunc) Dispatch(b *feature.Batch) (Waiter, error) { return f(b) }

type Config struct {
	MaxBatchSize int
	MaxBatchWait time.Duration
	// Sparse, when set, is the model's sparse feature set; requests naming
	// any other sparse feature are rejected. With PadMissing, requests
	// lacking some of them are padded with empty lists.
	Sparse     []string
	PadMissing bool
	// Outputs and Dense, when set, restrict what requests may ask for.
	Outputs []string
	Dense   []feature.DenseSpec
	Logger  zerolog.Logger
}

type Coordinator struct {
	cfg     Config
	d       Dispatcher
	log     zerolog.Logger
	sparse  map[string]struct{}
	outputs map[string]struct{}
	dense   map[string]int

	mu     sync.RWMutex
	groups map[string]*group
	closed bool

	wg sync.WaitGroup
}

// group is one schema's open batch. Closing detaches the open batch and
// leaves none; the next join opens a fresh one.
type group struct {
	key    string
	schema feature.Schema

	mu   sync.Mutex
	open *openBatch
	gen  uint64
}

type openBatch struct {
	gen     uint64
	futures []*Future
	timer   *time.Timer
	opened  time.Time
}

func New(d Dispatcher, cfg Config) *Coordinator {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	c := &Coordinator{cfg: cfg, d: d, log: cfg.Logger, groups: map[string]*group{}}
	if len(cfg.Sparse) > 0 {
		c.sparse = map[string]struct{}{}
		for _, name := range cfg.Sparse {
			c.sparse[name] = struct{}{}
		}
	}
	if len(cfg.Outputs) > 0 {
		c.outputs = map[string]struct{}{}
		for _, o := range cfg.Outputs {
			c.outputs[o] = struct{}{}
		}
	}
	if len(cfg.Dense) > 0 {
		c.dense = map[string]int{}
		for _, d := range cfg.Dense {
			c.dense[d.Name] = d.Width
		}
	}
	return c
}

// Submit validates r and joins it to its schema group's open batch. It never
// blocks on execution; the returned Future resolves later.
func (c *Coordinator) Submit(ctx context.Context, r *feature.Request) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New(errs.KindCancelled, "submit", err)
	}
	if err := r.Validate(); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "submit", err)
	}
	req := r.Clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := c.check(req); err != nil {
		return nil, err
	}
	schema := feature.SchemaOf(req)
	key := schema.Key()

	c.mu.RLock()
	defer c.mu.RUnlock()
	g, err := c.group(key, schema)
	if err != nil {
		return nil, err
	}
	f := newFuture(req, g)

	g.mu.Lock()
	if g.open == nil {
		g.gen++
		gen := g.gen
		g.open = &openBatch{gen: gen, opened: time.Now()}
		g.open.timer = time.AfterFunc(c.cfg.MaxBatchWait, func() { c.expire(g, gen) })
	}
	g.open.futures = append(g.open.futures, f)
	var full *openBatch
	if len(g.open.futures) >= c.cfg.MaxBatchSize {
		full = g.detachLocked()
	}
	g.mu.Unlock()

	if full != nil {
		c.dispatch(g, full, "size")
	}
	return f, nil
}

func (c *Coordinator) check(req *feature.Request) error {
	if c.sparse != nil {
		for name := range req.Sparse {
			if _, ok := c.sparse[name]; !ok {
				return errs.Invalid("unknown sparse feature %q", name)
			}
		}
		if c.cfg.PadMissing {
			if err := req.Pad(c.cfg.Sparse); err != nil {
				return errs.New(errs.KindInvalidRequest, "submit", err)
			}
		}
	}
	if c.outputs != nil {
		for _, o := range req.Outputs {
			if _, ok := c.outputs[o]; !ok {
				return errs.Invalid("unknown output %q", o)
			}
		}
	}
	if c.dense != nil {
		for name, v := range req.Dense {
			w, ok := c.dense[name]
			if !ok {
				return errs.Invalid("unknown dense feature %q", name)
			}
			if len(v) != w {
				return errs.Invalid("dense feature %q has width %d, want %d", name, len(v), w)
			}
		}
	}
	return nil
}

// group returns the group for key, creating it. Callers hold c.mu for
// reading; it is briefly upgraded when the group is new.
func (c *Coordinator) group(key string, schema feature.Schema) (*group, error) {
	if c.closed {
		return nil, errs.ShuttingDown("submit")
	}
	if g := c.groups[key]; g != nil {
		return g, nil
	}
	c.mu.RUnlock()
	c.mu.Lock()
	g := c.groups[key]
	if g == nil && !c.closed {
		g = &group{key: key, schema: schema}
		c.groups[key] = g
	}
	c.mu.Unlock()
	c.mu.RLock()
	if c.closed {
		return nil, errs.ShuttingDown("submit")
	}
	return g, nil
}

// detachLocked closes the open batch: no request can join or leave it after
// this point. Callers hold g.mu.
func (g *group) detachLocked() *openBatch {
	ob := g.open
	g.open = nil
	ob.timer.Stop()
	for _, f := range ob.futures {
		f.batched = true
	}
	return ob
}

// expire is the wait-window timer. A timer whose batch already closed finds
// a different generation (or none) and does nothing.
func (c *Coordinator) expire(g *group, gen uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g.mu.Lock()
	if g.open == nil || g.open.gen != gen {
		g.mu.Unlock()
		return
	}
	ob := g.detachLocked()
	g.mu.Unlock()
	c.dispatch(g, ob, "timer")
}

func (c *Coordinator) dispatch(g *group, ob *openBatch, reason string) {
	if len(ob.futures) == 0 {
		return
	}
	reqs := make([]*feature.Request, len(ob.futures))
	for i, f := range ob.futures {
		reqs[i] = f.req
	}
	b, err := feature.Build(uuid.NewString(), g.schema, reqs)
	if err != nil {
		failAll(ob.futures, errs.New(errs.KindExecution, "build batch", err))
		return
	}
	b.CreatedAt = ob.opened
	metrics.ObserveBatch(b.Size(), reason)
	c.log.Debug().Str("group", g.schema.ID()).Str("batch_id", b.ID).Int("size", b.Size()).Str("reason", reason).Msg("event=batch_closed")

	w, err := c.d.Dispatch(b)
	if err != nil {
		failAll(ob.futures, err)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		results, err := w.Wait(context.Background())
		if err == nil && len(results) != len(ob.futures) {
			err = errs.Newf(errs.KindExecution, "demux", "%d results for %d requests", len(results), len(ob.futures))
		}
		if err != nil {
			failAll(ob.futures, err)
			return
		}
		for i, f := range ob.futures {
			f.resolve(results[i], nil)
		}
	}()
}

func failAll(fs []*Future, err error) {
	for _, f := range fs {
		f.resolve(feature.Result{RequestID: f.req.ID}, err)
	}
}

// Pending reports open-batch sizes per schema group, ordered by key.
func (c *Coordinator) Pending() []types.GroupStatus {
	c.mu.RLock()
	groups := make([]*group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.RUnlock()
	out := make([]types.GroupStatus, 0, len(groups))
	for _, g := range groups {
		g.mu.Lock()
		n := 0
		if g.open != nil {
			n = len(g.open.futures)
		}
		g.mu.Unlock()
		out = append(out, types.GroupStatus{Schema: g.key, Pending: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Schema < out[j].Schema })
	return out
}

// Close rejects new submissions, dispatches every open batch and waits for
// dispatched batches to resolve their futures.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, g := range c.groups {
		g.mu.Lock()
		var ob *openBatch
		if g.open != nil {
			ob = g.detachLocked()
		}
		g.mu.Unlock()
		if ob != nil {
			c.dispatch(g, ob, "flush")
		}
	}
	c.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
