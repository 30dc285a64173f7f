// Package pool manages the execution workers: one per device, each holding a
// full model replica and running at most one batch at a time.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"predictd/internal/artifact"
	"predictd/internal/device"
	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/metrics"
	"predictd/internal/placement"
	"predictd/internal/worker"
	"predictd/pkg/types"
)

// State is a worker lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateDraining State = "draining"
	StateFailed   State = "failed"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultExecutionTimeout = 5 * time.Second
	defaultLoadTimeout      = 60 * time.Second
	defaultDrainTimeout     = 30 * time.Second
)

// Handle is the pool's view of one worker. It is owned either by the free
// list or by exactly one in-flight dispatch.
type Handle struct {
	device   string
	exec     worker.Executor
	state    State
	inflight string
	failure  string
	loads    int
	lastUsed time.Time
	info     worker.LoadInfo
}

func (h *Handle) Device() string { return h.device }

// ExecutorFactory builds the executor for one device.
type ExecutorFactory func(device string) worker.Executor

// Config encapsulates all tunables for Pool construction.
type Config struct {
	Devices         []string
	ArtifactPath    string
	OutputPrecision string
	NewExecutor     ExecutorFactory
	Prober          device.Prober

	ExecutionTimeout time.Duration
	LoadTimeout      time.Duration
	DrainTimeout     time.Duration

	Publisher EventPublisher
	Logger    zerolog.Logger
}

type Pool struct {
	cfg Config
	pub EventPublisher
	log zerolog.Logger

	mu       sync.Mutex
	handles  []*Handle
	byDevice map[string]*Handle
	free     []*Handle
	header   artifact.Header
	plan     *placement.Assignment
	started  bool
	stopping bool

	avail chan struct{}
}

func New(cfg Config) *Pool {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaultExecutionTimeout
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Prober == nil {
		cfg.Prober = device.SystemProber{}
	}
	if cfg.NewExecutor == nil {
		log := cfg.Logger
		cfg.NewExecutor = func(dev string) worker.Executor { return worker.NewThreadExecutor(dev, log) }
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Pool{
		cfg:      cfg,
		pub:      pub,
		log:      cfg.Logger,
		byDevice: map[string]*Handle{},
		avail:    make(chan struct{}, 1),
	}
}

// Start brings up replicaCount workers on the first replicaCount configured
// devices and loads them concurrently. It fails when no device is reachable,
// when every worker fails to load, or when some table of plan ends up hosted
// by no ready worker.
func (p *Pool) Start(ctx context.Context, replicaCount int, plan *placement.Assignment) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	if replicaCount <= 0 || replicaCount > len(p.cfg.Devices) {
		return errs.Newf(errs.KindNoDevice, "pool start", "replica count %d with %d configured devices", replicaCount, len(p.cfg.Devices))
	}
	if plan == nil {
		return errs.Newf(errs.KindPlacementMismatch, "pool start", "no placement assignment")
	}
	art, err := artifact.Load(p.cfg.ArtifactPath)
	if err != nil {
		return err
	}
	devices := p.cfg.Devices[:replicaCount]
	if err := plan.Check(art.Header.TableShapes(), devices); err != nil {
		return err
	}

	handles := make([]*Handle, 0, len(devices))
	var reachable []*Handle
	for _, d := range devices {
		h := &Handle{device: d, state: StateStarting, exec: p.cfg.NewExecutor(d)}
		handles = append(handles, h)
		if err := p.probe(ctx, d); err != nil {
			h.state, h.failure = StateFailed, err.Error()
			p.log.Warn().Str("device", d).Err(err).Msg("event=device_unreachable")
			p.pub.Publish(Event{Name: "worker_unreachable", Device: d, Fields: map[string]any{"error": err.Error()}})
			continue
		}
		reachable = append(reachable, h)
	}

	p.mu.Lock()
	p.header, p.plan = art.Header, plan
	p.handles = handles
	for _, h := range handles {
		p.byDevice[h.device] = h
		metrics.SetWorkerState(h.device, string(h.state))
	}
	p.mu.Unlock()

	if len(reachable) == 0 {
		p.abort()
		return errs.Newf(errs.KindNoDevice, "pool start", "none of %v is reachable", devices)
	}

	var g errgroup.Group
	for _, h := range reachable {
		h := h
		g.Go(func() error {
			p.load(ctx, h)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	ready := map[string]bool{}
	for _, h := range p.handles {
		if h.state == StateReady {
			ready[h.device] = true
		}
	}
	p.mu.Unlock()
	if len(ready) == 0 {
		p.abort()
		return errs.Newf(errs.KindPoolExhausted, "pool start", "every worker failed to load")
	}
	for _, name := range plan.TableNames() {
		hosted := false
		for _, s := range plan.Tables[name].Shards {
			if ready[s.Device] {
				hosted = true
				break
			}
		}
		if !hosted {
			p.abort()
			return errs.Newf(errs.KindPlacementMismatch, "pool start", "table %q is hosted by no ready worker", name)
		}
	}
	p.log.Info().Int("ready", len(ready)).Int("workers", len(handles)).Str("placement", plan.Version).Msg("event=pool_started")
	return nil
}

func (p *Pool) probe(ctx context.Context, dev string) error {
	id, err := device.Parse(dev)
	if err != nil {
		return err
	}
	return p.cfg.Prober.Probe(ctx, id)
}

// load runs one replica load and moves h to Ready or Failed.
func (p *Pool) load(ctx context.Context, h *Handle) {
	p.pub.Publish(Event{Name: "worker_load_start", Device: h.device})
	lctx, cancel := context.WithTimeout(ctx, p.cfg.LoadTimeout)
	defer cancel()
	start := time.Now()
	info, err := h.exec.Load(lctx, worker.LoadSpec{
		ArtifactPath:    p.cfg.ArtifactPath,
		Device:          h.device,
		Shards:          p.plan.ShardsOn(h.device),
		OutputPrecision: p.cfg.OutputPrecision,
	})
	if err != nil {
		metrics.IncWorkerLoad(h.device, "failed")
		p.fail(h, err)
		return
	}
	metrics.IncWorkerLoad(h.device, "ok")
	p.mu.Lock()
	h.info = info
	h.loads++
	h.failure = ""
	p.setStateLocked(h, StateReady)
	p.free = append(p.free, h)
	p.mu.Unlock()
	p.signal()
	p.log.Info().Str("device", h.device).Int("pid", info.PID).Dur("took", time.Since(start)).Msg("event=worker_ready")
	p.pub.Publish(Event{Name: "worker_ready", Device: h.device, Fields: map[string]any{"pid": info.PID, "model_version": info.ModelVersion}})
}

// fail marks h Failed. Failed is terminal until an explicit Reload.
func (p *Pool) fail(h *Handle, err error) {
	p.mu.Lock()
	h.failure = err.Error()
	p.setStateLocked(h, StateFailed)
	p.mu.Unlock()
	p.signal()
	p.log.Error().Str("device", h.device).Err(err).Msg("event=worker_failed")
	p.pub.Publish(Event{Name: "worker_failed", Device: h.device, Fields: map[string]any{"error": err.Error(), "kind": string(errs.KindOf(err))}})
}

func (p *Pool) setStateLocked(h *Handle, s State) {
	h.state = s
	metrics.SetWorkerState(h.device, string(s))
}

// signal notes a state change without blocking.
func (p *Pool) signal() {
	select {
	case p.avail <- struct{}{}:
	default:
	}
}

// abort closes every executor after a failed Start.
func (p *Pool) abort() {
	p.mu.Lock()
	handles := p.handles
	p.handles, p.free = nil, nil
	p.byDevice = map[string]*Handle{}
	p.mu.Unlock()
	for _, h := range handles {
		_ = h.exec.Close()
		metrics.ForgetWorker(h.device)
	}
}

// Available is signalled whenever a worker changes state in a way that may
// let a waiting dispatcher make progress.
func (p *Pool) Available() <-chan struct{} { return p.avail }

// Acquire takes a Ready worker, marking it Busy. It never blocks.
func (p *Pool) Acquire() (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping || len(p.free) == 0 {
		return nil, false
	}
	h := p.free[0]
	p.free = p.free[1:]
	p.setStateLocked(h, StateBusy)
	return h, true
}

// Release returns h after a dispatch. A failed worker stays failed.
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	h.inflight = ""
	h.lastUsed = time.Now()
	ready := false
	if h.state == StateBusy {
		if p.stopping {
			p.setStateLocked(h, StateDraining)
		} else {
			p.setStateLocked(h, StateReady)
			p.free = append(p.free, h)
			ready = true
		}
	}
	p.mu.Unlock()
	if ready {
		p.signal()
	}
}

// Execute runs b on h with the configured execution timeout. Any failure,
// timeout included, marks h Failed; the pool size is unchanged.
func (p *Pool) Execute(ctx context.Context, h *Handle, b *feature.Batch) (*feature.Output, error) {
	p.mu.Lock()
	h.inflight = b.ID
	p.mu.Unlock()

	ectx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	defer cancel()
	start := time.Now()
	out, err := h.exec.Execute(ectx, b)
	if err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.New(errs.KindExecution, "execute", err).OnDevice(h.device)
		}
		metrics.ObserveExecution(h.device, string(errs.KindOf(err)), time.Since(start))
		p.fail(h, err)
		return nil, err
	}
	metrics.ObserveExecution(h.device, "ok", time.Since(start))
	return out, nil
}

// Live counts workers that are not failed, draining or removed.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.handles {
		switch h.state {
		case StateStarting, StateReady, StateBusy:
			n++
		}
	}
	return n
}

// Reload re-validates a Failed, released worker: probe, then a fresh
// replica load.
func (p *Pool) Reload(ctx context.Context, dev string) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return errs.ShuttingDown("reload")
	}
	h := p.byDevice[dev]
	if h == nil {
		p.mu.Unlock()
		return errs.Newf(errs.KindInvalidRequest, "reload", "unknown device %q", dev)
	}
	if h.state != StateFailed {
		state := h.state
		p.mu.Unlock()
		return errs.Newf(errs.KindInvalidRequest, "reload", "worker %s is %s, only failed workers are reloaded", dev, state)
	}
	// A failed batch still owns h until its dispatcher releases it.
	if h.inflight != "" {
		batch := h.inflight
		p.mu.Unlock()
		return errs.Newf(errs.KindInvalidRequest, "reload", "worker %s has not released batch %s", dev, batch)
	}
	p.setStateLocked(h, StateStarting)
	p.mu.Unlock()

	p.pub.Publish(Event{Name: "worker_reload", Device: dev})
	if err := p.probe(ctx, dev); err != nil {
		p.fail(h, err)
		return errs.New(errs.KindNoDevice, "reload", err).OnDevice(dev)
	}
	p.load(ctx, h)

	p.mu.Lock()
	defer p.mu.Unlock()
	if h.state == StateFailed {
		return errs.Newf(errs.KindArtifactLoad, "reload", "%s", h.failure).OnDevice(dev)
	}
	return nil
}

// Stop drains the pool: no new acquisitions, in-flight batches get up to
// DrainTimeout to finish, then every executor is closed and removed.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	for _, h := range p.handles {
		if h.state == StateReady || h.state == StateBusy {
			p.setStateLocked(h, StateDraining)
		}
	}
	p.free = nil
	p.mu.Unlock()
	p.pub.Publish(Event{Name: "drain_start"})

	var err error
	deadline := time.Now().Add(p.cfg.DrainTimeout)
wait:
	for {
		n := p.inflight()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			p.pub.Publish(Event{Name: "drain_timeout", Fields: map[string]any{"inflight": n}})
			err = errs.Newf(errs.KindShuttingDown, "pool stop", "%d batches still in flight after %s", n, p.cfg.DrainTimeout)
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break wait
		case <-time.After(10 * time.Millisecond):
		}
	}

	p.mu.Lock()
	handles := p.handles
	p.handles = nil
	p.byDevice = map[string]*Handle{}
	p.mu.Unlock()
	for _, h := range handles {
		if cerr := h.exec.Close(); cerr != nil {
			p.log.Warn().Str("device", h.device).Err(cerr).Msg("event=worker_close_error")
		}
		metrics.ForgetWorker(h.device)
		p.pub.Publish(Event{Name: "worker_drained", Device: h.device})
	}
	p.signal()
	p.log.Info().Int("workers", len(handles)).Msg("event=pool_stopped")
	return err
}

func (p *Pool) inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.handles {
		if h.inflight != "" {
			n++
		}
	}
	return n
}

// Header returns the served artifact header; valid after Start.
func (p *Pool) Header() artifact.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header
}

// Placement returns the assignment the pool was started with.
func (p *Pool) Placement() *placement.Assignment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plan
}

// Status builds a per-worker snapshot for /status, ordered by device.
func (p *Pool) Status() []types.WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.WorkerStatus, 0, len(p.handles))
	for _, h := range p.handles {
		ws := types.WorkerStatus{
			Device:        h.device,
			State:         string(h.state),
			InflightBatch: h.inflight,
			Failure:       h.failure,
			Loads:         h.loads,
			ModelVersion:  h.info.ModelVersion,
			Resident:      h.info.Resident,
			PID:           h.info.PID,
		}
		if !h.lastUsed.IsZero() {
			ws.LastUsed = h.lastUsed.Unix()
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}
