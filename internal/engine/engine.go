// Package engine wires the serving pipeline together: placement and pool,
// dispatch router, batching coordinator and gateway.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"predictd/internal/batching"
	"predictd/internal/config"
	"predictd/internal/device"
	"predictd/internal/dispatch"
	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/gateway"
	"predictd/internal/placement"
	"predictd/internal/pool"
	"predictd/internal/worker"
	"predictd/pkg/types"
)

// Overall engine states reported by Status.
const (
	StateStarting = "starting"
	StateReady    = "ready"
	StateDegraded = "degraded"
	StateStopping = "stopping"
)

// Options carries the collaborators that are not plain configuration.
type Options struct {
	Logger    zerolog.Logger
	Publisher pool.EventPublisher
	Prober    device.Prober
	// NewExecutor overrides the executor chosen by cfg.Isolation.
	NewExecutor pool.ExecutorFactory
}

type Engine struct {
	cfg     config.Config
	log     zerolog.Logger
	plan    *placement.Assignment
	pool    *pool.Pool
	router  *dispatch.Router
	created time.Time

	startMu sync.Mutex

	mu       sync.RWMutex
	coord    *batching.Coordinator
	gw       *gateway.Gateway
	started  bool
	stopping bool
}

// New validates cfg, reads the placement assignment and builds the pool and
// router. Workers are not started until Start.
func New(cfg config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.Newf(errs.KindInvalidRequest, "engine config", "%v", err)
	}
	plan, err := placement.Load(cfg.PlacementPath)
	if err != nil {
		return nil, err
	}
	factory := opts.NewExecutor
	if factory == nil {
		factory, err = executorFactory(cfg, opts.Logger)
		if err != nil {
			return nil, err
		}
	}
	p := pool.New(pool.Config{
		Devices:          cfg.Devices,
		ArtifactPath:     cfg.ArtifactPath,
		OutputPrecision:  cfg.OutputPrecision,
		NewExecutor:      factory,
		Prober:           opts.Prober,
		ExecutionTimeout: cfg.ExecutionTimeout.D(),
		LoadTimeout:      cfg.LoadTimeout.D(),
		DrainTimeout:     cfg.DrainTimeout.D(),
		Publisher:        opts.Publisher,
		Logger:           opts.Logger.With().Str("component", "pool").Logger(),
	})
	r := dispatch.New(p, dispatch.Config{
		QueueCapacity: cfg.DispatchQueueCapacity,
		Logger:        opts.Logger.With().Str("component", "dispatch").Logger(),
	})
	return &Engine{cfg: cfg, log: opts.Logger, plan: plan, pool: p, router: r, created: time.Now()}, nil
}

func executorFactory(cfg config.Config, log zerolog.Logger) (pool.ExecutorFactory, error) {
	if cfg.Isolation == config.IsolationThread {
		return func(dev string) worker.Executor {
			return worker.NewThreadExecutor(dev, log.With().Str("device", dev).Logger())
		}, nil
	}
	bin := cfg.WorkerBinary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		bin = self
	}
	return func(dev string) worker.Executor {
		return worker.NewProcessExecutor(worker.ProcessConfig{
			Binary: bin,
			Args:   []string{"worker", "--device", dev, "--log-level", cfg.LogLevel},
			Device: dev,
			Logger: log.With().Str("device", dev).Logger(),
		})
	}, nil
}

// Start loads the workers and opens the batching front end.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	e.mu.RLock()
	started, stopping := e.started, e.stopping
	e.mu.RUnlock()
	if stopping {
		return errs.ShuttingDown("engine start")
	}
	if started {
		return nil
	}
	// Status stays readable while replicas load.
	if err := e.pool.Start(ctx, e.cfg.Replicas(), e.plan); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return errs.ShuttingDown("engine start")
	}
	h := e.pool.Header()
	bc := batching.Config{
		MaxBatchSize: e.cfg.MaxBatchSize,
		MaxBatchWait: e.cfg.MaxBatchWait.D(),
		Sparse:       h.SparseFeatures(),
		PadMissing:   e.cfg.PadMissingFeatures,
		Outputs:      h.Outputs,
		Dense:        h.Dense,
		Logger:       e.log.With().Str("component", "batching").Logger(),
	}
	e.coord = batching.New(batching.DispatchFunc(e.dispatch), bc)
	e.gw = gateway.New(e.coord, gateway.Config{
		RequestTimeout: e.cfg.RequestTimeout.D(),
		Logger:         e.log.With().Str("component", "gateway").Logger(),
	})
	e.started = true
	e.log.Info().
		Str("model_kind", h.ModelKind).
		Str("model_version", h.ModelVersion).
		Str("placement_version", e.plan.Version).
		Int("workers", e.pool.Live()).
		Msg("event=engine_started")
	return nil
}

func (e *Engine) dispatch(b *feature.Batch) (batching.Waiter, error) {
	pd, err := e.router.Dispatch(b)
	if err != nil {
		return nil, err
	}
	return pd, nil
}

// Predict serves one request through the gateway.
func (e *Engine) Predict(ctx context.Context, req types.PredictRequest) (types.PredictResponse, error) {
	e.mu.RLock()
	gw, started, stopping := e.gw, e.started, e.stopping
	e.mu.RUnlock()
	switch {
	case stopping:
		return types.PredictResponse{}, gateway.AsError(errs.ShuttingDown("predict"))
	case !started:
		return types.PredictResponse{}, gateway.AsError(errs.PoolExhausted("engine is starting"))
	}
	return gw.Predict(ctx, req)
}

// Submit exposes the batching coordinator for in-process callers.
func (e *Engine) Submit(ctx context.Context, r *feature.Request) (*batching.Future, error) {
	e.mu.RLock()
	coord := e.coord
	e.mu.RUnlock()
	if coord == nil {
		return nil, errs.PoolExhausted("engine is starting")
	}
	return coord.Submit(ctx, r)
}

// Ready reports whether the engine accepts work.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started && !e.stopping && e.pool.Live() > 0
}

// Reload restarts a failed worker.
func (e *Engine) Reload(ctx context.Context, dev string) error {
	id, err := device.Parse(dev)
	if err != nil {
		return errs.Invalid("device %q: %v", dev, err)
	}
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if !started {
		return errs.PoolExhausted("engine is starting")
	}
	return e.pool.Reload(ctx, id.String())
}

func (e *Engine) Status() types.StatusResponse {
	e.mu.RLock()
	coord, started, stopping := e.coord, e.started, e.stopping
	e.mu.RUnlock()

	now := time.Now()
	st := types.StatusResponse{
		Workers:          e.pool.Status(),
		QueueDepth:       e.router.Depth(),
		QueueCapacity:    e.router.Capacity(),
		PlacementVersion: e.plan.Version,
		UptimeSeconds:    int64(now.Sub(e.created).Seconds()),
		ServerTimeUnix:   now.Unix(),
	}
	if coord != nil {
		st.Groups = coord.Pending()
	}
	if started {
		h := e.pool.Header()
		st.ModelKind, st.ModelVersion = h.ModelKind, h.ModelVersion
	}
	switch {
	case stopping:
		st.State = StateStopping
	case !started:
		st.State = StateStarting
	default:
		st.State = StateReady
		for _, w := range st.Workers {
			if w.State == string(pool.StateFailed) {
				st.State = StateDegraded
				break
			}
		}
	}
	return st
}

// Shutdown flushes open batches, lets queued batches finish and stops the
// workers, in that order.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	coord := e.coord
	e.mu.Unlock()

	e.log.Info().Msg("event=engine_stopping")
	var errsOut []error
	if coord != nil {
		if err := coord.Close(ctx); err != nil {
			errsOut = append(errsOut, fmt.Errorf("batching: %w", err))
		}
	}
	if err := e.router.Close(ctx); err != nil {
		errsOut = append(errsOut, fmt.Errorf("dispatch: %w", err))
	}
	if err := e.pool.Stop(ctx); err != nil {
		errsOut = append(errsOut, fmt.Errorf("pool: %w", err))
	}
	err := errors.Join(errsOut...)
	if err != nil {
		e.log.Warn().Err(err).Msg("event=engine_stopped")
	} else {
		e.log.Info().Msg("event=engine_stopped")
	}
	return err
}
