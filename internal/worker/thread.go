package worker

import (
	"context"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"predictd/internal/errs"
	"predictd/internal/feature"
)

// ThreadExecutor runs the replica on a dedicated goroutine locked to one OS
// thread. A timed-out call abandons the thread: it is left to finish and a
// fresh one is started by the next Load.
type ThreadExecutor struct {
	device string
	log    zerolog.Logger

	mu     sync.Mutex
	th     *hostThread
	loaded bool
}

type hostThread struct {
	host  *Host
	calls chan func()
}

func NewThreadExecutor(device string, log zerolog.Logger) *ThreadExecutor {
	return &ThreadExecutor{device: device, log: log}
}

func startHostThread(log zerolog.Logger) *hostThread {
	th := &hostThread{host: NewHost(log), calls: make(chan func())}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		for fn := range th.calls {
			fn()
		}
	}()
	return th
}

// run executes fn on the locked thread, giving up when ctx ends.
func (th *hostThread) run(ctx context.Context, fn func()) bool {
	done := make(chan struct{})
	select {
	case th.calls <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *ThreadExecutor) Load(ctx context.Context, spec LoadSpec) (LoadInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abandonLocked()
	th := startHostThread(t.log)
	t.th = th
	var (
		info LoadInfo
		err  error
	)
	if !th.run(ctx, func() { info, err = th.host.Load(ctx, spec) }) {
		t.abandonLocked()
		return LoadInfo{}, errs.Newf(errs.KindArtifactLoad, "load", "load did not finish: %v", ctx.Err()).OnDevice(t.device)
	}
	if err != nil {
		return LoadInfo{}, err
	}
	t.loaded = true
	return info, nil
}

func (t *ThreadExecutor) Execute(ctx context.Context, b *feature.Batch) (*feature.Output, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.th == nil || !t.loaded {
		return nil, errs.Newf(errs.KindExecution, "execute", "worker not loaded").OnDevice(t.device)
	}
	th := t.th
	var (
		out *feature.Output
		err error
	)
	if !th.run(ctx, func() { out, err = th.host.Execute(ctx, b) }) {
		t.log.Warn().Str("device", t.device).Str("batch_id", b.ID).Msg("event=thread_abandoned reason=deadline")
		t.abandonLocked()
		return nil, timeoutErr(ctx, t.device)
	}
	return out, err
}

func (t *ThreadExecutor) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abandonLocked()
	return nil
}

// abandonLocked stops feeding the current thread; it exits once its
// in-flight call returns.
func (t *ThreadExecutor) abandonLocked() {
	if t.th != nil {
		close(t.th.calls)
		t.th = nil
	}
	t.loaded = false
}

var _ Executor = (*ThreadExecutor)(nil)
