package pool

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"predictd/internal/artifact"
	"predictd/internal/device"
	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/placement"
	"predictd/internal/worker"
)

// fakeExec is an in-memory executor used for tests.
type fakeExec struct {
	device  string
	loadErr error
	delay   time.Duration

	mu       sync.Mutex
	loads    int
	closed   bool
	running  *int32
	maxSeen  *int32
	executed int
}

func (f *fakeExec) Load(ctx context.Context, spec worker.LoadSpec) (worker.LoadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return worker.LoadInfo{}, f.loadErr
	}
	return worker.LoadInfo{ModelKind: "fake", ModelVersion: "v1", PID: 100 + f.loads}, nil
}

func (f *fakeExec) Execute(ctx context.Context, b *feature.Batch) (*feature.Output, error) {
	if f.running != nil {
		n := atomic.AddInt32(f.running, 1)
		defer atomic.AddInt32(f.running, -1)
		for {
			m := atomic.LoadInt32(f.maxSeen)
			if n <= m || atomic.CompareAndSwapInt32(f.maxSeen, m, n) {
				break
			}
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, errs.Newf(errs.KindBatchTimeout, "execute", "deadline").OnDevice(f.device)
	}
	f.mu.Lock()
	f.executed++
	f.mu.Unlock()
	data := make([]float32, b.Rows)
	for i := range data {
		data[i] = float32(i)
	}
	return &feature.Output{Rows: b.Rows, Tensors: map[string]feature.Tensor{"score": {Dim: 1, Data: data}}}, nil
}

func (f *fakeExec) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeFleet struct {
	mu    sync.Mutex
	execs map[string]*fakeExec
	fail  map[string]error
	delay time.Duration
	running, maxSeen int32
}

func newFleet() *fakeFleet {
	return &fakeFleet{execs: map[string]*fakeExec{}, fail: map[string]error{}}
}

func (f *fakeFleet) factory(dev string) worker.Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeExec{device: dev, loadErr: f.fail[dev], delay: f.delay, running: &f.running, maxSeen: &f.maxSeen}
	f.execs[dev] = e
	return e
}

func (f *fakeFleet) get(dev string) *fakeExec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs[dev]
}

// fixture writes an artifact with one table and a table-wise placement of it
// on tableDevice.
func fixture(t *testing.T, tableDevice string) (string, *placement.Assignment) {
	t.Helper()
	dir := t.TempDir()
	art := filepath.Join(dir, "model.pda")
	h := artifact.Header{
		ModelKind:    "fake",
		ModelVersion: "v1",
		Tables:       map[string]artifact.TableSpec{"t_product": {Rows: 32, Dim: 3}},
		Features:     map[string]string{"product": "t_product"},
		Outputs:      []string{"score"},
	}
	if err := artifact.WriteFile(art, h, nil); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	plan, err := placement.Parse([]byte(`{"version":"p1","tables":{"t_product":{"rows":32,"dim":3,"shards":[{"device":"`+tableDevice+`"}]}}}`), "json")
	if err != nil {
		t.Fatalf("placement: %v", err)
	}
	return art, plan
}

func newTestPool(t *testing.T, fleet *fakeFleet, art string, devices ...string) (*Pool, *MemoryPublisher) {
	t.Helper()
	pub := NewMemoryPublisher()
	reach := device.StaticProber{}
	for _, d := range devices {
		reach[d] = true
	}
	p := New(Config{
		Devices:          devices,
		ArtifactPath:     art,
		NewExecutor:      fleet.factory,
		Prober:           reach,
		ExecutionTimeout: 200 * time.Millisecond,
		DrainTimeout:     time.Second,
		Publisher:        pub,
	})
	return p, pub
}

func testBatch(t *testing.T, id string, n int) *feature.Batch {
	t.Helper()
	reqs := make([]*feature.Request, n)
	for i := range reqs {
		reqs[i] = &feature.Request{ID: id, Sparse: map[string][]int64{"product": {int64(i)}}}
	}
	b, err := feature.Build(id, feature.SchemaOf(reqs[0]), reqs)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return b
}

var errBoom = errors.New("boom")
