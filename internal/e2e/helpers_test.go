package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"predictd/internal/artifact"
	"predictd/internal/config"
	"predictd/internal/device"
	"predictd/internal/engine"
	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/httpapi"
	"predictd/internal/model"
	"predictd/internal/worker"
)

// writeModel creates an artifact with one 64x4 product table split row-wise
// over devs, plus the matching placement file.
func writeModel(t *testing.T, devs ...string) (artifactPath, planPath string) {
	t.Helper()
	dir := t.TempDir()
	artifactPath = filepath.Join(dir, "ranker.pda")
	h := artifact.Header{
		ModelKind:    model.KindPooledEmbedding,
		ModelVersion: "e2e",
		Tables:       map[string]artifact.TableSpec{"t_product": {Rows: 64, Dim: 4}},
		Features:     map[string]string{"product": "t_product"},
		Outputs:      []string{"score"},
		Compression:  artifact.CompressionZstd,
	}
	if err := artifact.WriteFile(artifactPath, h, []byte(`{"seed":5}`)); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	plan := "version: e2e-plan\ntables:\n  t_product:\n    rows: 64\n    dim: 4\n    layout: row_wise\n    shards:\n"
	step := 64 / len(devs)
	for i, d := range devs {
		end := (i + 1) * step
		if i == len(devs)-1 {
			end = 64
		}
		plan += "      - device: " + d + "\n        row_start: " + strconv.Itoa(i*step) + "\n        row_end: " + strconv.Itoa(end) + "\n"
	}
	planPath = filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(planPath, []byte(plan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return artifactPath, planPath
}

// gatedExec delays Execute while stall is set, honouring ctx.
type gatedExec struct {
	worker.Executor
	stall *atomic.Bool
	delay time.Duration
}

func (g gatedExec) Execute(ctx context.Context, b *feature.Batch) (*feature.Output, error) {
	if g.stall.Load() {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, errs.New(errs.KindBatchTimeout, "execute", ctx.Err())
		}
	}
	return g.Executor.Execute(ctx, b)
}

type serverOpts struct {
	devices   []string
	mutate    func(*config.Config)
	stall     *atomic.Bool
	stallTime time.Duration
}

func newServer(t *testing.T, o serverOpts) (*httptest.Server, *engine.Engine) {
	t.Helper()
	if len(o.devices) == 0 {
		o.devices = []string{"cpu:0", "cpu:1"}
	}
	art, plan := writeModel(t, o.devices...)
	cfg := config.Defaults()
	cfg.Devices = o.devices
	cfg.ArtifactPath = art
	cfg.PlacementPath = plan
	cfg.Isolation = config.IsolationThread
	cfg.MaxBatchWait = config.Duration(2 * time.Millisecond)
	if o.mutate != nil {
		o.mutate(&cfg)
	}
	if o.stall == nil {
		o.stall = &atomic.Bool{}
	}
	probe := device.StaticProber{}
	for _, d := range o.devices {
		probe[d] = true
	}
	eng, err := engine.New(cfg, engine.Options{
		Logger: zerolog.Nop(),
		Prober: probe,
		NewExecutor: func(dev string) worker.Executor {
			return gatedExec{Executor: worker.NewThreadExecutor(dev, zerolog.Nop()), stall: o.stall, delay: o.stallTime}
		},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(eng))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return srv, eng
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
