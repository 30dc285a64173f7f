package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictd/internal/artifact"
	"predictd/internal/config"
	"predictd/internal/device"
	"predictd/internal/errs"
	"predictd/internal/gateway"
	"predictd/internal/model"
	"predictd/internal/pool"
	"predictd/pkg/types"
)

const planYAML = `
version: plan-1
tables:
  t_product:
    rows: 32
    dim: 3
    layout: row_wise
    shards:
      - device: cpu:0
        row_end: 16
      - device: cpu:1
        row_start: 16
  t_user:
    rows: 8
    dim: 2
    shards:
      - device: cpu:1
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	art := filepath.Join(dir, "ranker.pda")
	h := artifact.Header{
		ModelKind:    model.KindPooledEmbedding,
		ModelVersion: "v1",
		Tables:       map[string]artifact.TableSpec{"t_product": {Rows: 32, Dim: 3}, "t_user": {Rows: 8, Dim: 2}},
		Features:     map[string]string{"product": "t_product", "user": "t_user"},
		Outputs:      []string{"score", "product_vec"},
		Compression:  artifact.CompressionZstd,
	}
	payload := `{"seed":11,"outputs":{"product_vec":{"inputs":["product"]}}}`
	require.NoError(t, artifact.WriteFile(art, h, []byte(payload)))
	plan := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(plan, []byte(planYAML), 0o644))

	cfg := config.Defaults()
	cfg.Devices = []string{"cpu:0", "cpu:1"}
	cfg.ArtifactPath = art
	cfg.PlacementPath = plan
	cfg.Isolation = config.IsolationThread
	cfg.MaxBatchSize = 4
	cfg.MaxBatchWait = config.Duration(5 * time.Millisecond)
	cfg.PadMissingFeatures = true
	return cfg
}

func newEngine(t *testing.T, cfg config.Config, pub pool.EventPublisher) *Engine {
	t.Helper()
	e, err := New(cfg, Options{
		Logger:    zerolog.Nop(),
		Publisher: pub,
		Prober:    device.StaticProber{"cpu:0": true, "cpu:1": true},
	})
	require.NoError(t, err)
	return e
}

func TestEnginePredictEndToEnd(t *testing.T) {
	pub := pool.NewMemoryPublisher()
	e := newEngine(t, testConfig(t), pub)
	assert.Equal(t, StateStarting, e.Status().State)
	assert.False(t, e.Ready())

	require.NoError(t, e.Start(context.Background()))
	require.True(t, e.Ready())
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	var wg sync.WaitGroup
	resps := make([]types.PredictResponse, 10)
	errsOut := make([]error, 10)
	for i := range resps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resps[i], errsOut[i] = e.Predict(context.Background(), types.PredictRequest{
				Sparse: map[string][]int64{"product": {int64(i), 101}},
			})
		}(i)
	}
	wg.Wait()
	for i, r := range resps {
		require.NoError(t, errsOut[i])
		assert.NotEmpty(t, r.ID)
		// user was padded to an empty list, so score is product(3) + user(2)
		assert.Len(t, r.Outputs["score"], 5)
		assert.Len(t, r.Outputs["product_vec"], 3)
		assert.Equal(t, []float32{0, 0}, r.Outputs["score"][3:])
	}

	st := e.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, "v1", st.ModelVersion)
	assert.Equal(t, "plan-1", st.PlacementVersion)
	assert.Len(t, st.Workers, 2)
	assert.Contains(t, pub.Names("cpu:0"), "worker_ready")
}

func TestEngineSameInputSameOutputAcrossBatches(t *testing.T) {
	e := newEngine(t, testConfig(t), nil)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	req := types.PredictRequest{ID: "same", Sparse: map[string][]int64{"product": {7, 9}, "user": {3}}, Outputs: []string{"score"}}
	first, err := e.Predict(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Predict(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Outputs, again.Outputs)
	}
	assert.Len(t, first.Outputs, 1)
}

func TestEngineRejectsUnknownOutputAndFeature(t *testing.T) {
	e := newEngine(t, testConfig(t), nil)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	_, err := e.Predict(context.Background(), types.PredictRequest{Sparse: map[string][]int64{"product": {1}}, Outputs: []string{"nope"}})
	assert.Equal(t, errs.KindInvalidRequest, gateway.AsError(err).Kind)

	_, err = e.Predict(context.Background(), types.PredictRequest{Sparse: map[string][]int64{"query": {1}}})
	assert.Equal(t, errs.KindInvalidRequest, gateway.AsError(err).Kind)
}

func TestEngineRejectsUnknownFeatureWithoutPadding(t *testing.T) {
	cfg := testConfig(t)
	cfg.PadMissingFeatures = false
	e := newEngine(t, cfg, nil)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	resp, err := e.Predict(context.Background(), types.PredictRequest{Sparse: map[string][]int64{"query": {1, 2, 3}}})
	require.Error(t, err, "got %+v", resp)
	assert.Equal(t, errs.KindInvalidRequest, gateway.AsError(err).Kind)

	_, err = e.Predict(context.Background(), types.PredictRequest{Sparse: map[string][]int64{"product": {1}}})
	assert.NoError(t, err)
}

func TestEngineReloadRules(t *testing.T) {
	e := newEngine(t, testConfig(t), nil)
	assert.True(t, errs.Is(e.Reload(context.Background(), "cpu:0"), errs.KindPoolExhausted))
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	assert.True(t, errs.Is(e.Reload(context.Background(), "tpu:0"), errs.KindInvalidRequest))
	// ready workers are not reloaded
	assert.True(t, errs.Is(e.Reload(context.Background(), "CPU:0"), errs.KindInvalidRequest))
}

func TestEngineShutdown(t *testing.T) {
	e := newEngine(t, testConfig(t), nil)
	require.NoError(t, e.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, e.Shutdown(ctx))

	assert.False(t, e.Ready())
	assert.Equal(t, StateStopping, e.Status().State)
	_, err := e.Predict(context.Background(), types.PredictRequest{Sparse: map[string][]int64{"product": {1}}})
	assert.Equal(t, errs.KindShuttingDown, gateway.AsError(err).Kind)
	assert.True(t, errs.Is(e.Start(context.Background()), errs.KindShuttingDown))
}

func TestEngineStartFailsWithoutDevices(t *testing.T) {
	e, err := New(testConfig(t), Options{Prober: device.StaticProber{}})
	require.NoError(t, err)
	assert.True(t, errs.Is(e.Start(context.Background()), errs.KindNoDevice))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.PlacementPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg, Options{})
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.MaxBatchSize = 0
	_, err = New(cfg, Options{})
	assert.Error(t, err)
}
