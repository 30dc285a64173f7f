package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"predictd/internal/artifact"
	"predictd/internal/feature"
	"predictd/internal/model"
)

const helperEnv = "PREDICTD_TEST_WORKER"

// The test binary doubles as the worker subprocess.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := Serve(context.Background(), os.Stdin, os.Stdout, NewHost(zerolog.New(os.Stderr))); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// stuckModel ignores its context, like a kernel that never yields.
type stuckModel struct{ d time.Duration }

func (s stuckModel) Forward(_ context.Context, b *feature.Batch, _ []string) (*feature.Output, error) {
	time.Sleep(s.d)
	return &feature.Output{Rows: b.Rows, Tensors: map[string]feature.Tensor{"score": {Dim: 1, Data: make([]float32, b.Rows)}}}, nil
}

type crashModel struct{}

func (crashModel) Forward(context.Context, *feature.Batch, []string) (*feature.Output, error) {
	fmt.Fprintln(os.Stderr, "fatal: device lost")
	os.Exit(3)
	return nil, nil
}

func init() {
	model.Register("test_stuck", func(context.Context, model.Spec) (model.Model, error) {
		return stuckModel{d: 2 * time.Second}, nil
	})
	model.Register("test_crash", func(context.Context, model.Spec) (model.Model, error) {
		return crashModel{}, nil
	})
}

func writeArtifact(t *testing.T, kind string, payload string) string {
	t.Helper()
	h := artifact.Header{
		ModelKind:    kind,
		ModelVersion: "v1",
		Tables:       map[string]artifact.TableSpec{"t_product": {Rows: 32, Dim: 3}},
		Features:     map[string]string{"product": "t_product"},
		Outputs:      []string{"score"},
		Compression:  artifact.CompressionZstd,
	}
	p := filepath.Join(t.TempDir(), kind+".pda")
	if err := artifact.WriteFile(p, h, []byte(payload)); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return p
}

func productBatch(t *testing.T, id string) *feature.Batch {
	t.Helper()
	reqs := []*feature.Request{
		{ID: "r0", Sparse: map[string][]int64{"product": {101, 202}}},
		{ID: "r1", Sparse: map[string][]int64{"product": {}}},
		{ID: "r2", Sparse: map[string][]int64{"product": {303}}},
	}
	b, err := feature.Build(id, feature.SchemaOf(reqs[0]), reqs)
	if err != nil {
		t.Fatalf("build batch: %v", err)
	}
	return b
}

func helperProcess(device string) *ProcessExecutor {
	return NewProcessExecutor(ProcessConfig{
		Binary:    os.Args[0],
		Env:       append(os.Environ(), helperEnv+"=1"),
		Device:    device,
		StopGrace: 500 * time.Millisecond,
	})
}
