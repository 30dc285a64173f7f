// Package worker is the execution unit bound to one device. The pool drives
// workers through Executor; the same Host code runs either in a dedicated
// subprocess (ProcessExecutor) or on a locked OS thread (ThreadExecutor).
package worker

import (
	"context"

	"predictd/internal/feature"
	"predictd/internal/placement"
)

// Output precisions on the worker pipe.
const (
	PrecisionFP32 = "fp32"
	PrecisionFP16 = "fp16"
)

// LoadSpec tells a worker what to load and where.
type LoadSpec struct {
	ArtifactPath string                       `json:"artifact_path"`
	Device       string                       `json:"device"`
	Shards       map[string][]placement.Shard `json:"shards,omitempty"`
	// OutputPrecision selects how result tensors cross the process pipe.
	OutputPrecision string `json:"output_precision,omitempty"`
}

// LoadInfo describes a loaded replica.
type LoadInfo struct {
	ModelKind    string   `json:"model_kind"`
	ModelVersion string   `json:"model_version"`
	Resident     []string `json:"resident,omitempty"`
	PID          int      `json:"pid,omitempty"`
}

// Executor is the pool-facing side of one worker. Calls are serialised by
// the pool: at most one Load or Execute is in flight per executor.
type Executor interface {
	// Load (re)initialises the replica. A failed Load leaves the executor
	// unusable until the next successful Load.
	Load(ctx context.Context, spec LoadSpec) (LoadInfo, error)
	// Execute runs one batch. When ctx expires the executor's state is
	// untrusted and it must be reloaded before reuse.
	Execute(ctx context.Context, b *feature.Batch) (*feature.Output, error)
	Close() error
}
