// Package model is the narrow load/execute capability the execution worker
// drives. Concrete runtimes register a Loader per artifact model kind.
package model

import (
	"context"
	"sort"
	"strings"
	"sync"

	"predictd/internal/artifact"
	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/placement"
)

// Model runs forward passes over feature batches. A Model is owned by a
// single worker and is never called concurrently.
type Model interface {
	// Forward computes the named outputs (all declared outputs when empty)
	// for every row of b.
	Forward(ctx context.Context, b *feature.Batch, outputs []string) (*feature.Output, error)
}

// Spec is everything a loader gets to build one replica on one device.
type Spec struct {
	Header  artifact.Header
	Payload []byte
	Device  string
	// Shards lists, per table, the shards resident on Device.
	Shards map[string][]placement.Shard
}

// Loader builds a Model from an artifact.
type Loader func(ctx context.Context, spec Spec) (Model, error)

var (
	mu      sync.RWMutex
	loaders = map[string]Loader{}
)

// Register makes a loader available for an artifact model kind. Registering
// the same kind twice replaces the earlier loader.
func Register(kind string, l Loader) {
	mu.Lock()
	loaders[kind] = l
	mu.Unlock()
}

// Kinds lists registered model kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(loaders))
	for k := range loaders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load resolves the loader for spec.Header.ModelKind and builds the model.
func Load(ctx context.Context, spec Spec) (Model, error) {
	mu.RLock()
	l, ok := loaders[spec.Header.ModelKind]
	mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.KindArtifactLoad, "model load", "no runtime for model kind %q (registered: %s)", spec.Header.ModelKind, strings.Join(Kinds(), ", ")).OnDevice(spec.Device)
	}
	m, err := l(ctx, spec)
	if err != nil {
		if errs.KindOf(err) != errs.KindUnknown {
			return nil, err
		}
		return nil, errs.New(errs.KindArtifactLoad, "model load", err).OnDevice(spec.Device)
	}
	return m, nil
}
