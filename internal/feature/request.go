// Package feature holds the canonical in-memory representation of inference
// requests and the fixed-layout batches they are combined into.
package feature

import (
	"fmt"
	"sort"
)

// Request is one caller-supplied example: named sparse id lists, optional
// dense vectors and an optional output selector. A Request is immutable once
// accepted by the batching layer.
type Request struct {
	ID      string
	Sparse  map[string][]int64
	Dense   map[string][]float32
	Outputs []string
}

// Validate checks structural constraints that do not depend on the model.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("nil request")
	}
	if len(r.Sparse) == 0 && len(r.Dense) == 0 {
		return fmt.Errorf("request %q has no features", r.ID)
	}
	for name, ids := range r.Sparse {
		if name == "" {
			return fmt.Errorf("request %q: empty sparse feature name", r.ID)
		}
		for _, id := range ids {
			if id < 0 {
				return fmt.Errorf("request %q: feature %q has negative id %d", r.ID, name, id)
			}
		}
	}
	for name, v := range r.Dense {
		if name == "" {
			return fmt.Errorf("request %q: empty dense feature name", r.ID)
		}
		if len(v) == 0 {
			return fmt.Errorf("request %q: dense feature %q is empty", r.ID, name)
		}
	}
	return nil
}

// Clone returns a deep copy so later mutation of caller-owned slices cannot
// leak into a pending batch.
func (r *Request) Clone() *Request {
	out := &Request{ID: r.ID}
	if r.Sparse != nil {
		out.Sparse = make(map[string][]int64, len(r.Sparse))
		for k, v := range r.Sparse {
			out.Sparse[k] = append([]int64(nil), v...)
		}
	}
	if r.Dense != nil {
		out.Dense = make(map[string][]float32, len(r.Dense))
		for k, v := range r.Dense {
			out.Dense[k] = append([]float32(nil), v...)
		}
	}
	if len(r.Outputs) > 0 {
		out.Outputs = append([]string(nil), r.Outputs...)
		sort.Strings(out.Outputs)
	}
	return out
}

// Pad adds empty id lists for every name in sparse that the request lacks.
// It reports the first feature present in the request but absent from sparse.
func (r *Request) Pad(sparse []string) error {
	known := make(map[string]struct{}, len(sparse))
	for _, name := range sparse {
		known[name] = struct{}{}
	}
	for name := range r.Sparse {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("request %q: unknown sparse feature %q", r.ID, name)
		}
	}
	if r.Sparse == nil {
		r.Sparse = make(map[string][]int64, len(sparse))
	}
	for _, name := range sparse {
		if _, ok := r.Sparse[name]; !ok {
			r.Sparse[name] = []int64{}
		}
	}
	return nil
}
