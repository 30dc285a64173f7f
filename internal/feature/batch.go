package feature

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// SparseColumn is the jagged encoding of one sparse feature across a batch:
// ids for request i live in Values[Offsets[i]:Offsets[i+1]].
type SparseColumn struct {
	Values  []int64 `json:"values"`
	Offsets []int32 `json:"offsets"`
}

// Len returns the id count for row i.
func (c *SparseColumn) Len(i int) int { return int(c.Offsets[i+1] - c.Offsets[i]) }

// Row returns the ids of row i without copying.
func (c *SparseColumn) Row(i int) []int64 { return c.Values[c.Offsets[i]:c.Offsets[i+1]] }

// DenseColumn is a row-major [rows x Width] matrix for one dense feature.
type DenseColumn struct {
	Width  int       `json:"width"`
	Values []float32 `json:"values"`
}

// Row returns dense row i without copying.
func (c *DenseColumn) Row(i int) []float32 { return c.Values[i*c.Width : (i+1)*c.Width] }

// Batch is an ordered group of same-schema requests combined into one
// fixed-layout structure. Row i of every column belongs to Requests[i].
// Worker-side batches carry columns only (Requests is nil).
type Batch struct {
	ID        string
	Schema    Schema
	Rows      int
	Requests  []*Request
	Sparse    map[string]*SparseColumn
	Dense     map[string]*DenseColumn
	Outputs   []string
	CreatedAt time.Time
}

// Size is the number of examples in the batch.
func (b *Batch) Size() int { return b.Rows }

// Build encodes reqs, in order, into a batch. All requests must share schema.
func Build(id string, schema Schema, reqs []*Request) (*Batch, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("batch %s: no requests", id)
	}
	b := &Batch{
		ID:        id,
		Schema:    schema,
		Rows:      len(reqs),
		Requests:  reqs,
		Sparse:    make(map[string]*SparseColumn, len(schema.Sparse)),
		Outputs:   unionOutputs(reqs),
		CreatedAt: time.Now(),
	}
	key := schema.Key()
	for i, r := range reqs {
		if got := SchemaOf(r).Key(); got != key {
			return nil, fmt.Errorf("batch %s: request %d (%s) schema %q differs from %q", id, i, r.ID, got, key)
		}
	}
	for _, name := range schema.Sparse {
		total := 0
		for _, r := range reqs {
			total += len(r.Sparse[name])
		}
		if total > math.MaxInt32 {
			return nil, fmt.Errorf("batch %s: feature %q has %d ids, exceeds offset range", id, name, total)
		}
		col := &SparseColumn{
			Values:  make([]int64, 0, total),
			Offsets: make([]int32, 1, len(reqs)+1),
		}
		for _, r := range reqs {
			col.Values = append(col.Values, r.Sparse[name]...)
			col.Offsets = append(col.Offsets, int32(len(col.Values)))
		}
		b.Sparse[name] = col
	}
	if len(schema.Dense) > 0 {
		b.Dense = make(map[string]*DenseColumn, len(schema.Dense))
		for _, d := range schema.Dense {
			col := &DenseColumn{Width: d.Width, Values: make([]float32, 0, d.Width*len(reqs))}
			for _, r := range reqs {
				col.Values = append(col.Values, r.Dense[d.Name]...)
			}
			b.Dense[d.Name] = col
		}
	}
	return b, nil
}

// Validate checks the layout invariants of every column.
func (b *Batch) Validate() error {
	if b.Rows <= 0 {
		return fmt.Errorf("batch %s: non-positive size %d", b.ID, b.Rows)
	}
	if b.Requests != nil && len(b.Requests) != b.Rows {
		return fmt.Errorf("batch %s: %d requests for %d rows", b.ID, len(b.Requests), b.Rows)
	}
	for _, name := range b.Schema.Sparse {
		col, ok := b.Sparse[name]
		if !ok || col == nil {
			return fmt.Errorf("batch %s: missing sparse column %q", b.ID, name)
		}
		if len(col.Offsets) != b.Rows+1 {
			return fmt.Errorf("batch %s: feature %q has %d offsets, want %d", b.ID, name, len(col.Offsets), b.Rows+1)
		}
		if col.Offsets[0] != 0 {
			return fmt.Errorf("batch %s: feature %q offsets start at %d", b.ID, name, col.Offsets[0])
		}
		for i := 1; i < len(col.Offsets); i++ {
			if col.Offsets[i] < col.Offsets[i-1] {
				return fmt.Errorf("batch %s: feature %q offsets decrease at %d", b.ID, name, i)
			}
		}
		if int(col.Offsets[b.Rows]) != len(col.Values) {
			return fmt.Errorf("batch %s: feature %q last offset %d != %d values", b.ID, name, col.Offsets[b.Rows], len(col.Values))
		}
	}
	if len(b.Sparse) != len(b.Schema.Sparse) {
		return fmt.Errorf("batch %s: %d sparse columns for %d schema features", b.ID, len(b.Sparse), len(b.Schema.Sparse))
	}
	for _, d := range b.Schema.Dense {
		col, ok := b.Dense[d.Name]
		if !ok || col == nil {
			return fmt.Errorf("batch %s: missing dense column %q", b.ID, d.Name)
		}
		if col.Width != d.Width || len(col.Values) != d.Width*b.Rows {
			return fmt.Errorf("batch %s: dense %q has %d values width %d, want %dx%d", b.ID, d.Name, len(col.Values), col.Width, b.Rows, d.Width)
		}
	}
	return nil
}

// Lengths returns the per-request id counts for a sparse feature.
func (b *Batch) Lengths(name string) []int {
	col, ok := b.Sparse[name]
	if !ok {
		return nil
	}
	out := make([]int, b.Rows)
	for i := range out {
		out[i] = col.Len(i)
	}
	return out
}

// unionOutputs returns the sorted union of selectors, or nil if any request
// asks for all outputs.
func unionOutputs(reqs []*Request) []string {
	set := map[string]struct{}{}
	for _, r := range reqs {
		if len(r.Outputs) == 0 {
			return nil
		}
		for _, o := range r.Outputs {
			set[o] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}
