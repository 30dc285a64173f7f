package feature

import "fmt"

// Tensor is a row-major [rows x Dim] float matrix.
type Tensor struct {
	Dim  int       `json:"dim"`
	Data []float32 `json:"data"`
}

// Output is the dense result of one forward pass over a batch.
type Output struct {
	Rows    int               `json:"rows"`
	Tensors map[string]Tensor `json:"tensors"`
}

// Result is the per-request slice of an Output.
type Result struct {
	RequestID string
	Outputs   map[string][]float32
}

// Split demultiplexes o back into one Result per request of b, preserving
// batch order: results[i] belongs to b.Requests[i]. Any shape disagreement
// fails the whole batch.
func (o *Output) Split(b *Batch) ([]Result, error) {
	if o == nil {
		return nil, fmt.Errorf("batch %s: nil output", b.ID)
	}
	if o.Rows != b.Rows || len(b.Requests) != b.Rows {
		return nil, fmt.Errorf("batch %s: output has %d rows for %d requests", b.ID, o.Rows, len(b.Requests))
	}
	for name, t := range o.Tensors {
		if t.Dim <= 0 || len(t.Data) != t.Dim*o.Rows {
			return nil, fmt.Errorf("batch %s: output %q has %d values, want %dx%d", b.ID, name, len(t.Data), o.Rows, t.Dim)
		}
	}
	for _, name := range b.Outputs {
		if _, ok := o.Tensors[name]; !ok {
			return nil, fmt.Errorf("batch %s: output %q missing from execution result", b.ID, name)
		}
	}
	results := make([]Result, b.Rows)
	for i, r := range b.Requests {
		names := r.Outputs
		if len(names) == 0 {
			names = make([]string, 0, len(o.Tensors))
			for name := range o.Tensors {
				names = append(names, name)
			}
		}
		res := Result{RequestID: r.ID, Outputs: make(map[string][]float32, len(names))}
		for _, name := range names {
			t, ok := o.Tensors[name]
			if !ok {
				return nil, fmt.Errorf("batch %s: output %q requested by %s missing from execution result", b.ID, name, r.ID)
			}
			row := make([]float32, t.Dim)
			copy(row, t.Data[i*t.Dim:(i+1)*t.Dim])
			res.Outputs[name] = row
		}
		results[i] = res
	}
	return results, nil
}
