package worker

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/x448/float16"

	"predictd/internal/errs"
	"predictd/internal/feature"
)

// Frames are newline-delimited JSON objects; each request gets exactly one
// response carrying the same seq.
const (
	opLoad     = "load"
	opExecute  = "execute"
	opShutdown = "shutdown"
)

type request struct {
	Seq   uint64     `json:"seq"`
	Op    string     `json:"op"`
	Load  *LoadSpec  `json:"load,omitempty"`
	Batch *wireBatch `json:"batch,omitempty"`
}

type response struct {
	Seq    uint64      `json:"seq"`
	Kind   errs.Kind   `json:"kind,omitempty"`
	Error  string      `json:"error,omitempty"`
	Info   *LoadInfo   `json:"info,omitempty"`
	Output *wireOutput `json:"output,omitempty"`
}

func (r *response) setError(err error) {
	var e *errs.Error
	if errors.As(err, &e) {
		r.Kind = e.Kind
		if e.Err != nil {
			r.Error = e.Err.Error()
		}
		return
	}
	r.Kind = errs.KindExecution
	r.Error = err.Error()
}

func (r *response) err(op, device string) error {
	if r.Kind == "" {
		return nil
	}
	var cause error
	if r.Error != "" {
		cause = errors.New(r.Error)
	}
	return errs.New(r.Kind, op, cause).OnDevice(device)
}

// wireBatch carries the columns of a batch; requests stay on the host side.
type wireBatch struct {
	ID      string                           `json:"id"`
	Schema  feature.Schema                   `json:"schema"`
	Rows    int                              `json:"rows"`
	Sparse  map[string]*feature.SparseColumn `json:"sparse,omitempty"`
	Dense   map[string]*feature.DenseColumn  `json:"dense,omitempty"`
	Outputs []string                         `json:"outputs,omitempty"`
}

func toWire(b *feature.Batch) *wireBatch {
	return &wireBatch{ID: b.ID, Schema: b.Schema, Rows: b.Rows, Sparse: b.Sparse, Dense: b.Dense, Outputs: b.Outputs}
}

func (w *wireBatch) batch() *feature.Batch {
	return &feature.Batch{ID: w.ID, Schema: w.Schema, Rows: w.Rows, Sparse: w.Sparse, Dense: w.Dense, Outputs: w.Outputs}
}

type wireTensor struct {
	Dim  int       `json:"dim"`
	Data []float32 `json:"data,omitempty"`
	// Half holds little-endian IEEE 754 half-precision values.
	Half []byte `json:"half,omitempty"`
}

type wireOutput struct {
	Rows    int                   `json:"rows"`
	Tensors map[string]wireTensor `json:"tensors"`
}

func encodeOutput(o *feature.Output, precision string) *wireOutput {
	w := &wireOutput{Rows: o.Rows, Tensors: make(map[string]wireTensor, len(o.Tensors))}
	for name, t := range o.Tensors {
		if precision != PrecisionFP16 {
			w.Tensors[name] = wireTensor{Dim: t.Dim, Data: t.Data}
			continue
		}
		half := make([]byte, 2*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(half[2*i:], float16.Fromfloat32(v).Bits())
		}
		w.Tensors[name] = wireTensor{Dim: t.Dim, Half: half}
	}
	return w
}

func (w *wireOutput) decode() (*feature.Output, error) {
	o := &feature.Output{Rows: w.Rows, Tensors: make(map[string]feature.Tensor, len(w.Tensors))}
	for name, t := range w.Tensors {
		if t.Half == nil {
			o.Tensors[name] = feature.Tensor{Dim: t.Dim, Data: t.Data}
			continue
		}
		if len(t.Half)%2 != 0 {
			return nil, fmt.Errorf("output %q: odd half-precision payload", name)
		}
		data := make([]float32, len(t.Half)/2)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Half[2*i:])).Float32()
		}
		o.Tensors[name] = feature.Tensor{Dim: t.Dim, Data: data}
	}
	return o, nil
}
