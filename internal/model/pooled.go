package model

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"

	"github.com/spaolacci/murmur3"

	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/placement"
)

// KindPooledEmbedding is the reference runtime: hashed embedding tables,
// sum-pooled per sparse feature and concatenated with dense inputs.
const KindPooledEmbedding = "pooled_embedding"

// defaultMaxResident caps how many values one shard materialises up front.
const defaultMaxResident = 1 << 20

func init() { Register(KindPooledEmbedding, loadPooled) }

// PooledConfig is the payload of a pooled_embedding artifact.
type PooledConfig struct {
	Seed        uint32                  `json:"seed"`
	Outputs     map[string]PooledOutput `json:"outputs,omitempty"`
	MaxResident int                     `json:"max_resident_values,omitempty"`
}

// PooledOutput lists the inputs concatenated, in order, into one output.
type PooledOutput struct {
	Inputs []string `json:"inputs"`
}

// Residency is implemented by models that hold part of their tables locally.
type Residency interface {
	ResidentTables() []string
}

type embeddingTable struct {
	name     string
	rows     int64
	dim      int
	key      []byte // table name followed by a 12-byte row/col slot
	resident []residentShard
}

type residentShard struct {
	placement.Shard
	values []float32 // row-major, Rows() x Cols()
}

type pooledModel struct {
	seed     uint32
	tables   map[string]*embeddingTable
	features map[string]*embeddingTable // sparse feature -> table
	dense    map[string]int
	order    []string
	outputs  map[string][]string
	dims     map[string]int
}

func loadPooled(ctx context.Context, spec Spec) (Model, error) {
	var cfg PooledConfig
	if len(spec.Payload) > 0 {
		if err := json.Unmarshal(spec.Payload, &cfg); err != nil {
			return nil, errs.Newf(errs.KindArtifactLoad, "model load", "pooled_embedding payload: %v", err)
		}
	}
	if cfg.MaxResident <= 0 {
		cfg.MaxResident = defaultMaxResident
	}
	h := spec.Header
	m := &pooledModel{
		seed:     cfg.Seed,
		tables:   map[string]*embeddingTable{},
		features: map[string]*embeddingTable{},
		dense:    map[string]int{},
		order:    append([]string(nil), h.Outputs...),
		outputs:  map[string][]string{},
		dims:     map[string]int{},
	}
	for name, t := range h.Tables {
		key := make([]byte, len(name)+12)
		copy(key, name)
		m.tables[name] = &embeddingTable{name: name, rows: t.Rows, dim: t.Dim, key: key}
	}
	for f, table := range h.Features {
		m.features[f] = m.tables[table]
	}
	for _, d := range h.Dense {
		m.dense[d.Name] = d.Width
	}

	defaults := append(h.SparseFeatures(), denseNames(h.Dense)...)
	for _, out := range h.Outputs {
		inputs := defaults
		if oc, ok := cfg.Outputs[out]; ok {
			inputs = oc.Inputs
		}
		dim := 0
		for _, in := range inputs {
			switch {
			case m.features[in] != nil:
				dim += m.features[in].dim
			case m.dense[in] > 0:
				dim += m.dense[in]
			default:
				return nil, errs.Newf(errs.KindArtifactLoad, "model load", "output %q uses undeclared input %q", out, in)
			}
		}
		if dim == 0 {
			return nil, errs.Newf(errs.KindArtifactLoad, "model load", "output %q has no inputs", out)
		}
		m.outputs[out] = inputs
		m.dims[out] = dim
	}
	for name := range cfg.Outputs {
		if _, ok := m.outputs[name]; !ok {
			return nil, errs.Newf(errs.KindArtifactLoad, "model load", "payload configures undeclared output %q", name)
		}
	}

	for name, shards := range spec.Shards {
		t := m.tables[name]
		if t == nil {
			continue
		}
		for _, s := range shards {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			n := int(s.Rows()) * s.Cols()
			if n > cfg.MaxResident {
				continue
			}
			rs := residentShard{Shard: s, values: make([]float32, 0, n)}
			for r := s.RowStart; r < s.RowEnd; r++ {
				for c := s.ColStart; c < s.ColEnd; c++ {
					rs.values = append(rs.values, m.weight(t, r, c))
				}
			}
			t.resident = append(t.resident, rs)
		}
	}
	return m, nil
}

func denseNames(ds []feature.DenseSpec) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}

// weight is the deterministic value of table[row][col] in [-1, 1).
func (m *pooledModel) weight(t *embeddingTable, row int64, col int) float32 {
	n := len(t.name)
	binary.LittleEndian.PutUint64(t.key[n:], uint64(row))
	binary.LittleEndian.PutUint32(t.key[n+8:], uint32(col))
	h := murmur3.Sum32WithSeed(t.key, m.seed)
	return float32(float64(h)/float64(math.MaxUint32+1)*2 - 1)
}

// accumulate adds embedding row id into dst.
func (m *pooledModel) accumulate(t *embeddingTable, id int64, dst []float32) {
	row := id % t.rows
	for c := 0; c < t.dim; c++ {
		if v, ok := t.lookup(row, c); ok {
			dst[c] += v
			continue
		}
		dst[c] += m.weight(t, row, c)
	}
}

func (t *embeddingTable) lookup(row int64, col int) (float32, bool) {
	for i := range t.resident {
		s := &t.resident[i]
		if row >= s.RowStart && row < s.RowEnd && col >= s.ColStart && col < s.ColEnd {
			return s.values[int(row-s.RowStart)*s.Cols()+col-s.ColStart], true
		}
	}
	return 0, false
}

func (m *pooledModel) ResidentTables() []string {
	var out []string
	for name, t := range m.tables {
		if len(t.resident) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (m *pooledModel) Forward(ctx context.Context, b *feature.Batch, outputs []string) (*feature.Output, error) {
	if len(outputs) == 0 {
		outputs = m.order
	}
	out := &feature.Output{Rows: b.Rows, Tensors: make(map[string]feature.Tensor, len(outputs))}
	for _, name := range outputs {
		inputs, ok := m.outputs[name]
		if !ok {
			return nil, errs.Newf(errs.KindExecution, "forward", "unknown output %q", name)
		}
		dim := m.dims[name]
		data := make([]float32, b.Rows*dim)
		off := 0
		for _, in := range inputs {
			if t := m.features[in]; t != nil {
				// An absent column pools to zeros.
				if col := b.Sparse[in]; col != nil {
					for i := 0; i < b.Rows; i++ {
						if i%256 == 0 {
							if err := ctx.Err(); err != nil {
								return nil, err
							}
						}
						dst := data[i*dim+off : i*dim+off+t.dim]
						for _, id := range col.Row(i) {
							m.accumulate(t, id, dst)
						}
					}
				}
				off += t.dim
				continue
			}
			width := m.dense[in]
			if col := b.Dense[in]; col != nil {
				if col.Width != width {
					return nil, errs.Newf(errs.KindExecution, "forward", "dense input %q has width %d, model expects %d", in, col.Width, width)
				}
				for i := 0; i < b.Rows; i++ {
					copy(data[i*dim+off:i*dim+off+width], col.Row(i))
				}
			}
			off += width
		}
		out.Tensors[name] = feature.Tensor{Dim: dim, Data: data}
	}
	return out, nil
}
