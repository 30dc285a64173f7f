package feature

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

// DenseSpec names a dense input and its per-example width.
type DenseSpec struct {
	Name  string `json:"name"`
	Width int    `json:"width"`
}

// Schema is the set of feature names (and dense widths) a request carries.
// Requests are only ever batched with requests of an identical Schema.
type Schema struct {
	Sparse []string    `json:"sparse"`
	Dense  []DenseSpec `json:"dense,omitempty"`
}

// SchemaOf derives the canonical (sorted) schema of r.
func SchemaOf(r *Request) Schema {
	s := Schema{Sparse: make([]string, 0, len(r.Sparse))}
	for name := range r.Sparse {
		s.Sparse = append(s.Sparse, name)
	}
	sort.Strings(s.Sparse)
	if len(r.Dense) > 0 {
		s.Dense = make([]DenseSpec, 0, len(r.Dense))
		for name, v := range r.Dense {
			s.Dense = append(s.Dense, DenseSpec{Name: name, Width: len(v)})
		}
		sort.Slice(s.Dense, func(i, j int) bool { return s.Dense[i].Name < s.Dense[j].Name })
	}
	return s
}

// Key is the canonical string form used as the batching group key. Names are
// quoted so no name can forge a separator.
func (s Schema) Key() string {
	var b strings.Builder
	b.WriteString("s:")
	for i, name := range s.Sparse {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(name))
	}
	b.WriteString("|d:")
	for i, d := range s.Dense {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(d.Name))
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(d.Width))
	}
	return b.String()
}

// ID is a short stable identifier for logs.
func (s Schema) ID() string {
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(s.Key())))
}
