// Package placement models the externally computed sharding plan: which
// device hosts which slice of every embedding table. An Assignment is
// immutable once loaded and is shared across workers without locking.
package placement

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"predictd/internal/errs"
)

// Layout is the split strategy of one table.
type Layout string

const (
	TableWise  Layout = "table_wise"
	RowWise    Layout = "row_wise"
	ColumnWise Layout = "column_wise"
)

// Shard is a rectangular slice [RowStart,RowEnd) x [ColStart,ColEnd) of a
// table resident on Device. Zero end bounds mean "to the end".
type Shard struct {
	Device   string `json:"device" yaml:"device" toml:"device"`
	RowStart int64  `json:"row_start" yaml:"row_start" toml:"row_start"`
	RowEnd   int64  `json:"row_end" yaml:"row_end" toml:"row_end"`
	ColStart int    `json:"col_start" yaml:"col_start" toml:"col_start"`
	ColEnd   int    `json:"col_end" yaml:"col_end" toml:"col_end"`
}

// Rows is the number of table rows in the shard.
func (s Shard) Rows() int64 { return s.RowEnd - s.RowStart }

// Cols is the number of embedding columns in the shard.
func (s Shard) Cols() int { return s.ColEnd - s.ColStart }

// Table is the placement of one embedding table.
type Table struct {
	Rows   int64   `json:"rows" yaml:"rows" toml:"rows"`
	Dim    int     `json:"dim" yaml:"dim" toml:"dim"`
	Layout Layout  `json:"layout" yaml:"layout" toml:"layout"`
	Shards []Shard `json:"shards" yaml:"shards" toml:"shards"`
}

// TableShape is the geometry a model artifact declares for a table.
type TableShape struct {
	Rows int64
	Dim  int
}

// Assignment maps table names to their placement.
type Assignment struct {
	Version string           `json:"version" yaml:"version" toml:"version"`
	Tables  map[string]Table `json:"tables" yaml:"tables" toml:"tables"`
}

// Load reads an assignment document based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (*Assignment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty placement path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
}

// Parse decodes an assignment in the given format and validates it.
func Parse(b []byte, format string) (*Assignment, error) {
	var a Assignment
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(b, &a); err != nil {
			return nil, fmt.Errorf("decode placement yaml: %w", err)
		}
	case "json":
		if err := json.Unmarshal(b, &a); err != nil {
			return nil, fmt.Errorf("decode placement json: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(b, &a); err != nil {
			return nil, fmt.Errorf("decode placement toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported placement format: %s", format)
	}
	a.normalize()
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// normalize fills open-ended shard bounds with the table extent.
func (a *Assignment) normalize() {
	for name, t := range a.Tables {
		if t.Layout == "" {
			t.Layout = TableWise
		}
		shards := make([]Shard, len(t.Shards))
		for i, s := range t.Shards {
			if s.RowEnd == 0 {
				s.RowEnd = t.Rows
			}
			if s.ColEnd == 0 {
				s.ColEnd = t.Dim
			}
			shards[i] = s
		}
		t.Shards = shards
		a.Tables[name] = t
	}
}

// Validate checks that every table's shards tile the table exactly once
// according to its layout.
func (a *Assignment) Validate() error {
	if len(a.Tables) == 0 {
		return mismatch("placement declares no tables")
	}
	for _, name := range a.TableNames() {
		t := a.Tables[name]
		if t.Rows <= 0 || t.Dim <= 0 {
			return mismatch("table %q has invalid shape %dx%d", name, t.Rows, t.Dim)
		}
		if len(t.Shards) == 0 {
			return mismatch("table %q has no shards", name)
		}
		for i, s := range t.Shards {
			if s.Device == "" {
				return mismatch("table %q shard %d has no device", name, i)
			}
			if s.RowStart < 0 || s.RowEnd > t.Rows || s.Rows() <= 0 || s.ColStart < 0 || s.ColEnd > t.Dim || s.Cols() <= 0 {
				return mismatch("table %q shard %d out of bounds", name, i)
			}
		}
		switch t.Layout {
		case TableWise:
			s := t.Shards[0]
			if len(t.Shards) != 1 || s.Rows() != t.Rows || s.Cols() != t.Dim {
				return mismatch("table %q is table_wise but not a single full shard", name)
			}
		case RowWise:
			if err := tile(name, t.Shards, t.Rows, func(s Shard) (int64, int64) { return s.RowStart, s.RowEnd }); err != nil {
				return err
			}
			for i, s := range t.Shards {
				if s.Cols() != t.Dim {
					return mismatch("table %q row_wise shard %d does not span all columns", name, i)
				}
			}
		case ColumnWise:
			if err := tile(name, t.Shards, int64(t.Dim), func(s Shard) (int64, int64) { return int64(s.ColStart), int64(s.ColEnd) }); err != nil {
				return err
			}
			for i, s := range t.Shards {
				if s.Rows() != t.Rows {
					return mismatch("table %q column_wise shard %d does not span all rows", name, i)
				}
			}
		default:
			return mismatch("table %q has unknown layout %q", name, t.Layout)
		}
	}
	return nil
}

// tile verifies that the [start,end) spans returned by span cover [0,extent)
// contiguously without overlap.
func tile(name string, shards []Shard, extent int64, span func(Shard) (int64, int64)) error {
	sorted := append([]Shard(nil), shards...)
	sort.Slice(sorted, func(i, j int) bool {
		a, _ := span(sorted[i])
		b, _ := span(sorted[j])
		return a < b
	})
	var next int64
	for _, s := range sorted {
		start, end := span(s)
		if start != next {
			return mismatch("table %q shards leave a gap or overlap at %d", name, next)
		}
		next = end
	}
	if next != extent {
		return mismatch("table %q shards cover %d of %d", name, next, extent)
	}
	return nil
}

// TableNames returns the table names in sorted order.
func (a *Assignment) TableNames() []string {
	out := make([]string, 0, len(a.Tables))
	for name := range a.Tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Devices returns every device referenced by any shard, sorted.
func (a *Assignment) Devices() []string {
	set := map[string]struct{}{}
	for _, t := range a.Tables {
		for _, s := range t.Shards {
			set[s.Device] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ShardsOn returns the shards resident on device, keyed by table.
func (a *Assignment) ShardsOn(device string) map[string][]Shard {
	out := map[string][]Shard{}
	for name, t := range a.Tables {
		for _, s := range t.Shards {
			if s.Device == device {
				out[name] = append(out[name], s)
			}
		}
	}
	return out
}

// Check verifies the assignment against the tables a model declares and the
// devices the pool will run on. Every declared table must be placed with a
// matching shape and every shard must reference a pool device.
func (a *Assignment) Check(shapes map[string]TableShape, devices []string) error {
	known := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		known[d] = struct{}{}
	}
	names := make([]string, 0, len(shapes))
	for name := range shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		shape := shapes[name]
		t, ok := a.Tables[name]
		if !ok {
			return mismatch("table %q is not placed", name)
		}
		if t.Rows != shape.Rows || t.Dim != shape.Dim {
			return mismatch("table %q placed as %dx%d, model declares %dx%d", name, t.Rows, t.Dim, shape.Rows, shape.Dim)
		}
		for i, s := range t.Shards {
			if _, ok := known[s.Device]; !ok {
				return mismatch("table %q shard %d references unknown device %q", name, i, s.Device)
			}
		}
	}
	return nil
}

func mismatch(format string, args ...any) error {
	return errs.Newf(errs.KindPlacementMismatch, "placement", format, args...)
}
