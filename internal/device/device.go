// Package device parses accelerator ids and checks they are reachable before
// a worker is bound to them.
package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
)

const (
	KindCPU  = "cpu"
	KindCUDA = "cuda"
)

// ID identifies one device, e.g. "cuda:1".
type ID struct {
	Kind  string
	Index int
}

func (id ID) String() string { return id.Kind + ":" + strconv.Itoa(id.Index) }

// Parse accepts "kind:index" or a bare kind (index 0).
func Parse(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	kind, idx, found := strings.Cut(s, ":")
	switch kind {
	case KindCPU, KindCUDA:
	default:
		return ID{}, fmt.Errorf("unknown device kind in %q", s)
	}
	if !found {
		return ID{Kind: kind}, nil
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return ID{}, fmt.Errorf("invalid device index in %q", s)
	}
	return ID{Kind: kind, Index: n}, nil
}

// Normalize parses and re-renders every id, rejecting duplicates.
func Normalize(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := map[string]struct{}{}
	for _, raw := range ids {
		id, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		s := id.String()
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("duplicate device %q", s)
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// Prober reports whether a device can host a worker.
type Prober interface {
	Probe(ctx context.Context, id ID) error
}

// SystemProber checks devices against the local host: cpu indexes must be
// below the logical core count, cuda devices must have a device node.
type SystemProber struct {
	// DevRoot is where nvidia device nodes live; defaults to /dev.
	DevRoot string
}

func (p SystemProber) Probe(ctx context.Context, id ID) error {
	switch id.Kind {
	case KindCPU:
		n, err := cpu.CountsWithContext(ctx, true)
		if err != nil {
			return fmt.Errorf("count cpus: %w", err)
		}
		if id.Index >= n {
			return fmt.Errorf("%s: host has %d logical cpus", id, n)
		}
		return nil
	case KindCUDA:
		root := p.DevRoot
		if root == "" {
			root = "/dev"
		}
		node := filepath.Join(root, "nvidia"+strconv.Itoa(id.Index))
		if _, err := os.Stat(node); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("unknown device kind %q", id.Kind)
}

// StaticProber treats every listed device as reachable. Useful in tests.
type StaticProber map[string]bool

func (s StaticProber) Probe(_ context.Context, id ID) error {
	if s[id.String()] {
		return nil
	}
	return fmt.Errorf("%s: unreachable", id)
}
