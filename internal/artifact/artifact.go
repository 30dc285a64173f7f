// Package artifact reads and writes the versioned container a trained model
// is shipped in. Only the header is interpreted here; the payload is opaque
// and handed untouched to the model runtime named by the header.
package artifact

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/placement"
)

// Magic prefixes every artifact container.
const Magic = "PDARTF01"

// FormatVersion is the only container version this build understands.
const FormatVersion = 1

// maxHeaderBytes bounds the JSON header so a corrupt length cannot trigger a
// huge allocation.
const maxHeaderBytes = 16 << 20

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// TableSpec is the shape of an embedding table as the model declares it.
type TableSpec struct {
	Rows int64 `json:"rows"`
	Dim  int   `json:"dim"`
}

// Header is the interpreted part of an artifact: the model's serving
// signature plus integrity metadata.
type Header struct {
	FormatVersion int                  `json:"format_version"`
	ModelKind     string               `json:"model_kind"`
	ModelVersion  string               `json:"model_version"`
	Tables        map[string]TableSpec `json:"tables"`
	Features      map[string]string    `json:"features"`
	Dense         []feature.DenseSpec  `json:"dense,omitempty"`
	Outputs       []string             `json:"outputs"`
	Compression   string               `json:"compression,omitempty"`
	Checksum      string               `json:"checksum"`
}

// Artifact is a loaded container. Payload is already decompressed.
type Artifact struct {
	Path    string
	Header  Header
	Payload []byte
}

// Load reads and verifies the artifact at path.
func Load(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, loadErr("open %s: %w", path, err)
	}
	defer f.Close()
	a, err := Read(f)
	if err != nil {
		return nil, err
	}
	a.Path = path
	return a, nil
}

// Read decodes and verifies a container from r.
func Read(r io.Reader) (*Artifact, error) {
	var prefix [len(Magic) + 4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, loadErr("read prefix: %w", err)
	}
	if string(prefix[:len(Magic)]) != Magic {
		return nil, loadErr("bad magic %q", prefix[:len(Magic)])
	}
	n := binary.BigEndian.Uint32(prefix[len(Magic):])
	if n == 0 || n > maxHeaderBytes {
		return nil, loadErr("header length %d out of range", n)
	}
	hb := make([]byte, n)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, loadErr("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(hb, &h); err != nil {
		return nil, loadErr("decode header: %w", err)
	}
	if h.FormatVersion != FormatVersion {
		return nil, loadErr("unsupported format version %d (want %d)", h.FormatVersion, FormatVersion)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	stored, err := io.ReadAll(r)
	if err != nil {
		return nil, loadErr("read payload: %w", err)
	}
	if sum := checksum(stored); sum != h.Checksum {
		return nil, loadErr("payload checksum %s does not match header %s", sum, h.Checksum)
	}
	payload := stored
	switch h.Compression {
	case "", CompressionNone:
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, loadErr("zstd reader: %w", err)
		}
		defer dec.Close()
		payload, err = dec.DecodeAll(stored, nil)
		if err != nil {
			return nil, loadErr("zstd decode: %w", err)
		}
	default:
		return nil, loadErr("unknown compression %q", h.Compression)
	}
	return &Artifact{Header: h, Payload: payload}, nil
}

// Write encodes a container. FormatVersion, Checksum and the compressed
// payload are filled in from h.Compression.
func Write(w io.Writer, h Header, payload []byte) error {
	h.FormatVersion = FormatVersion
	stored := payload
	switch h.Compression {
	case "", CompressionNone:
		h.Compression = CompressionNone
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		stored = enc.EncodeAll(payload, nil)
		_ = enc.Close()
	default:
		return fmt.Errorf("unknown compression %q", h.Compression)
	}
	h.Checksum = checksum(stored)
	if err := h.Validate(); err != nil {
		return err
	}
	hb, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(Magic)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(hb)))
	buf.Write(n[:])
	buf.Write(hb)
	buf.Write(stored)
	_, err = w.Write(buf.Bytes())
	return err
}

// WriteFile writes a container to path.
func WriteFile(path string, h Header, payload []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, h, payload); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Validate checks the header's internal consistency.
func (h Header) Validate() error {
	if h.ModelKind == "" {
		return loadErr("header has no model kind")
	}
	if len(h.Tables) == 0 {
		return loadErr("header declares no tables")
	}
	for name, t := range h.Tables {
		if t.Rows <= 0 || t.Dim <= 0 {
			return loadErr("table %q has invalid shape %dx%d", name, t.Rows, t.Dim)
		}
	}
	for f, table := range h.Features {
		if _, ok := h.Tables[table]; !ok {
			return loadErr("feature %q references unknown table %q", f, table)
		}
	}
	if len(h.Outputs) == 0 {
		return loadErr("header declares no outputs")
	}
	seen := map[string]struct{}{}
	for _, o := range h.Outputs {
		if _, dup := seen[o]; dup || o == "" {
			return loadErr("invalid or duplicate output %q", o)
		}
		seen[o] = struct{}{}
	}
	return nil
}

// SparseFeatures returns the declared sparse feature names, sorted.
func (h Header) SparseFeatures() []string {
	out := make([]string, 0, len(h.Features))
	for f := range h.Features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// TableShapes converts the declared tables for placement checks.
func (h Header) TableShapes() map[string]placement.TableShape {
	out := make(map[string]placement.TableShape, len(h.Tables))
	for name, t := range h.Tables {
		out[name] = placement.TableShape{Rows: t.Rows, Dim: t.Dim}
	}
	return out
}

// HasOutput reports whether name is part of the serving signature.
func (h Header) HasOutput(name string) bool {
	for _, o := range h.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

func checksum(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

func loadErr(format string, args ...any) error {
	return errs.Newf(errs.KindArtifactLoad, "artifact", format, args...)
}
