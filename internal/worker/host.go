package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"predictd/internal/artifact"
	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/model"
)

// Host owns one model replica on one device.
type Host struct {
	mu     sync.Mutex
	log    zerolog.Logger
	spec   LoadSpec
	header artifact.Header
	mdl    model.Model
}

func NewHost(log zerolog.Logger) *Host { return &Host{log: log} }

// Load reads the artifact and builds the replica, replacing any previous one.
func (h *Host) Load(ctx context.Context, spec LoadSpec) (LoadInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mdl = nil
	art, err := artifact.Load(spec.ArtifactPath)
	if err != nil {
		return LoadInfo{}, attachDevice(err, spec.Device)
	}
	m, err := model.Load(ctx, model.Spec{Header: art.Header, Payload: art.Payload, Device: spec.Device, Shards: spec.Shards})
	if err != nil {
		return LoadInfo{}, attachDevice(err, spec.Device)
	}
	h.spec, h.header, h.mdl = spec, art.Header, m
	info := LoadInfo{ModelKind: art.Header.ModelKind, ModelVersion: art.Header.ModelVersion, PID: os.Getpid()}
	if r, ok := m.(model.Residency); ok {
		info.Resident = r.ResidentTables()
	}
	h.log.Info().Str("device", spec.Device).Str("model_kind", info.ModelKind).
		Str("model_version", info.ModelVersion).Strs("resident", info.Resident).Msg("event=replica_loaded")
	return info, nil
}

// Execute runs one batch through the replica. A panic inside the model is
// reported as an execution error.
func (h *Host) Execute(ctx context.Context, b *feature.Batch) (out *feature.Output, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mdl == nil {
		return nil, errs.Newf(errs.KindExecution, "execute", "no replica loaded").OnDevice(h.spec.Device)
	}
	if err := b.Validate(); err != nil {
		return nil, errs.New(errs.KindExecution, "execute", err).OnDevice(h.spec.Device)
	}
	for _, name := range b.Outputs {
		if !h.header.HasOutput(name) {
			return nil, errs.Newf(errs.KindExecution, "execute", "model has no output %q", name).OnDevice(h.spec.Device)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("device", h.spec.Device).Str("batch_id", b.ID).Interface("panic", r).Msg("event=forward_panic")
			out, err = nil, errs.Newf(errs.KindExecution, "execute", "model panic: %v", r).OnDevice(h.spec.Device)
		}
	}()
	out, err = h.mdl.Forward(ctx, b, b.Outputs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, timeoutErr(ctx, h.spec.Device)
		}
		return nil, attachDevice(errs.New(errs.KindExecution, "execute", err), h.spec.Device)
	}
	if out.Rows != b.Rows {
		return nil, errs.Newf(errs.KindExecution, "execute", "model returned %d rows for %d", out.Rows, b.Rows).OnDevice(h.spec.Device)
	}
	return out, nil
}

func (h *Host) precision() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spec.OutputPrecision
}

// Serve answers frames from r on w until EOF, a shutdown frame, or ctx
// cancellation. It is the body of the worker subprocess.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h *Host) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode frame: %w", err)
		}
		resp := response{Seq: req.Seq}
		switch req.Op {
		case opLoad:
			if req.Load == nil {
				resp.setError(errs.Newf(errs.KindArtifactLoad, "load", "missing load spec"))
				break
			}
			info, err := h.Load(ctx, *req.Load)
			if err != nil {
				resp.setError(err)
				break
			}
			resp.Info = &info
		case opExecute:
			if req.Batch == nil {
				resp.setError(errs.Newf(errs.KindExecution, "execute", "missing batch"))
				break
			}
			out, err := h.Execute(ctx, req.Batch.batch())
			if err != nil {
				resp.setError(err)
				break
			}
			resp.Output = encodeOutput(out, h.precision())
		case opShutdown:
			return enc.Encode(resp)
		default:
			resp.setError(errs.Newf(errs.KindExecution, "serve", "unknown op %q", req.Op))
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
	}
}

func attachDevice(err error, device string) error {
	var e *errs.Error
	if errors.As(err, &e) && e.Device == "" {
		e.Device = device
	}
	return err
}

func timeoutErr(ctx context.Context, device string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Newf(errs.KindBatchTimeout, "execute", "execution exceeded deadline").OnDevice(device)
	}
	return errs.New(errs.KindCancelled, "execute", ctx.Err()).OnDevice(device)
}
