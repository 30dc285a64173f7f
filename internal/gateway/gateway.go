// Package gateway is the transport-agnostic request boundary: it turns wire
// requests into feature requests, awaits their futures and reports failures
// as structured errors.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"predictd/internal/batching"
	"predictd/internal/errs"
	"predictd/internal/feature"
	"predictd/internal/metrics"
	"predictd/pkg/types"
)

// Submitter accepts requests for batching.
type Submitter interface {
	Submit(ctx context.Context, r *feature.Request) (*batching.Future, error)
}

// Error is the structured failure returned to transports.
type Error struct {
	Kind      errs.Kind
	Retryable bool
	Message   string
	err       error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.err }

// AsError converts any engine error into an *Error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: errs.KindOf(err), Retryable: errs.IsRetryable(err), Message: err.Error(), err: err}
}

type Config struct {
	// RequestTimeout bounds one Predict call; zero leaves it to the caller.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

type Gateway struct {
	sub     Submitter
	timeout time.Duration
	log     zerolog.Logger
}

func New(sub Submitter, cfg Config) *Gateway {
	return &Gateway{sub: sub, timeout: cfg.RequestTimeout, log: cfg.Logger}
}

// Predict submits one request and waits for its result. When ctx ends
// before the request joins a closed batch the request is withdrawn.
func (g *Gateway) Predict(ctx context.Context, req types.PredictRequest) (types.PredictResponse, error) {
	start := time.Now()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	fr := &feature.Request{ID: req.ID, Sparse: req.Sparse, Dense: req.Dense, Outputs: req.Outputs}
	f, err := g.sub.Submit(ctx, fr)
	if err != nil {
		return types.PredictResponse{}, g.fail(err, start)
	}
	res, err := f.Await(ctx)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			withdrawn := f.Cancel()
			g.log.Debug().Str("request_id", f.ID()).Bool("withdrawn", withdrawn).Msg("event=predict_abandoned")
			if errors.Is(cerr, context.DeadlineExceeded) {
				err = errs.New(errs.KindBatchTimeout, "predict", cerr)
			} else {
				err = errs.New(errs.KindCancelled, "predict", cerr)
			}
		}
		return types.PredictResponse{}, g.fail(err, start)
	}
	metrics.ObserveRequest("ok", time.Since(start))
	return types.PredictResponse{ID: res.RequestID, Outputs: res.Outputs}, nil
}

func (g *Gateway) fail(err error, start time.Time) *Error {
	ge := AsError(err)
	metrics.ObserveRequest(string(ge.Kind), time.Since(start))
	return ge
}
