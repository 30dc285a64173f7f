package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"predictd/internal/errs"
	"predictd/internal/gateway"
	"predictd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) (int, *gateway.Error) {
	ge := gateway.AsError(err)
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode(), ge
	}
	switch ge.Kind {
	case errs.KindInvalidRequest:
		return http.StatusBadRequest, ge
	case errs.KindQueueFull:
		return http.StatusTooManyRequests, ge
	case errs.KindPoolExhausted, errs.KindShuttingDown, errs.KindNoDevice:
		return http.StatusServiceUnavailable, ge
	case errs.KindBatchTimeout:
		return http.StatusGatewayTimeout, ge
	case errs.KindCancelled:
		return http.StatusRequestTimeout, ge
	default:
		return http.StatusInternalServerError, ge
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeErrorResponse(w, types.ErrorResponse{Error: msg, Code: status})
}

func writeEngineError(w http.ResponseWriter, err error) int {
	status, ge := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(string(ge.Kind))
		w.Header().Set("Retry-After", "1")
	}
	writeErrorResponse(w, types.ErrorResponse{Error: ge.Message, Code: status, Kind: string(ge.Kind), Retryable: ge.Retryable})
	return status
}

func writeErrorResponse(w http.ResponseWriter, body types.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Code)
	_ = json.NewEncoder(w).Encode(body)
}
