package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"predictd/internal/errs"
	"predictd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Predict(ctx context.Context, req types.PredictRequest) (types.PredictResponse, error)
	Status() types.StatusResponse
	Ready() bool
	Reload(ctx context.Context, device string) error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Post("/v1/predict", predictHandler(svc))

	r.Post("/v1/workers/{device}/reload", func(w http.ResponseWriter, r *http.Request) {
		dev := chi.URLParam(r, "device")
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.Reload(ctx, dev); err != nil {
			status := writeEngineError(w, err)
			zlog.Warn().Str("device", dev).Int("status", status).Err(err).Msg("event=worker_reload_rejected")
			return
		}
		zlog.Info().Str("device", dev).Msg("event=worker_reload_requested")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"device": dev, "state": "ready"})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func predictHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.PredictRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeEngineError(w, errs.Invalid("invalid JSON body: %v", err))
			return
		}

		start := time.Now()
		lvl := requestLogLevel(r)
		rid := middleware.GetReqID(r.Context())

		// The request timeout is applied by the service.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		resp, err := svc.Predict(ctx, req)
		if err != nil {
			// A client that went away gets nothing written.
			if r.Context().Err() != nil {
				return
			}
			status := writeEngineError(w, err)
			if lvl >= LevelError {
				zlog.Warn().Str("request_id", rid).Int("status", status).Dur("dur", time.Since(start)).Err(err).Msg("predict end")
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			return
		}
		if lvl >= LevelInfo {
			z := zlog.Info().Str("request_id", rid).Str("id", resp.ID).Int("status", http.StatusOK).Dur("dur", time.Since(start))
			if lvl >= LevelDebug {
				z = z.Int("sparse_features", len(req.Sparse)).Int("dense_features", len(req.Dense))
			}
			z.Msg("predict end")
		}
	}
}
