package httpapi

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"predictd/internal/errs"
)

func bytesContains(b []byte, s string) bool { return bytes.Contains(b, []byte(s)) }

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"weird": LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevelOverrides(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
	SetRequestLogLevel("info")
	defer SetRequestLogLevel("")
	if got := requestLogLevel(httptest.NewRequest("GET", "/x", nil)); got != LevelInfo {
		t.Fatalf("default not applied: %v", got)
	}
}

func TestPredictLogsAtInfo(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer SetLogger(zerolog.Nop())
	SetRequestLogLevel("info")
	defer SetRequestLogLevel("")

	postPredict(t, NewMux(&mockService{}), `{"id":"abc","sparse":{"p":[1]}}`)
	out := buf.String()
	if !strings.Contains(out, "predict end") || !strings.Contains(out, `"id":"abc"`) {
		t.Fatalf("missing predict log line: %q", out)
	}
}

func TestPredictFailureLogsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer SetLogger(zerolog.Nop())
	SetRequestLogLevel("error")
	defer SetRequestLogLevel("")

	svc := &mockService{predictErr: errs.QueueFull(4)}
	postPredict(t, NewMux(svc), `{"id":"abc","sparse":{"p":[1]}}`)
	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"status":429`) {
		t.Fatalf("expected warn-level failure line, got %q", out)
	}
}

func TestPredictLeavesDeadlineToService(t *testing.T) {
	svc := &mockService{}
	if w := postPredict(t, NewMux(svc), `{"sparse":{"p":[1]}}`); w.Code != 200 {
		t.Fatalf("status=%d", w.Code)
	}
	if svc.deadline {
		t.Fatalf("handler must not add its own predict deadline")
	}
}

func TestJoinContexts(t *testing.T) {
	base, cancelBase := context.WithCancel(context.Background())
	req, cancelReq := context.WithTimeout(context.Background(), time.Hour)
	defer cancelReq()
	ctx, cancel := joinContexts(base, req)
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Fatalf("request deadline lost")
	}
	cancelBase()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("joined context not cancelled by base")
	}
}
