package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetWorkerStateIsOneHot(t *testing.T) {
	SetWorkerState("cpu:7", "ready")
	SetWorkerState("cpu:7", "busy")
	if v := testutil.ToFloat64(workerState.WithLabelValues("cpu:7", "busy")); v != 1 {
		t.Fatalf("busy = %v, want 1", v)
	}
	if v := testutil.ToFloat64(workerState.WithLabelValues("cpu:7", "ready")); v != 0 {
		t.Fatalf("ready = %v, want 0", v)
	}
	ForgetWorker("cpu:7")
	if n := testutil.CollectAndCount(workerState); n != 0 {
		t.Fatalf("expected no series after forget, got %d", n)
	}
}

func TestCountersAndHistograms(t *testing.T) {
	before := testutil.ToFloat64(batchesClosed.WithLabelValues("timer"))
	ObserveBatch(3, "timer")
	if got := testutil.ToFloat64(batchesClosed.WithLabelValues("timer")); got != before+1 {
		t.Fatalf("batches closed = %v, want %v", got, before+1)
	}
	SetQueueDepth(4)
	if got := testutil.ToFloat64(queueDepth); got != 4 {
		t.Fatalf("queue depth = %v", got)
	}
	IncDispatchRejected("overloaded")
	IncWorkerLoad("cpu:0", "ok")
	ObserveExecution("cpu:0", "ok", time.Millisecond)
	ObserveRequest("ok", time.Millisecond)
	if n := testutil.CollectAndCount(requestDuration); n == 0 {
		t.Fatalf("expected request histogram series")
	}
}
