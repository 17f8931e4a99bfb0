package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTxHandleMetrics(t *testing.T) {
	SetTxHandles(3)
	if got := testutil.ToFloat64(txHandlesOpen); got != 3 {
		t.Errorf("open handles = %v, want 3", got)
	}
	SetTxHandles(0)
	if got := testutil.ToFloat64(txHandlesOpen); got != 0 {
		t.Errorf("open handles = %v, want 0", got)
	}

	before := testutil.ToFloat64(txHandlesEvicted)
	RecordTxEvicted()
	if got := testutil.ToFloat64(txHandlesEvicted); got != before+1 {
		t.Errorf("evicted = %v, want %v", got, before+1)
	}
}

func TestCounters(t *testing.T) {
	tests := []struct {
		name   string
		record func()
		read   func() float64
	}{
		{
			name:   "worker iteration",
			record: func() { RecordWorkerIteration("meetings", "processed") },
			read:   func() float64 { return testutil.ToFloat64(workerIterations.WithLabelValues("meetings", "processed")) },
		},
		{
			name:   "sync outcome",
			record: func() { RecordSyncOutcome("notifications", "skipped") },
			read:   func() float64 { return testutil.ToFloat64(syncOutcomes.WithLabelValues("notifications", "skipped")) },
		},
		{
			name:   "webhook event",
			record: func() { RecordWebhookEvent("recording.completed", "processed") },
			read: func() float64 {
				return testutil.ToFloat64(webhookEvents.WithLabelValues("recording.completed", "processed"))
			},
		},
		{
			name:   "rate limit rejection",
			record: func() { RecordRateLimitRejection("zoom") },
			read:   func() float64 { return testutil.ToFloat64(rateLimitRejections.WithLabelValues("zoom")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.read()
			tt.record()
			tt.record()
			if got := tt.read(); got != before+2 {
				t.Errorf("counter = %v, want %v", got, before+2)
			}
		})
	}
}

func TestGauges(t *testing.T) {
	SetQueueDepth("meetings", 4)
	SetQueueDepth("notifications", 0)
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("meetings")); got != 4 {
		t.Errorf("meetings depth = %v", got)
	}

	SetDBConnections(12)
	if got := testutil.ToFloat64(dbConnectionsActive); got != 12 {
		t.Errorf("db connections = %v", got)
	}

	SetCircuitState("zoom", 1)
	SetCircuitState("zoom", 2)
	if got := testutil.ToFloat64(circuitState.WithLabelValues("zoom")); got != 2 {
		t.Errorf("circuit state = %v", got)
	}
}

func TestRecordProviderCall(t *testing.T) {
	RecordProviderCall("create", "ok", 300*time.Millisecond)
	RecordProviderCall("delete", "not_found", 120*time.Millisecond)

	if n := testutil.CollectAndCount(providerCallDuration); n < 2 {
		t.Errorf("expected at least 2 series, got %d", n)
	}
}

func TestHandler(t *testing.T) {
	SetTxHandles(1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ocg_tx_handles_open 1") {
		t.Error("metrics output missing ocg_tx_handles_open")
	}
}

func TestMiddleware_RoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/webhooks/{provider}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/webhooks/{provider}", "204"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/zoom", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/webhooks/{provider}", "204")); got != before+1 {
		t.Errorf("requests = %v, want %v", got, before+1)
	}

	unmatched := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-login.php", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got != unmatched+1 {
		t.Errorf("unmatched requests = %v, want %v", got, unmatched+1)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
