package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T) []byte {
	t.Helper()
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", rr.Code)
	}
	return rr.Body.Bytes()
}

func TestMetricsMiddleware_EmitsRequestCounters(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rr := httptest.NewRecorder()
	MetricsMiddleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status 418, got %d", rr.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/test", "GET", "418")); got < 1 {
		t.Fatalf("counter not incremented: %v", got)
	}
	if !bytes.Contains(scrape(t), []byte("localllm_http_requests_total")) {
		t.Fatalf("expected localllm_http_requests_total in metrics")
	}
}

// Labels use the chi route pattern, not the raw path.
func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/generations/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/generations/abc123", nil))

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/generations/{id}", "GET", "200")); got < 1 {
		t.Fatalf("expected pattern label, got %v", got)
	}
	if bytes.Contains(scrape(t), []byte("abc123")) {
		t.Fatalf("raw path leaked into labels")
	}
}

func TestStreamDisconnectCounter(t *testing.T) {
	before := testutil.ToFloat64(streamDisconnects)
	streamDisconnects.Inc()
	if testutil.ToFloat64(streamDisconnects) != before+1 {
		t.Fatalf("counter did not move")
	}
}
