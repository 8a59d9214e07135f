package adminserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pbxsim/pbx/internal/metrics"
	"github.com/pbxsim/pbx/internal/pbxregistry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthzReportsRegisteredCount(t *testing.T) {
	pbx := pbxregistry.New(4, testLogger())
	collector := metrics.NewCollector(pbx, time.Now())
	srv := New(pbx, collector, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["registered_extensions"] != float64(0) {
		t.Errorf("registered_extensions = %v, want 0", body["registered_extensions"])
	}
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	pbx := pbxregistry.New(4, testLogger())
	collector := metrics.NewCollector(pbx, time.Now())
	srv := New(pbx, collector, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); len(got) == 0 {
		t.Error("expected non-empty metrics body")
	}
}

func TestDebugExtensionsReturnsSnapshot(t *testing.T) {
	pbx := pbxregistry.New(4, testLogger())
	collector := metrics.NewCollector(pbx, time.Now())
	srv := New(pbx, collector, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/debug/extensions", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var snap []pbxregistry.ExtensionStatus
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("len(snap) = %d, want 0 for empty registry", len(snap))
	}
}
