package daemon

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/atmosphere-mesh/atmosphere/internal/telemetry"
)

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/api/health", "/api/health"},
		{"/api/mesh/status", "/api/mesh/status"},
		{"/api/mesh/peers", "/api/mesh/peers"},
		{"/api/mesh/peers/node-b", "/api/mesh/peers/:id"},
		{"/api/capabilities/node-b/llm-chat", "/api/capabilities/:id"},
		// Trailing slashes are stripped before matching
		{"/api/mesh/peers/node-b/", "/api/mesh/peers/:id"},
		// Unknown segments pass through
		{"/api/mesh/unknown/thing", "/api/mesh/unknown/thing"},
		// Root path
		{"/", "/"},
		{"/metrics", "/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizePath(tt.input)
			if got != tt.want {
				t.Errorf("sanitizePath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInstrumentHandler_NilPassthrough(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	wrapped := InstrumentHandler(handler, nil, nil)

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if !called {
		t.Error("handler was not called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestInstrumentHandler_RecordsMetrics(t *testing.T) {
	m := telemetry.New("test-0.1.0", runtime.Version())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := InstrumentHandler(handler, m, nil)

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	val := gatherCounter(t, m, "atmosphere_daemon_requests_total", map[string]string{
		"method": "GET", "path": "/api/health", "status": "200",
	})
	if val != 1 {
		t.Errorf("DaemonRequestsTotal = %v, want 1", val)
	}
}

func TestInstrumentHandler_CapturesErrorStatus(t *testing.T) {
	m := telemetry.New("test-0.1.0", runtime.Version())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	wrapped := InstrumentHandler(handler, m, nil)

	req := httptest.NewRequest("GET", "/api/unknown", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}

	val := gatherCounter(t, m, "atmosphere_daemon_requests_total", map[string]string{
		"method": "GET", "path": "/api/unknown", "status": "404",
	})
	if val != 1 {
		t.Errorf("DaemonRequestsTotal = %v, want 1", val)
	}
}

func TestInstrumentHandler_SanitizesPath(t *testing.T) {
	m := telemetry.New("test-0.1.0", runtime.Version())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := InstrumentHandler(handler, m, nil)

	req := httptest.NewRequest("GET", "/api/mesh/peers/node-b-long-id", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	val := gatherCounter(t, m, "atmosphere_daemon_requests_total", map[string]string{
		"method": "GET", "path": "/api/mesh/peers/:id", "status": "200",
	})
	if val != 1 {
		t.Errorf("DaemonRequestsTotal with sanitized path = %v, want 1", val)
	}
}

func TestInstrumentHandler_RecordsDuration(t *testing.T) {
	m := telemetry.New("test-0.1.0", runtime.Version())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := InstrumentHandler(handler, m, nil)

	req := httptest.NewRequest("POST", "/api/route", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	count := gatherHistogramCount(t, m, "atmosphere_daemon_request_duration_seconds", map[string]string{
		"method": "POST", "path": "/api/route", "status": "200",
	})
	if count != 1 {
		t.Errorf("DaemonRequestDurationSeconds sample count = %d, want 1", count)
	}
}

func TestInstrumentHandler_MultipleRequests(t *testing.T) {
	m := telemetry.New("test-0.1.0", runtime.Version())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := InstrumentHandler(handler, m, nil)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/api/health", nil)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
	}

	val := gatherCounter(t, m, "atmosphere_daemon_requests_total", map[string]string{
		"method": "GET", "path": "/api/health", "status": "200",
	})
	if val != 5 {
		t.Errorf("DaemonRequestsTotal = %v, want 5", val)
	}
}

func TestStatusRecorder_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	sr.Write([]byte("hello"))

	if sr.status != http.StatusOK {
		t.Errorf("default status = %d, want 200", sr.status)
	}
}

func TestStatusRecorder_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	sr.WriteHeader(http.StatusCreated)

	if sr.status != http.StatusCreated {
		t.Errorf("status = %d, want 201", sr.status)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware("test-secret-token")(inner)

	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("Authorization", "Bearer test-secret-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called")
	})
	handler := authMiddleware("test-secret-token")(inner)

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called")
	})
	handler := authMiddleware("test-secret-token")(inner)

	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_EmptyExpectedAllowsAll(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware("")(inner)

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with no configured token, got %d", rec.Code)
	}
}

// --- Test helpers using Registry.Gather() ---

func gatherCounter(t *testing.T, m *telemetry.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gatherHistogramCount(t *testing.T, m *telemetry.Metrics, name string, labels map[string]string) uint64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, expected map[string]string) bool {
	if len(pairs) != len(expected) {
		return false
	}
	for _, lp := range pairs {
		if expected[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}
