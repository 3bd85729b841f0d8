package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/agentbeats/fabench/internal/config"
	"github.com/agentbeats/fabench/internal/health"
)

func testConfig() *config.Config {
	conf := &config.Config{}
	conf.Service.SelfID = "green-test"
	conf.Service.Port = 8080
	conf.Service.MetricsPort = 2112
	conf.Service.AuthToken = "secret"
	conf.Service.IngestRate = 50
	conf.Service.IngestBurst = 100
	conf.Service.GracefulTimeout = 5 * time.Second
	conf.Evaluation.ResponseTimeout = time.Second
	conf.Evaluation.RebuttalTimeout = time.Second
	conf.Evaluation.Concurrency = 1
	conf.Judges.Mode = "heuristic"
	conf.Streaming.RingCapacity = 16
	return conf
}

func TestNewAssemblesService(t *testing.T) {
	s, err := New(testConfig(), zaptest.NewLogger(t), zap.NewAtomicLevel())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Runner() == nil {
		t.Fatal("runner not built")
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want 200", rec.Code)
	}
	var overall health.OverallHealth
	if err := json.NewDecoder(rec.Body).Decode(&overall); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if overall.Status != health.StatusHealthy {
		t.Fatalf("overall status = %s, want healthy", overall.Status)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var detailed health.DetailedHealth
	if err := json.NewDecoder(rec.Body).Decode(&detailed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := detailed.Components["run_registry"]; !ok {
		t.Fatal("run_registry checker not registered")
	}
}

func TestRoutesAreWired(t *testing.T) {
	s, err := New(testConfig(), zaptest.NewLogger(t), zap.NewAtomicLevel())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Inbox rejects a missing token rather than 404ing.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a2a/inbox", strings.NewReader(`{}`))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("/a2a/inbox status = %d, want 401", rec.Code)
	}

	// SSE endpoint validates its input.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/sse", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("/stream/sse status = %d, want 400", rec.Code)
	}

	// Evaluate validates its payload.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/evaluate", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("/evaluate status = %d, want 400", rec.Code)
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(nil, zaptest.NewLogger(t), zap.NewAtomicLevel()); err == nil {
		t.Fatal("expected nil config to fail")
	}
}
