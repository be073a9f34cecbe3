// SPDX-License-Identifier: MIT
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"ultrasonic/internal/config"
	"ultrasonic/internal/manager"
	"ultrasonic/internal/registry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "device_mapping.json"))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	cfg := &config.Config{
		MaxConcurrentDevices: 2,
		Audio: config.AudioDefaults{
			DeviceNames: []string{"default"}, SampleRate: 48000, FFTSize: 1024, BlockSize: 512,
			WindowKind: "hann", OverlapFraction: 0,
		},
		Stream: config.StreamDefaults{
			TargetFps: 30, CompressionLevel: 6, MagnitudeThresholdDb: -80, ThresholdDb: -100,
			SimilarityThreshold: 0.95, EnableSmartSkip: true, EnableAdaptiveFps: true,
			MinAdaptiveFps: 5, MaxAdaptiveFps: 60,
		},
	}
	mgr := manager.New(cfg, reg, prometheus.NewRegistry())
	t.Cleanup(mgr.Close)
	return New(mgr)
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestHandleSystemStatus_ReturnsZeroCountsInitially(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st manager.SystemStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if st.TotalCount != 0 {
		t.Errorf("TotalCount = %d, want 0", st.TotalCount)
	}
}

func TestHandleListDevices_ReturnsEmptyArray(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
}

func TestHandleDeviceStart_UnknownIDReturnsConflict(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/devices/nonexistent_000000/start", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestHandleDeviceStatus_UnknownIDReturnsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/devices/nonexistent_000000/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleBatchStart_BadJSONReturnsBadRequest(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/devices/batch-start", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleMetrics_IsServed(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
