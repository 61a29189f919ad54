package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"token-proxy-go/internal/config"
	"token-proxy-go/internal/metrics"
	"token-proxy-go/internal/tokencache"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	cfg := &config.Config{
		RedirectURL: "http://127.0.0.1:7879",
		Metrics:     config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	m := metrics.New()
	m.ConnectionsTotal.WithLabelValues("ok").Inc()

	e := echo.New()
	RegisterRoutes(e, NewHealthHandler(cfg, tokencache.New(), "test"), cfg, m)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"POST /healthz not allowed", http.MethodPost, "/healthz", http.StatusMethodNotAllowed},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), `token_proxy_connections_total{outcome="ok"} 1`) {
		t.Error("metrics output missing token_proxy_connections_total")
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: false, Path: "/metrics"}}

	e := echo.New()
	RegisterRoutes(e, NewHealthHandler(cfg, tokencache.New(), "test"), cfg, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
