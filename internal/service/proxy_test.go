package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"token-proxy-go/internal/client"
	"token-proxy-go/internal/config"
	"token-proxy-go/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestForwarder(t *testing.T, redirectURL string, timeoutSeconds int) *Forwarder {
	t.Helper()
	cfg := &config.Config{
		RedirectURL: redirectURL,
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
	return NewForwarder(client.New(cfg, discardLogger(), nil), cfg, discardLogger())
}

func TestBuildUpstreamURL(t *testing.T) {
	tests := []struct {
		name     string
		redirect string
		path     string
		want     string
	}{
		{"plain path", "http://origin:7879", "/api/data", "http://origin:7879/api/data"},
		{"query kept verbatim", "http://origin:7879", "/search?q=a%20b&x=1", "http://origin:7879/search?q=a%20b&x=1"},
		{"trailing slash trimmed", "http://origin:7879/", "/x", "http://origin:7879/x"},
		{"base path prefix", "https://origin/v1", "/items", "https://origin/v1/items"},
		{"root", "http://origin", "/", "http://origin/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestForwarder(t, tt.redirect, 10)
			if got := f.buildUpstreamURL(tt.path); got != tt.want {
				t.Errorf("buildUpstreamURL(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestBuildRequestHeader(t *testing.T) {
	var src model.Header
	src.Set("Host", "proxy.local:8081")
	src.Set("Authorization", "Bearer real-token")
	src.Set("content-length", "5")
	src.Set("X-Custom", "kept")
	src.Set("Accept", "*/*")

	got := buildRequestHeader(&src)
	want := http.Header{
		"Authorization": {"Bearer real-token"},
		"X-Custom":      {"kept"},
		"Accept":        {"*/*"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("buildRequestHeader() mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildResponseHeader(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"text/plain"},
		"Content-Length":    {"42"},
		"Transfer-Encoding": {"chunked"},
		"Keep-Alive":        {"timeout=5"},
		"Connection":        {"X-Hop, keep-alive"},
		"X-Hop":             {"secret"},
		"Vary":              {"Accept", "Origin"},
	}

	got := buildResponseHeader(src)

	wantKeys := []string{"Content-Length", "Content-Type", "Vary", "Connection"}
	var keys []string
	got.Each(func(name, _ string) { keys = append(keys, name) })
	if diff := cmp.Diff(wantKeys, keys); diff != "" {
		t.Errorf("header names mismatch (-want +got):\n%s", diff)
	}
	if v, _ := got.Get("Connection"); v != "close" {
		t.Errorf("Connection = %q, want %q", v, "close")
	}
	if v, _ := got.Get("Vary"); v != "Accept, Origin" {
		t.Errorf("Vary = %q, want %q", v, "Accept, Origin")
	}
}

func TestForward_HappyPath(t *testing.T) {
	var upstreamHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHost = r.Host
		if got := r.Header.Get("Authorization"); got != "Bearer tok1" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok1")
		}
		if got := r.URL.RequestURI(); got != "/api/data?id=7" {
			t.Errorf("RequestURI = %q, want %q", got, "/api/data?id=7")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"a":1}` {
			t.Errorf("body = %q, want %q", body, `{"a":1}`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream.URL, 10)

	req := &model.Request{Method: model.MethodPost, Path: "/api/data?id=7", Body: []byte(`{"a":1}`)}
	req.Header.Set("Host", "proxy.local:8081")
	req.Header.Set("Authorization", "Bearer tok1")
	req.Header.Set("Content-Length", "7")

	resp, err := f.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if got, _ := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	if got, _ := resp.Header.Get("Connection"); got != "close" {
		t.Errorf("Connection = %q, want %q", got, "close")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", body, `{"result":"ok"}`)
	}
	if want := strings.TrimPrefix(upstream.URL, "http://"); upstreamHost != want {
		t.Errorf("upstream Host = %q, want %q", upstreamHost, want)
	}
}

func TestForward_PassesErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream.URL, 10)
	req := &model.Request{Method: model.MethodGet, Path: "/"}

	resp, err := f.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestForward_Unreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	f := newTestForwarder(t, url, 10)
	_, err := f.Forward(context.Background(), &model.Request{Method: model.MethodGet, Path: "/"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("Forward() error = %v, want %v", err, ErrUpstream)
	}
}

func TestForward_Timeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream.URL, 1)

	start := time.Now()
	_, err := f.Forward(context.Background(), &model.Request{Method: model.MethodGet, Path: "/slow"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("Forward() error = %v, want %v", err, ErrUpstream)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Forward() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Forward() took %v, want about 1s", elapsed)
	}
}
