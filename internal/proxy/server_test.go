package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"token-proxy-go/internal/config"
	"token-proxy-go/internal/metrics"
	"token-proxy-go/internal/model"
	"token-proxy-go/internal/provider"
)

type resolverFunc func(ctx context.Context, req *model.Request) error

func (f resolverFunc) Resolve(ctx context.Context, req *model.Request) error { return f(ctx, req) }

type forwarderFunc func(ctx context.Context, req *model.Request) (*model.Response, error)

func (f forwarderFunc) Forward(ctx context.Context, req *model.Request) (*model.Response, error) {
	return f(ctx, req)
}

func noopResolver() Resolver {
	return resolverFunc(func(context.Context, *model.Request) error { return nil })
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:               "127.0.0.1",
			Port:               0,
			BodyMaxBytes:       1 << 20,
			HeaderMaxBytes:     64 << 10,
			ReadTimeoutSeconds: 5,
		},
	}
}

func startServer(t *testing.T, cfg *config.Config, r Resolver, f Forwarder, m *metrics.Metrics) (*Server, func()) {
	t.Helper()
	s := NewServer(cfg, r, f, m, discardLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s, func() {
		if err := s.Stop(context.Background()); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	}
}

// exchange writes raw to a fresh connection and returns everything the
// server sends before closing it.
func exchange(t *testing.T, addr net.Addr, raw string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := io.ReadAll(conn)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("read timed out after %d bytes", len(out))
	}
	return string(out)
}

func TestServer_RelaysResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	var gotAuth string
	resolver := resolverFunc(func(_ context.Context, req *model.Request) error {
		req.Header.Set("Authorization", "Bearer resolved")
		return nil
	})
	forwarder := forwarderFunc(func(_ context.Context, req *model.Request) (*model.Response, error) {
		gotAuth, _ = req.Header.Get("Authorization")
		return model.NewTextResponse(http.StatusOK, "ok"), nil
	})

	m := metrics.New()
	s, stop := startServer(t, testConfig(), resolver, forwarder, m)
	defer stop()

	got := exchange(t, s.Addr(), "GET /x HTTP/1.1\r\nAuthorization: Bearer {{svc}}\r\n\r\n")

	want := "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 2\r\n\r\nok"
	if got != want {
		t.Errorf("response = %q, want %q", got, want)
	}
	if gotAuth != "Bearer resolved" {
		t.Errorf("forwarded Authorization = %q, want %q", gotAuth, "Bearer resolved")
	}
	if v := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues(outcomeOK)); v != 1 {
		t.Errorf("ok connections = %v, want 1", v)
	}
}

func TestServer_ParseErrorClosesWithoutResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"unsupported method", "DELETE /x HTTP/1.1\r\n\r\n", "unsupported_method"},
		{"lowercase method", "get /x HTTP/1.1\r\n\r\n", "unsupported_method"},
		{"missing path", "GET\r\n\r\n", "missing_path"},
		{"bad header", "GET / HTTP/1.1\r\nno colon here\r\n\r\n", "malformed_header"},
		{"bad content-length", "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n", "invalid_content_length"},
		{"truncated body", "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc", "truncated_body"},
	}

	var forwarded atomic.Int32
	forwarder := forwarderFunc(func(context.Context, *model.Request) (*model.Response, error) {
		forwarded.Add(1)
		return model.NewTextResponse(http.StatusOK, "ok"), nil
	})

	m := metrics.New()
	s, stop := startServer(t, testConfig(), noopResolver(), forwarder, m)
	defer stop()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := exchangeHalfClosed(t, s.Addr(), tt.raw)
			if got != "" {
				t.Errorf("response = %q, want no bytes", got)
			}
			if v := testutil.ToFloat64(m.ParseErrors.WithLabelValues(tt.reason)); v < 1 {
				t.Errorf("parse errors{reason=%q} = %v, want >= 1", tt.reason, v)
			}
		})
	}

	if forwarded.Load() != 0 {
		t.Errorf("forwarder called %d times, want 0", forwarded.Load())
	}
}

// exchangeHalfClosed is exchange with the write side closed after raw, so a
// short body reaches EOF instead of waiting on the read deadline.
func exchangeHalfClosed(t *testing.T, addr net.Addr, raw string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	out, _ := io.ReadAll(conn)
	return string(out)
}

func TestServer_ResolveErrorReturns502(t *testing.T) {
	defer goleak.VerifyNone(t)

	resolver := resolverFunc(func(context.Context, *model.Request) error {
		return errors.Join(errors.New("provider \"svc\""), provider.ErrProviderUnreachable)
	})
	forwarder := forwarderFunc(func(context.Context, *model.Request) (*model.Response, error) {
		t.Error("forwarder must not be called after a resolve failure")
		return nil, errors.New("unreachable")
	})

	s, stop := startServer(t, testConfig(), resolver, forwarder, nil)
	defer stop()

	raw := exchange(t, s.Addr(), "GET / HTTP/1.1\r\nAuthorization: Bearer {{svc}}\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v (raw %q)", err, raw)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "credential provider unreachable" {
		t.Errorf("body = %q", body)
	}
}

func TestServer_ForwardErrorReturns502(t *testing.T) {
	defer goleak.VerifyNone(t)

	forwarder := forwarderFunc(func(context.Context, *model.Request) (*model.Response, error) {
		return nil, context.DeadlineExceeded
	})

	s, stop := startServer(t, testConfig(), noopResolver(), forwarder, nil)
	defer stop()

	raw := exchange(t, s.Addr(), "POST /submit HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc")
	if !strings.HasPrefix(raw, "HTTP/1.1 502 Bad Gateway\r\n") {
		t.Errorf("response = %q, want 502", raw)
	}
	if !strings.HasSuffix(raw, "upstream request timed out") {
		t.Errorf("response = %q, want timeout body", raw)
	}
}

func TestServer_RecoversFromPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	forwarder := forwarderFunc(func(context.Context, *model.Request) (*model.Response, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return model.NewTextResponse(http.StatusOK, "fine"), nil
	})

	m := metrics.New()
	s, stop := startServer(t, testConfig(), noopResolver(), forwarder, m)
	defer stop()

	if got := exchange(t, s.Addr(), "GET / HTTP/1.1\r\n\r\n"); got != "" {
		t.Errorf("first response = %q, want no bytes", got)
	}
	if got := exchange(t, s.Addr(), "GET / HTTP/1.1\r\n\r\n"); !strings.HasSuffix(got, "fine") {
		t.Errorf("second response = %q, want body %q", got, "fine")
	}
	if v := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues(outcomePanic)); v != 1 {
		t.Errorf("panic connections = %v, want 1", v)
	}
}

func TestServer_ReadTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.Server.ReadTimeoutSeconds = 1

	m := metrics.New()
	s, stop := startServer(t, cfg, noopResolver(), forwarderFunc(func(context.Context, *model.Request) (*model.Response, error) {
		return model.NewTextResponse(http.StatusOK, "ok"), nil
	}), m)
	defer stop()

	start := time.Now()
	if got := exchange(t, s.Addr(), "GET /slow HTTP/1.1\r\n"); got != "" {
		t.Errorf("response = %q, want no bytes", got)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("connection held for %v, want about 1s", elapsed)
	}
	if v := testutil.ToFloat64(m.ParseErrors.WithLabelValues("timeout")); v != 1 {
		t.Errorf("timeout parse errors = %v, want 1", v)
	}
}

func TestServer_RateLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, ConnectionsPerSecond: 0.001, Burst: 1}

	m := metrics.New()
	s, stop := startServer(t, cfg, noopResolver(), forwarderFunc(func(context.Context, *model.Request) (*model.Response, error) {
		return model.NewTextResponse(http.StatusOK, "ok"), nil
	}), m)
	defer stop()

	if got := exchange(t, s.Addr(), "GET / HTTP/1.1\r\n\r\n"); !strings.HasSuffix(got, "ok") {
		t.Errorf("first response = %q, want ok", got)
	}
	if got := exchange(t, s.Addr(), "GET / HTTP/1.1\r\n\r\n"); got != "" {
		t.Errorf("second response = %q, want no bytes", got)
	}
	if v := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues(outcomeRateLimited)); v != 1 {
		t.Errorf("rate limited connections = %v, want 1", v)
	}
}

func TestServer_StopCancelsInFlightAfterDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	entered := make(chan struct{})
	forwarder := forwarderFunc(func(ctx context.Context, _ *model.Request) (*model.Response, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	s := NewServer(testConfig(), noopResolver(), forwarder, nil, discardLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	result := make(chan string, 1)
	go func() {
		result <- exchange(t, s.Addr(), "GET / HTTP/1.1\r\n\r\n")
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want %v", err, context.DeadlineExceeded)
	}

	if got := <-result; !strings.Contains(got, "502 Bad Gateway") {
		t.Errorf("in-flight response = %q, want 502", got)
	}

	if _, err := net.DialTimeout("tcp", s.Addr().String(), 200*time.Millisecond); err == nil {
		t.Error("listener still accepting after Stop")
	}
}

// endlessBody streams filler bytes until closed.
type endlessBody struct {
	once    sync.Once
	started chan struct{}
}

func (b *endlessBody) Read(p []byte) (int, error) {
	b.once.Do(func() { close(b.started) })
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func (b *endlessBody) Close() error { return nil }

func TestServer_StopUnblocksClientThatStoppedReading(t *testing.T) {
	defer goleak.VerifyNone(t)

	body := &endlessBody{started: make(chan struct{})}
	forwarder := forwarderFunc(func(context.Context, *model.Request) (*model.Response, error) {
		return &model.Response{StatusCode: http.StatusOK, Body: body}, nil
	})

	s := NewServer(testConfig(), noopResolver(), forwarder, nil, discardLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := io.WriteString(conn, "GET /large HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-body.started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(ctx) }()

	select {
	case err := <-stopped:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Stop() error = %v, want %v", err, context.DeadlineExceeded)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return while the client was not reading")
	}
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := NewServer(testConfig(), noopResolver(), nil, nil, discardLogger())
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.Addr() != nil {
		t.Errorf("Addr() = %v, want nil", s.Addr())
	}
}
