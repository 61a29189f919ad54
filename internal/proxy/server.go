// Package proxy accepts raw client connections and runs each one through
// parse, token resolution, forwarding, and response relay.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"token-proxy-go/internal/config"
	"token-proxy-go/internal/metrics"
	"token-proxy-go/internal/model"
	"token-proxy-go/internal/wire"
)

// Connection outcomes recorded in metrics.
const (
	outcomeOK           = "ok"
	outcomeParseError   = "parse_error"
	outcomeResolveError = "resolve_error"
	outcomeForwardError = "forward_error"
	outcomeWriteError   = "write_error"
	outcomeRateLimited  = "rate_limited"
	outcomePanic        = "panic"
)

// Resolver rewrites a request's credentials in place.
type Resolver interface {
	Resolve(ctx context.Context, req *model.Request) error
}

// Forwarder relays a request upstream. The caller closes the response body.
type Forwarder interface {
	Forward(ctx context.Context, req *model.Request) (*model.Response, error)
}

// Server is the proxy listener. Each accepted connection carries exactly one
// request and is closed after the response has been relayed.
type Server struct {
	addr        string
	parser      wire.Parser
	readTimeout time.Duration
	limiter     *rate.Limiter

	resolver  Resolver
	forwarder Forwarder
	metrics   *metrics.Metrics
	logger    *slog.Logger

	listener    net.Listener
	done        chan struct{}
	connCtx     context.Context
	connCancel  context.CancelFunc
	connections sync.WaitGroup
	stopOnce    sync.Once
}

// NewServer creates a Server from cfg.Server. The metrics parameter is optional.
func NewServer(cfg *config.Config, resolver Resolver, forwarder Forwarder, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		addr: cfg.Server.Addr(),
		parser: wire.Parser{
			MaxHeaderBytes: cfg.Server.HeaderMaxBytes,
			MaxBodyBytes:   cfg.Server.BodyMaxBytes,
		},
		readTimeout: time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		resolver:    resolver,
		forwarder:   forwarder,
		metrics:     m,
		logger:      logger.With("component", "proxy_server"),
	}
	if rl := cfg.Server.RateLimit; rl.Enabled {
		s.limiter = rate.NewLimiter(rate.Limit(rl.ConnectionsPerSecond), rl.Burst)
	}
	return s
}

// Start binds the listener and serves connections in the background until
// Stop is called. ctx only bounds the bind.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.listener = listener
	s.connCtx, s.connCancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.acceptLoop()
	}()

	s.logger.Info("proxy listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
// Returns nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections. If ctx ends
// first, in-flight requests are canceled and Stop still waits for them to
// unwind before returning ctx's error.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		_ = s.listener.Close()
	})

	select {
	case <-s.done:
		s.connCancel()
		s.logger.Info("proxy stopped")
		return nil
	case <-ctx.Done():
		s.connCancel()
		<-s.done
		s.logger.Warn("proxy stopped with in-flight connections canceled")
		return ctx.Err()
	}
}

// acceptLoop returns once the listener is closed and every connection
// goroutine has finished.
func (s *Server) acceptLoop() {
	defer s.connections.Wait()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn("connection rejected by rate limiter", "remote_addr", conn.RemoteAddr().String())
			s.recordOutcome(outcomeRateLimited)
			_ = conn.Close()
			continue
		}

		s.connections.Add(1)
		go func() {
			defer s.connections.Done()
			s.handleConnection(conn, uuid.NewString())
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn, connectionID string) {
	logger := s.logger.With(
		"connection_id", connectionID,
		"remote_addr", conn.RemoteAddr().String(),
	)

	if s.metrics != nil {
		s.metrics.ConnectionsInFlight.Inc()
		defer s.metrics.ConnectionsInFlight.Dec()
	}
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling connection",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			s.recordOutcome(outcomePanic)
		}
	}()

	logger.Debug("connection accepted")
	s.recordOutcome(s.serve(conn, logger))
	logger.Debug("connection closed")
}

// serve handles the single request on conn and returns the outcome label.
func (s *Server) serve(conn net.Conn, logger *slog.Logger) string {
	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	// Shutdown unblocks reads and writes to a client that stopped reading.
	stop := context.AfterFunc(s.connCtx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	req, err := s.parser.Parse(bufio.NewReader(conn))
	if err != nil {
		reason := parseErrorReason(err)
		if s.metrics != nil {
			s.metrics.ParseErrors.WithLabelValues(reason).Inc()
		}
		logger.Debug("dropping unparseable request", "reason", reason, "err", err)
		return outcomeParseError
	}
	_ = conn.SetReadDeadline(time.Time{})

	logger = logger.With("method", req.Method, "path", req.Path)
	ctx := s.connCtx

	if err := s.resolver.Resolve(ctx, req); err != nil {
		s.writeError(conn, logger, err)
		return outcomeResolveError
	}

	resp, err := s.forwarder.Forward(ctx, req)
	if err != nil {
		s.writeError(conn, logger, err)
		return outcomeForwardError
	}
	defer func() { _ = resp.Body.Close() }()

	if err := wire.WriteResponse(conn, resp); err != nil {
		logger.Warn("relaying response", "status", resp.StatusCode, "err", sanitizeError(err))
		return outcomeWriteError
	}

	logger.Info("request proxied", "status", resp.StatusCode)
	return outcomeOK
}

func (s *Server) writeError(conn net.Conn, logger *slog.Logger, err error) {
	resp := mapError(err)
	logger.Error("proxy error", "status", resp.StatusCode, "err", sanitizeError(err))
	if werr := wire.WriteResponse(conn, resp); werr != nil {
		logger.Debug("writing error response", "err", werr)
	}
}

func (s *Server) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.ConnectionsTotal.WithLabelValues(outcome).Inc()
	}
}
