// Package service implements the core forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"slices"
	"strings"
	"time"

	"token-proxy-go/internal/client"
	"token-proxy-go/internal/config"
	"token-proxy-go/internal/model"
)

// ErrUpstream wraps every failure to obtain a response from the origin.
var ErrUpstream = errors.New("upstream request failed")

// hopByHopHeaders apply to a single connection and are never relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request headers the outbound transport derives itself.
var derivedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"Transfer-Encoding",
}

// Forwarder relays a resolved request to the configured origin.
type Forwarder struct {
	client      *client.Client
	redirectURL string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewForwarder creates a Forwarder targeting cfg.RedirectURL.
func NewForwarder(c *client.Client, cfg *config.Config, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client:      c,
		redirectURL: strings.TrimSuffix(cfg.RedirectURL, "/"),
		timeout:     time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:      logger.With("component", "forwarder"),
	}
}

// Forward sends req to the origin and returns its response with the body
// still streaming. The caller must close the response body; closing it also
// releases the forward timeout.
func (f *Forwarder) Forward(ctx context.Context, req *model.Request) (*model.Response, error) {
	ctx, cancel := f.withTimeout(ctx)

	upstreamURL := f.buildUpstreamURL(req.Path)
	header := buildRequestHeader(&req.Header)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	f.logger.Debug("forwarding request",
		"method", req.Method,
		"path", req.Path,
	)

	resp, err := f.client.DoStream(ctx, string(req.Method), upstreamURL, header, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	return &model.Response{
		StatusCode: resp.StatusCode,
		Header:     buildResponseHeader(resp.Header),
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

func (f *Forwarder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}

// buildUpstreamURL appends the raw request target, query included, to the
// redirect URL.
func (f *Forwarder) buildUpstreamURL(path string) string {
	return f.redirectURL + path
}

func buildRequestHeader(src *model.Header) http.Header {
	dst := make(http.Header, src.Len())
	src.Each(func(name, value string) {
		if containsFold(derivedRequestHeaders, name) {
			return
		}
		dst.Add(name, value)
	})
	return dst
}

// buildResponseHeader converts the origin's headers, dropping hop-by-hop
// fields and any named by its Connection header. Keys are emitted in sorted
// order; repeated values are joined with ", ".
func buildResponseHeader(src http.Header) model.Header {
	drop := slices.Clone(hopByHopHeaders)
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				drop = append(drop, name)
			}
		}
	}

	keys := make([]string, 0, len(src))
	for k := range src {
		if !containsFold(drop, k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var dst model.Header
	for _, k := range keys {
		dst.Set(k, strings.Join(src[k], ", "))
	}
	dst.Set("Connection", "close")
	return dst
}

func containsFold(list []string, name string) bool {
	return slices.ContainsFunc(list, func(s string) bool {
		return strings.EqualFold(s, name)
	})
}

// cancelOnClose ties the forward context to the lifetime of the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
