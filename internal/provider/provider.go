// Package provider fetches access tokens from configured credential providers.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"token-proxy-go/internal/client"
	"token-proxy-go/internal/config"
	"token-proxy-go/internal/model"
)

const (
	// maxTokenResponseBytes caps how much of a provider response is read.
	maxTokenResponseBytes = 1 << 20
	// maxExpiresIn is the largest expires_in that fits in a time.Duration.
	maxExpiresIn = math.MaxInt64 / int64(time.Second)
)

var (
	// ErrProviderUnreachable covers transport failures and timeouts.
	ErrProviderUnreachable = errors.New("credential provider unreachable")
	// ErrProviderResponseInvalid covers non-2xx statuses and bodies that are
	// not a valid token response.
	ErrProviderResponseInvalid = errors.New("credential provider response invalid")
)

// tokenResponse is the only accepted response shape. Pointers distinguish
// missing fields from zero values.
type tokenResponse struct {
	AccessToken *string `json:"access_token"`
	ExpiresIn   *int64  `json:"expires_in"`
}

// Client performs one token request per Fetch. It neither retries nor caches.
type Client struct {
	upstream *client.Client
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewClient creates a provider Client on top of the shared outbound transport.
func NewClient(upstream *client.Client, cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		upstream: upstream,
		timeout:  time.Duration(cfg.Auth.FetchTimeoutSeconds) * time.Second,
		now:      time.Now,
		logger:   logger.With("component", "provider_client"),
	}
}

// Fetch requests a token from the provider described by p. expires_in is
// read as seconds from the moment the response is decoded.
func (c *Client) Fetch(ctx context.Context, id string, p config.ProviderConfig) (model.Token, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodPost
	}

	header := make(http.Header, len(p.Headers))
	for k, v := range p.Headers {
		header.Set(k, v)
	}

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}

	c.logger.Debug("fetching token", "provider", id, "method", method)

	resp, err := c.upstream.DoStream(ctx, method, p.URL, header, body)
	if err != nil {
		return model.Token{}, fmt.Errorf("%w: %s: %w", ErrProviderUnreachable, id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return model.Token{}, fmt.Errorf("%w: %s: read body: %w", ErrProviderUnreachable, id, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.Token{}, fmt.Errorf("%w: %s: status %d", ErrProviderResponseInvalid, id, resp.StatusCode)
	}

	tr, err := decodeTokenResponse(raw)
	if err != nil {
		return model.Token{}, fmt.Errorf("%w: %s: %w", ErrProviderResponseInvalid, id, err)
	}

	return model.Token{
		AccessToken: *tr.AccessToken,
		ValidUntil:  c.now().Add(time.Duration(*tr.ExpiresIn) * time.Second),
	}, nil
}

func decodeTokenResponse(raw []byte) (*tokenResponse, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var tr tokenResponse
	if err := dec.Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after token object")
	}
	if tr.AccessToken == nil || *tr.AccessToken == "" {
		return nil, errors.New("access_token missing or empty")
	}
	if tr.ExpiresIn == nil {
		return nil, errors.New("expires_in missing")
	}
	if *tr.ExpiresIn < 0 {
		return nil, fmt.Errorf("expires_in is negative: %d", *tr.ExpiresIn)
	}
	if *tr.ExpiresIn > maxExpiresIn {
		return nil, fmt.Errorf("expires_in too large: %d", *tr.ExpiresIn)
	}
	return &tr, nil
}
