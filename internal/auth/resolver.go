// Package auth resolves "Bearer {{provider}}" placeholders into live tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"token-proxy-go/internal/config"
	"token-proxy-go/internal/metrics"
	"token-proxy-go/internal/model"
	"token-proxy-go/internal/provider"
	"token-proxy-go/internal/tokencache"
)

const (
	templatePrefix = "Bearer {{"
	templateSuffix = "}}"

	authorizationHeader = "Authorization"
)

// ErrTokenFetch wraps every failure to obtain a token for a known provider.
// The provider package's sentinel errors remain reachable with errors.Is.
var ErrTokenFetch = errors.New("token fetch failed")

// TokenFetcher obtains a fresh token from a credential provider.
type TokenFetcher interface {
	Fetch(ctx context.Context, id string, p config.ProviderConfig) (model.Token, error)
}

// ParseTemplate returns the provider id from a value of the exact form
// "Bearer {{id}}". The id is taken verbatim and must not be empty.
func ParseTemplate(value string) (string, bool) {
	if len(value) < len(templatePrefix)+len(templateSuffix) ||
		!strings.HasPrefix(value, templatePrefix) ||
		!strings.HasSuffix(value, templateSuffix) {
		return "", false
	}
	id := value[len(templatePrefix) : len(value)-len(templateSuffix)]
	if id == "" {
		return "", false
	}
	return id, true
}

// Resolver rewrites placeholder Authorization headers using cached or freshly
// fetched tokens.
//
// The cache check and the cache update are separate critical sections. With
// coalescing enabled, concurrent misses for one provider share a single
// fetch; without it they may each fetch, and the last write wins.
type Resolver struct {
	providers map[string]config.ProviderConfig
	fetcher   TokenFetcher
	cache     *tokencache.Cache
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now           func() time.Time
	coalesce      bool
	retries       int
	retryInterval time.Duration
	group         singleflight.Group
}

// NewResolver creates a Resolver. The metrics parameter is optional.
func NewResolver(cfg *config.Config, fetcher TokenFetcher, cache *tokencache.Cache, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	return &Resolver{
		providers:     cfg.AuthProviders,
		fetcher:       fetcher,
		cache:         cache,
		metrics:       m,
		logger:        logger.With("component", "auth_resolver"),
		now:           time.Now,
		coalesce:      cfg.Auth.Coalesce(),
		retries:       cfg.Auth.FetchRetries,
		retryInterval: 100 * time.Millisecond,
	}
}

// Resolve rewrites req's Authorization header in place when it holds a
// template naming a configured provider. Any other request is left untouched.
func (r *Resolver) Resolve(ctx context.Context, req *model.Request) error {
	value, ok := req.Header.Get(authorizationHeader)
	if !ok {
		return nil
	}
	id, ok := ParseTemplate(value)
	if !ok {
		return nil
	}
	p, ok := r.providers[id]
	if !ok {
		r.logger.Debug("unknown provider in authorization template; passing through", "provider", id)
		return nil
	}

	tok, err := r.token(ctx, id, p)
	if err != nil {
		return err
	}

	req.Header.Set(authorizationHeader, "Bearer "+tok.AccessToken)
	return nil
}

func (r *Resolver) token(ctx context.Context, id string, p config.ProviderConfig) (model.Token, error) {
	if tok, ok := r.lookup(id); ok {
		return tok, nil
	}

	if !r.coalesce {
		return r.fetchAndStore(ctx, id, p)
	}

	v, err, shared := r.group.Do(id, func() (any, error) {
		// Another flight may have stored a token while this one waited.
		if tok, ok := r.cache.Get(id); ok && tok.Fresh(r.now()) {
			return tok, nil
		}
		// Detached so one caller giving up does not fail the others sharing
		// this flight; the provider client applies its own timeout.
		return r.fetchAndStore(context.WithoutCancel(ctx), id, p)
	})
	if err != nil {
		return model.Token{}, err
	}
	if shared {
		r.logger.Debug("token fetch shared between concurrent requests", "provider", id)
	}
	return v.(model.Token), nil
}

// lookup returns a fresh cached token and records the cache result.
func (r *Resolver) lookup(id string) (model.Token, bool) {
	tok, ok := r.cache.Get(id)
	result := metrics.CacheMiss
	switch {
	case ok && tok.Fresh(r.now()):
		result = metrics.CacheHit
	case ok:
		result = metrics.CacheStale
	}
	if r.metrics != nil {
		r.metrics.TokenCacheLookups.WithLabelValues(id, result).Inc()
	}
	return tok, result == metrics.CacheHit
}

func (r *Resolver) fetchAndStore(ctx context.Context, id string, p config.ProviderConfig) (model.Token, error) {
	start := time.Now()
	tok, err := r.fetch(ctx, id, p)
	if r.metrics != nil {
		r.metrics.TokenFetchLatency.WithLabelValues(id).Observe(time.Since(start).Seconds())
		r.metrics.TokenFetches.WithLabelValues(id, fetchOutcome(err)).Inc()
	}
	if err != nil {
		return model.Token{}, fmt.Errorf("%w: provider %q: %w", ErrTokenFetch, id, err)
	}

	r.cache.Put(id, tok)
	r.logger.Info("token refreshed",
		"provider", id,
		"valid_until", tok.ValidUntil.Format(time.RFC3339),
	)
	return tok, nil
}

// fetch calls the provider, retrying unreachable providers when configured.
// Invalid responses are never retried.
func (r *Resolver) fetch(ctx context.Context, id string, p config.ProviderConfig) (model.Token, error) {
	if r.retries <= 0 {
		return r.fetcher.Fetch(ctx, id, p)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.retryInterval
	expBackoff.MaxInterval = 20 * r.retryInterval
	expBackoff.Reset()

	operation := func() (model.Token, error) {
		tok, err := r.fetcher.Fetch(ctx, id, p)
		if err != nil && !errors.Is(err, provider.ErrProviderUnreachable) {
			return model.Token{}, backoff.Permanent(err)
		}
		return tok, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(r.retries+1)), // #nosec G115 -- retries is bounded by config validation
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("token fetch failed; retrying", "provider", id, "err", err, "wait", wait)
		}),
	)
}

func fetchOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, provider.ErrProviderUnreachable):
		return "unreachable"
	case errors.Is(err, provider.ErrProviderResponseInvalid):
		return "invalid"
	default:
		return "error"
	}
}
