package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"

	"token-proxy-go/internal/auth"
	"token-proxy-go/internal/model"
	"token-proxy-go/internal/provider"
	"token-proxy-go/internal/wire"
)

var (
	// bearerPattern matches bearer credentials embedded in error messages.
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"',]+`)
	// accessTokenPattern matches access_token values in JSON or query form.
	accessTokenPattern = regexp.MustCompile(`(?i)("?access_token"?\s*[:=]\s*"?)[^"&\s,}]+`)
)

// mapError picks the response for a failed resolve or forward. Clients only
// ever see a generic text body.
func mapError(err error) *model.Response {
	text := "upstream request failed"

	var dnsErr *net.DNSError
	var urlErr *url.Error

	switch {
	case errors.Is(err, provider.ErrProviderUnreachable):
		text = "credential provider unreachable"
	case errors.Is(err, provider.ErrProviderResponseInvalid):
		text = "credential provider returned an invalid response"
	case errors.Is(err, auth.ErrTokenFetch):
		text = "token fetch failed"
	case errors.Is(err, context.DeadlineExceeded):
		text = "upstream request timed out"
	case errors.Is(err, context.Canceled):
		text = "request canceled"
	case errors.As(err, &dnsErr):
		text = "upstream host unreachable"
	case errors.As(err, &urlErr):
		text = "upstream connection failed"
	}

	return model.NewTextResponse(http.StatusBadGateway, text)
}

// sanitizeError redacts credentials from error messages before logging.
func sanitizeError(err error) string {
	msg := bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
	return accessTokenPattern.ReplaceAllString(msg, "${1}[REDACTED]")
}

// parseErrorReason returns a bounded metrics label for a parse failure.
func parseErrorReason(err error) string {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	case errors.Is(err, wire.ErrUnsupportedMethod):
		return "unsupported_method"
	case errors.Is(err, wire.ErrMalformedStartLine):
		return "malformed_start_line"
	case errors.Is(err, wire.ErrMissingPath):
		return "missing_path"
	case errors.Is(err, wire.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, wire.ErrInvalidContentLength):
		return "invalid_content_length"
	case errors.Is(err, wire.ErrTruncatedBody):
		return "truncated_body"
	case errors.Is(err, wire.ErrBodyTooLarge):
		return "body_too_large"
	default:
		return "other"
	}
}
