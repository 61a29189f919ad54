// Package emulator provides stand-in origin and credential provider servers
// for exercising the proxy locally.
package emulator

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"token-proxy-go/internal/middleware"
)

// Default listen ports.
const (
	DefaultOriginPort = 7879
	DefaultAuthPort   = 7877
)

// echoSeparator sits between the request URI and the Authorization value in
// the origin's response body.
const echoSeparator = "::::"

// NewOrigin returns a server answering every request with 200 and the body
// "<request-uri>::::<authorization or none>".
func NewOrigin(logger *slog.Logger) *echo.Echo {
	e := newEcho(logger.With("component", "origin_emulator"))
	e.Any("/*", Echo)
	return e
}

// Echo writes the request URI and the Authorization header it arrived with.
func Echo(c echo.Context) error {
	req := c.Request()
	authorization := req.Header.Get(echo.HeaderAuthorization)
	if authorization == "" {
		authorization = "none"
	}
	return c.String(http.StatusOK, req.RequestURI+echoSeparator+authorization)
}

// AuthOptions configures the token the auth emulator hands out.
type AuthOptions struct {
	AccessToken string
	ExpiresIn   int64
	// Path restricts the token endpoint; other paths return 404. Empty
	// serves every path.
	Path string
	// Rotate appends a sequence number so each issued token is distinct.
	Rotate bool
}

// DefaultAuthOptions matches the canned response of the reference provider.
func DefaultAuthOptions() AuthOptions {
	return AuthOptions{AccessToken: "acc_tok_123", ExpiresIn: 1234}
}

// TokenIssuer answers token requests with a fixed JSON shape.
type TokenIssuer struct {
	opts   AuthOptions
	issued atomic.Int64
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(opts AuthOptions) *TokenIssuer {
	return &TokenIssuer{opts: opts}
}

// Issued reports how many tokens have been handed out.
func (t *TokenIssuer) Issued() int64 {
	return t.issued.Load()
}

// Handle issues one token.
func (t *TokenIssuer) Handle(c echo.Context) error {
	n := t.issued.Add(1)
	token := t.opts.AccessToken
	if t.opts.Rotate {
		token += strconv.FormatInt(n, 10)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"access_token": token,
		"expires_in":   t.opts.ExpiresIn,
	})
}

// NewAuth returns a credential provider emulator backed by issuer.
func NewAuth(issuer *TokenIssuer, logger *slog.Logger) *echo.Echo {
	e := newEcho(logger.With("component", "auth_emulator"))
	if issuer.opts.Path != "" {
		e.Any(issuer.opts.Path, issuer.Handle)
	} else {
		e.Any("/*", issuer.Handle)
	}
	return e
}

func newEcho(logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders())
	return e
}
