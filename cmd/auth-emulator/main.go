// Command auth-emulator is a stand-in credential provider that issues a
// canned access token.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"

	"token-proxy-go/internal/emulator"
)

type cli struct {
	Host        string     `kong:"default='127.0.0.1',help='Listen host.',env='HOST'"`
	Port        int        `kong:"short='p',default='7877',help='Listen port.',env='PORT'"`
	AccessToken string     `kong:"default='acc_tok_123',help='Token to issue.',env='ACCESS_TOKEN'"`
	ExpiresIn   int64      `kong:"default='1234',help='expires_in value, in seconds.',env='EXPIRES_IN'"`
	Path        string     `kong:"help='Serve tokens only on this path; other paths return 404.',env='TOKEN_PATH'"`
	Rotate      bool       `kong:"help='Append a sequence number so each token is distinct.'"`
	LogLevel    slog.Level `kong:"default='info',help='Log level: debug|info|warn|error.',env='LOG_LEVEL'"`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("auth-emulator"),
		kong.Description("Answers token requests with {\"access_token\": ..., \"expires_in\": ...}."),
	)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
	issuer := emulator.NewTokenIssuer(emulator.AuthOptions{
		AccessToken: c.AccessToken,
		ExpiresIn:   c.ExpiresIn,
		Path:        c.Path,
		Rotate:      c.Rotate,
	})
	e := emulator.NewAuth(issuer, logger)

	if err := run(e, fmt.Sprintf("%s:%d", c.Host, c.Port), logger); err != nil {
		logger.Error("auth emulator stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("auth emulator stopped", "tokens_issued", issuer.Issued())
}

// run serves e until SIGINT/SIGTERM, then shuts it down.
func run(e *echo.Echo, addr string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
