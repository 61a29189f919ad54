// Command origin-emulator is a stand-in upstream that echoes the request URI
// and Authorization header it receives.
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
	Host     string     `kong:"default='127.0.0.1',help='Listen host.',env='HOST'"`
	Port     int        `kong:"short='p',default='7879',help='Listen port.',env='PORT'"`
	LogLevel slog.Level `kong:"default='info',help='Log level: debug|info|warn|error.',env='LOG_LEVEL'"`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("origin-emulator"),
		kong.Description("Echoes '<request-uri>::::<authorization or none>' for every request."),
	)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
	e := emulator.NewOrigin(logger)

	if err := run(e, fmt.Sprintf("%s:%d", c.Host, c.Port), logger); err != nil {
		logger.Error("origin emulator stopped", "err", err)
		os.Exit(1)
	}
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
