package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"token-proxy-go/internal/auth"
	"token-proxy-go/internal/client"
	"token-proxy-go/internal/config"
	"token-proxy-go/internal/handler"
	"token-proxy-go/internal/metrics"
	"token-proxy-go/internal/middleware"
	"token-proxy-go/internal/provider"
	"token-proxy-go/internal/proxy"
	"token-proxy-go/internal/service"
	"token-proxy-go/internal/tokencache"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("token-proxy"),
		kong.Description("Transparent reverse proxy that swaps Authorization templates for live bearer tokens."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			client.New,
			tokencache.New,
			fx.Annotate(provider.NewClient, fx.As(new(auth.TokenFetcher))),
			fx.Annotate(auth.NewResolver, fx.As(new(proxy.Resolver))),
			fx.Annotate(service.NewForwarder, fx.As(new(proxy.Forwarder))),
			proxy.NewServer,
			newEcho,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfig, startProxy, startAdmin),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newEcho builds the admin server: health, status and metrics.
func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	adminLogger := logger.With("component", "admin")
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(adminLogger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.SecurityHeaders())
	if mw := middleware.RateLimit(cfg.Admin.RateLimit, adminLogger); mw != nil {
		e.Use(mw)
	}

	return e
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnInsecure(logger)
}

func startProxy(lc fx.Lifecycle, s *proxy.Server, upstream *client.Client, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting proxy",
				"addr", cfg.Server.Addr(),
				"redirect_url", cfg.RedirectURL,
				"providers", cfg.ProviderIDs(),
			)
			return s.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy")
			err := s.Stop(ctx)
			upstream.CloseIdleConnections()
			return err
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			addr := cfg.Admin.Addr()
			var lcfg net.ListenConfig
			ln, err := lcfg.Listen(ctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
