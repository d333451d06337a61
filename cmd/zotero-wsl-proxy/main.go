package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"zotero-wsl-proxy/internal/client"
	"zotero-wsl-proxy/internal/config"
	"zotero-wsl-proxy/internal/handler"
	"zotero-wsl-proxy/internal/hostenv"
	"zotero-wsl-proxy/internal/metrics"
	"zotero-wsl-proxy/internal/middleware"
	"zotero-wsl-proxy/internal/relay"
	"zotero-wsl-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// hostCheckTimeout bounds the startup checks that shell out to Windows tools.
const hostCheckTimeout = 30 * time.Second

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("zotero-wsl-proxy"),
		kong.Description("Relay Zotero connector traffic from WSL to the Windows host."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.NopLogger,
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			hostenv.New,
			client.NewUpstreamClient,
			service.NewRelayService,
			relay.NewHandler,
			relay.NewServer,
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(
			warnConfigPermissions,
			prepareHost,
			startRelay,
			handler.RegisterRoutes,
			startAdmin,
		),
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
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	default:
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newEcho builds the admin server. It is only started when admin.enabled is set.
func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 10 * time.Second
	e.Server.IdleTimeout = 60 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	if cfg.Admin.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Admin.RateLimit.RequestsPerSecond))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// prepareHost verifies the host, fills in the WSL adapter address when no
// listen host was given, and refuses to start if the port is already taken.
func prepareHost(cfg *config.Config, env *hostenv.Env, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), hostCheckTimeout)
	defer cancel()

	if cfg.Server.Host == "" {
		if cfg.SkipEnvCheck {
			logger.Warn("environment check skipped")
		} else if err := env.CheckEnvironment(ctx); err != nil {
			return err
		}
		ip, err := env.ResolveAdapterIP(ctx)
		if err != nil {
			return fmt.Errorf("resolve WSL host address: %w", err)
		}
		cfg.Server.Host = ip
	}
	logger.Info("WSL host address", "ip", cfg.Server.Host)

	return env.CheckPort(ctx, cfg.Server.Host, cfg.Server.Port)
}

func startRelay(lc fx.Lifecycle, srv *relay.Server, svc *service.RelayService, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}

			upstream := "not found"
			if svc.UpstreamAlive(ctx) {
				upstream = "running"
			}
			wslURL := "http://" + hostenv.Hostname() + ".local:" + strconv.Itoa(cfg.Server.Port)

			logger.Info("starting relay",
				"version", version,
				"addr", ln.Addr().String(),
				"upstream", svc.UpstreamAddr(),
				"upstream_status", upstream,
				"request_log", cfg.Relay.LogRequests,
			)
			logger.Info("zotero reachable from WSL", "url", wslURL,
				"ping_check", "curl -I "+wslURL+"/connector/ping")

			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, relay.ErrServerClosed) {
					logger.Error("relay error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			logger.Info("shutting down relay")
			return srv.Close()
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
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
