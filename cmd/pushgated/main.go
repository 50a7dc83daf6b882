package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/collabhub/pushgate/internal/bus"
	"github.com/collabhub/pushgate/internal/config"
	"github.com/collabhub/pushgate/internal/controlplane"
	"github.com/collabhub/pushgate/internal/diagnostics"
	"github.com/collabhub/pushgate/internal/gateway"
	"github.com/collabhub/pushgate/internal/hostapi"
	"github.com/collabhub/pushgate/internal/httputil"
	"github.com/collabhub/pushgate/internal/listener"
	"github.com/collabhub/pushgate/internal/mapping"
	"github.com/collabhub/pushgate/internal/metrics"
	"github.com/collabhub/pushgate/internal/postgres"
	"github.com/collabhub/pushgate/internal/preauth"
	"github.com/collabhub/pushgate/internal/registry"
	"github.com/collabhub/pushgate/internal/router"
	"github.com/collabhub/pushgate/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("pushgated stopped")
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogSpec)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.NoANSI {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("Starting pushgated")

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, 8, 2)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	tlsCfg := valkey.TLSConfig{
		CertFile:             cfg.RedisTLSCert,
		KeyFile:              cfg.RedisTLSKey,
		CAFile:               cfg.RedisTLSCA,
		DontValidateHostname: cfg.RedisTLSDontValidateHostname,
		Insecure:             cfg.RedisTLSInsecure,
	}
	rdb, err := valkey.Connect(ctx, cfg.RedisURL, 5*time.Second, tlsCfg)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	mapStore := mapping.NewPGStore(db, cfg.DatabasePrefix)
	mapCache := mapping.NewCache(mapStore, mapping.DefaultPositiveTTL, mapping.DefaultNegativeTTL)

	preauthStore := preauth.NewStore(rdb)
	hostClient := hostapi.NewClient(cfg.NextcloudURL, cfg.AllowSelfSigned)
	authenticator := gateway.NewAuthenticator(preauthStore, hostClient)

	reg := registry.New()
	m := metrics.New()
	mapCache.OnQuery = m.MappingQueryCount.Inc

	control := controlplane.New(reg, rdb, m, log.Logger)
	state := diagnostics.NewState()

	rt := router.New(reg, mapCache, preauthStore, control, m, state, log.Logger)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	subscriber := bus.NewSubscriber(rdb, log.Logger)
	go bus.RunWithBackoff(subCtx, log.Logger, "bus-subscriber", subscriber.Run)
	go rt.Run(subCtx, subscriber.Events)
	go reportActiveUsers(subCtx, reg, m)

	metricsSrv, err := listener.StartMetricsServer(cfg, m, log.Logger)
	if err != nil {
		return fmt.Errorf("start metrics listener: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:                 "pushgated",
		EnableTrustedProxyCheck: len(cfg.TrustedProxies) > 0,
		TrustedProxies:          cfg.TrustedProxies,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
				message = fe.Message
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("Unhandled error")
			}
			return httputil.Fail(c, status, httputil.ErrCodeInternal, message)
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
	}))

	handlers := diagnostics.NewHandlers(state, rdb, hostClient, mapCache, reg, authenticator, m, version, log.Logger)
	handlers.Register(app)

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down pushgated")
		subCancel()
		reg.CloseAll()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics listener shutdown error")
		}
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	log.Info().Int("port", cfg.Port).Str("socket", cfg.SocketPath).Msg("pushgated listening")
	if err := listener.Main(app, cfg); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// reportActiveUsers periodically republishes the registry's distinct-user count onto the active_user_count gauge,
// since the registry has no hook of its own for it.
func reportActiveUsers(ctx context.Context, reg *registry.Registry, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ActiveUserCount.Set(float64(reg.UserCount()))
		}
	}
}
