package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/yaffw/cinefav/src/internal/adapters/httpapi"
	"github.com/yaffw/cinefav/src/internal/bootstrap"
	"github.com/yaffw/cinefav/src/internal/config"
	"github.com/yaffw/cinefav/src/internal/logging"
	"github.com/yaffw/cinefav/src/internal/metrics"
	"github.com/yaffw/cinefav/src/internal/services"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := logging.Logger()
		l.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init(cfg.Logging)
	log := logging.Component("control-plane")
	log.Info().Str("backend", cfg.Backend).Msg("Starting cinefav control plane")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Control plane stopped")
	}
	log.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	backend, err := bootstrap.OpenBackend(setupCtx, cfg, logging.Logger())
	if err != nil {
		return err
	}
	defer backend.Close()

	catalog, closeCatalog, err := bootstrap.OpenCatalog(setupCtx, cfg, logging.Logger())
	if err != nil {
		return err
	}
	defer closeCatalog()

	var auth httpapi.Authenticator
	if cfg.OIDC.Enabled() {
		oidcAuth, err := httpapi.NewOIDCAuthenticator(setupCtx, backend.Users, cfg.OIDC, logging.Logger())
		if err != nil {
			return err
		}
		auth = oidcAuth
		log.Info().Str("issuer", cfg.OIDC.ProviderURL).Msg("OIDC authentication enabled")
	} else {
		log.Warn().Msg("OIDC not configured; every caller is treated as signed out")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sessions := services.NewSessionManager(backend.Favorites, services.SessionConfig{
		LoginURL:     cfg.Favorites.LoginURL,
		IdleTimeout:  cfg.Favorites.SessionIdleTimeout,
		ReapInterval: cfg.Favorites.ReapInterval,
	}, logging.Logger(), m)

	server := httpapi.NewServer(sessions, catalog, auth, httpapi.Options{
		Addr:            ":" + cfg.Server.Port,
		LoginURL:        cfg.Favorites.LoginURL,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Gatherer:        reg,
	}, logging.Logger())

	sup := suture.New("cinefav", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Fields(e.Map()).Msg(e.String())
		},
		Timeout: cfg.Server.ShutdownTimeout,
	})
	sup.Add(sessions)
	sup.Add(server)

	return sup.Serve(ctx)
}
