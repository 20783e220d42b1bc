package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carebid.org/internal/auth"
	"carebid.org/internal/cache"
	"carebid.org/internal/config"
	"carebid.org/internal/httpapi"
	"carebid.org/internal/market"
	"carebid.org/internal/obs"
	"carebid.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		lg := obs.Logger()
		lg.Fatal().Err(err).Msg("load config")
	}

	obs.InitLogger(cfg.App.Env, os.Getenv("CAREBID_LOG_LEVEL"))
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	if cfg.Auth.Secret == "" {
		log.Fatal().Msg("CAREBID_AUTH_SECRET is required")
	}
	auth.SetSecret(cfg.Auth.Secret)

	// A configured DSN selects the PostgreSQL store; otherwise everything
	// runs in memory, which is only useful for local development.
	var (
		svc market.Service
		db  *sql.DB
	)
	if cfg.DB.DatabaseURL != "" {
		store, err := pg.Open(cfg.DB.ConnectionString())
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		defer store.Close()
		svc = store
		db = store.DB()
	} else {
		log.Warn().Msg("no database configured, using the in-memory store")
		svc = market.NewInMemory()
	}

	unread := cache.NewUnreadCounter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer func() { _ = unread.Close() }()

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, market.NewGuard(svc), httpapi.Options{
		Version:       version,
		QuotationFee:  cfg.Market.QuotationFee,
		RateBurst:     cfg.HTTP.RateBurst,
		RatePerSecond: cfg.HTTP.RatePerSecond,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		Unread:        unread,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("starting carebid-api")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("stopped")
}
