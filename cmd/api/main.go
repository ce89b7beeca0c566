package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"miniportal.org/internal/auth"
	"miniportal.org/internal/config"
	"miniportal.org/internal/httpapi"
	"miniportal.org/internal/obs"
	"miniportal.org/internal/registry"
	"miniportal.org/internal/store/memory"
	"miniportal.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().WithError(err).Fatal("configuration error")
	}
	obs.InitLogger(obs.LogOptions{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	obs.Init()
	log := obs.Logger()

	var (
		authStore auth.Store
		appStore  registry.Store
		db        *sql.DB
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Fatal("open database")
		}
		defer pgStore.Close()
		authStore = pgStore
		appStore = pgStore.Apps()
		db = pgStore.DB()
		log.Info("using postgres store")
	} else {
		mem := memory.New()
		authStore = mem
		appStore = mem
		log.Warn("no database DSN configured, using in-memory store")
	}

	svc, err := auth.NewService(authStore, registry.NewValidator(appStore),
		auth.WithSigningSecret(cfg.Auth.JWTSecret),
		auth.WithPepper(cfg.Auth.RefreshPepper),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		log.WithError(err).Fatal("auth service init")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := svc.EnsureBuiltins(ctx); err != nil {
		cancel()
		log.WithError(err).Fatal("seed permissions")
	}
	cancel()

	api := httpapi.New(httpapi.Options{
		Auth:  svc,
		Store: authStore,
		Apps:  appStore,
		Probe: httpapi.ReadyProbe{DB: db},
		Cookie: httpapi.CookieOptions{
			Domain:   cfg.Cookie.Domain,
			Path:     cfg.Cookie.Path,
			Secure:   cfg.Cookie.Secure,
			SameSite: cfg.Cookie.SameSite,
		},
		Origins:       cfg.CORS.Origins,
		Version:       version,
		RateBurst:     20,
		RatePerSecond: 10,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.WithFields(logrus.Fields{
		"addr":        srv.Addr,
		"version":     version,
		"access_ttl":  svc.AccessTTL().String(),
		"refresh_ttl": svc.RefreshTTL().String(),
	}).Info("starting miniportal-api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("stopped")
}
