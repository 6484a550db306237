package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/noah-isme/commerce-core/internal/app"
	"github.com/noah-isme/commerce-core/internal/cart"
	"github.com/noah-isme/commerce-core/internal/common"
	"github.com/noah-isme/commerce-core/internal/config"
	"github.com/noah-isme/commerce-core/internal/directory"
	"github.com/noah-isme/commerce-core/internal/obs"
	"github.com/noah-isme/commerce-core/internal/store"
	"github.com/noah-isme/commerce-core/internal/tenant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := store.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}

	scoped := store.Scope(driver, app.DefaultPolicy())
	cartSvc := &cart.Service{Store: scoped, TxTimeout: cfg.CartTxTimeout}
	cartHandler := &cart.Handler{Svc: cartSvc}

	resolver := tenant.NewResolver(cfg.TenantHeader, cfg.TenantRootDomain, cfg.DefaultTenant, directory.StoreDirectory{Store: scoped})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", cfg.TenantHeader, "X-User-ID"},
		AllowCredentials: true,
	}))
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(resolver.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(tenant.RequireTenant)
		r.Use(common.UserFromHeader("X-User-ID"))
		r.Route("/v1", cartHandler.Routes)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("serve http")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown http server")
	}
	logger.Info().Msg("api stopped")
}
