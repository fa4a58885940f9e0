package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"genledger/internal/http/handlers"
	httpapi "genledger/internal/http/httpapi"
	"genledger/internal/infra"
	"genledger/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to build services")
	}
	defer svc.Close()

	app := &handlers.App{
		Gateway: svc.Gateway,
		Poller:  svc.Poller,
		Actions: svc.Actions,
		Jobs:    svc.Jobs,
		Ledger:  svc.Ledger,
		Billing: svc.Billing,
		Logger:  logger,
		Ping:    svc.Ping,
	}
	mounts := map[string]http.Handler{"/static": svc.Files.Handler()}
	if svc.Synthetic != nil {
		mounts[service.SyntheticMountPath] = svc.Synthetic.Handler()
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		CORSOrigins:     cfg.CORSAllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          logger,
		Metrics:         httpapi.PrometheusHandler(),
		Mounts:          mounts,
	})
	server := infra.NewHTTPServer(cfg, router)

	if cfg.RunPoller {
		go func() {
			if err := svc.Poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("api: embedded poller stopped")
			}
		}()
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("store", cfg.StoreDriver).Bool("poller", cfg.RunPoller).Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	logger.Info().Msg("api: server stopped")
}
