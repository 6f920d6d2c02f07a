package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/polychat/internal/bootstrap"
	"github.com/suPer8Hu/polychat/internal/config"
	"github.com/suPer8Hu/polychat/internal/httpapi"
	"github.com/suPer8Hu/polychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/polychat/internal/logging"
	"github.com/suPer8Hu/polychat/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.Setup("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap")
	}
	defer app.Close()

	if n, err := app.Service.SyncModelCatalog(ctx); err != nil {
		logger.Error().Err(err).Msg("model catalog sync")
	} else {
		logger.Info().Int("models", n).Msg("model catalog synced")
	}

	go app.Tracker.Run(ctx, 5*time.Second)

	// async endpoint stays disabled when the broker is unreachable
	var pub handlers.JobPublisher
	if cfg.RabbitURL != "" {
		p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logger.Warn().Err(err).Msg("rabbitmq unavailable, async messages disabled")
		} else {
			defer p.Close()
			pub = p
		}
	}

	h := handlers.NewHandler(app.Service, pub, cfg.StreamHeartbeat, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	// let in-flight generations persist their assistant messages
	if err := app.Service.Drain(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("drain streams")
	}
}
