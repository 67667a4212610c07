package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"copyhub/internal/config"
	apphttp "copyhub/internal/http"
	"copyhub/internal/integrations/telegram"
	"copyhub/internal/integrations/webhook"
	"copyhub/internal/logging"
	"copyhub/internal/metrics"
	"copyhub/internal/service/entitlement"
	signalsvc "copyhub/internal/service/signal"
	storepkg "copyhub/internal/store"
	"copyhub/internal/store/memory"
	"copyhub/internal/store/postgres"
)

func main() {
	dotEnvErr := config.LoadDotEnv(".env")
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if dotEnvErr != nil {
		log.Warn().Err(dotEnvErr).Msg("failed to load .env")
	}

	var st storepkg.Store
	if cfg.StoreMode == "postgres" && cfg.DatabaseURL != "" {
		pgStore, err := postgres.NewStore(cfg.DatabaseURL, cfg.SessionTTL)
		if err != nil {
			log.Error().Err(err).Msg("postgres store unavailable, falling back to memory store")
			st = memory.NewStore(cfg.SessionTTL)
		} else {
			st = pgStore
		}
	} else {
		st = memory.NewStore(cfg.SessionTTL)
	}

	recorder := metrics.New()
	gate := entitlement.NewGate(st)
	svc := signalsvc.NewService(
		signalsvc.Config{
			SignalTTL:     cfg.SignalTTL,
			PollBatchSize: cfg.PollBatchSize,
			EventTimeout:  cfg.WebhookTimeout,
			StrictFanOut:  cfg.StrictFanOut,
		},
		st,
		gate,
		log,
		recorder,
		webhook.NewClient(cfg.WebhookURL, cfg.WebhookTimeout),
		telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID),
	)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.SweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := svc.Sweep(ctx, time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("sweep failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.SweepSpec).Msg("invalid sweep schedule")
	}
	sweeper.Start()

	srv := apphttp.NewServer(cfg, st, svc, gate, log)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("copyhub API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	sweepCtx := sweeper.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	<-sweepCtx.Done()
}
