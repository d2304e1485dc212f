package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"dnd-ai-helper/internal/config"
	"dnd-ai-helper/internal/handlers"
	"dnd-ai-helper/internal/httpclient"
	"dnd-ai-helper/internal/provider"
	"dnd-ai-helper/internal/session"
	"dnd-ai-helper/internal/telegram"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := cfg.NewLogger(os.Stdout)
	if cfg.TelegramToken == "" {
		logger.Error("TELEGRAM_BOT_TOKEN is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := httpclient.New(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		Timeout:    cfg.HTTPTimeout,
	})

	tg, err := telegram.New(telegram.Options{
		Token:      cfg.TelegramToken,
		HTTPClient: httpClient,
		Logger:     logger,
		Debug:      cfg.Debug,
	})
	if err != nil {
		logger.Error("telegram init failed", "err", err)
		os.Exit(1)
	}

	gen, err := provider.Build(ctx, provider.Options{
		Config:     cfg,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("generator init failed", "err", err)
		os.Exit(1)
	}

	sessions := session.NewStore(session.Options{IdleTTL: 24 * time.Hour})
	go sessions.Run(ctx, time.Hour)

	handler := handlers.New(handlers.Options{
		Telegram:  tg,
		Generator: gen,
		Sessions:  sessions,
		Logger:    logger,
		Timeout:   cfg.RequestTimeout,
	})

	logger.Info("bot started", "username", tg.Username(), "mode", string(gen.Mode()))

	updates := tg.Updates(telegram.UpdatesOptions{
		Timeout: 30 * time.Second,
	})
	defer tg.StopUpdates()

	sem := make(chan struct{}, cfg.MaxConcurrent)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case update, ok := <-updates:
			if !ok {
				logger.Info("updates channel closed")
				return
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			go func(update telegram.Update) {
				defer func() { <-sem }()

				// downloads and replies get some slack past the generation deadline
				reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout+time.Minute)
				defer cancel()

				if err := handler.HandleUpdate(reqCtx, update); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("handle update failed", "update_id", update.UpdateID, "err", err)
				}
			}(update)
		}
	}
}
