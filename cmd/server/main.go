package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/macoaure/privacychain/internal/api"
	"github.com/macoaure/privacychain/internal/config"
	"github.com/macoaure/privacychain/internal/share"
	"github.com/macoaure/privacychain/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cfg.OpenStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("storage", cfg.Storage).Msg("failed to open storage")
	}
	defer store.Close()

	if b, ok := store.(*storage.BadgerStore); ok {
		go runValueLogGC(ctx, b)
	}

	svc := share.NewService(store, nil, cfg.AuditSink(store))
	srv := api.NewServer(store, svc, api.Config{
		ListenAddr: cfg.ListenAddr,
		Storage:    cfg.Storage,
		RateLimit:  cfg.RateLimit,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("storage", cfg.Storage).Msg("server started")
	<-ctx.Done()

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func runValueLogGC(ctx context.Context, b *storage.BadgerStore) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.RunGC(); err != nil {
				log.Warn().Err(err).Msg("badger value log gc failed")
			}
		}
	}
}
