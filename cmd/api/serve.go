package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-relay/internal/handler"
	"github.com/zhouzirui/chat-relay/internal/service/ai"
	"github.com/zhouzirui/chat-relay/internal/service/chat"
	"github.com/zhouzirui/chat-relay/internal/telemetry"
)

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shut down telemetry")
		}
	}()

	store, err := openStore(ctx, cfg.Store, cfg.Session.TTL)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	provider, err := ai.NewProvider(ctx, cfg.AI)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("initialize %s provider: %w", cfg.AI.Provider, err)
	}
	log.Info().Str("provider", provider.Name()).Str("store", cfg.Store.Backend).Msg("AI provider initialized")

	chatSvc := chat.NewService(provider, store, chat.Options{
		TTL:           cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
		MaxSessions:   cfg.Session.MaxSessions,
		Timeout:       cfg.AI.Timeout,
	})
	defer func() {
		if err := chatSvc.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close chat service")
		}
	}()
	go chatSvc.Run(ctx)

	router := handler.NewRouter(chatSvc, cfg.Server, cfg.AI.SanitizeErrors, a.logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", cfg.Server.Addr).Msg("chat relay listening")
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("chat relay stopped")
	return nil
}

func (a *app) ask(ctx context.Context, out io.Writer, message string) error {
	cfg := a.cfg

	provider, err := ai.NewProvider(ctx, cfg.AI)
	if err != nil {
		return fmt.Errorf("initialize %s provider: %w", cfg.AI.Provider, err)
	}
	defer provider.Close()

	chatSvc := chat.NewService(provider, chat.NewMemoryStore(), chat.Options{Timeout: cfg.AI.Timeout})
	reply, err := chatSvc.Send(ctx, "", message)
	if err != nil {
		var ce *chat.Error
		if errors.As(err, &ce) {
			return fmt.Errorf("%s: %s", ce.Code, ce.Cause())
		}
		return err
	}

	_, err = fmt.Fprintln(out, reply.Content)
	return err
}
