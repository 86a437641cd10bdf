package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/chat-relay/internal/config"
	"github.com/zhouzirui/chat-relay/internal/logging"
	"github.com/zhouzirui/chat-relay/internal/service/chat"
)

type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
	addr      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "chat-relay",
		Short:        "HTTP relay between chat clients and a hosted AI model",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.addr, "addr", "", "listen address, overrides PORT")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "ask <message>",
			Short: "Send one message to the configured provider and print the reply",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.ask(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "))
			},
		},
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	// Load .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to load .env file: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if a.addr != "" {
		addr, err := config.ParseAddr(a.addr)
		if err != nil {
			return fmt.Errorf("invalid --addr: %w", err)
		}
		cfg.Server.Addr = addr
	}

	logger, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer
	log.Debug().
		Str("provider", cfg.AI.Provider).
		Str("model", cfg.AI.Model).
		Str("api_key", cfg.AI.MaskedKey()).
		Msg("configuration loaded")
	return nil
}

// openStore builds the transcript store selected by STORE_BACKEND.
func openStore(ctx context.Context, cfg config.StoreConfig, ttl time.Duration) (chat.Store, error) {
	switch cfg.Backend {
	case config.StoreSQLite:
		return chat.NewSQLiteStore(chat.SQLiteDSNForFile(cfg.SQLitePath))
	case config.StoreRedis:
		return chat.NewRedisStore(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.RedisPrefix, ttl)
	case config.StoreMemory, "":
		return chat.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
