package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/internal/agent"
	"roomchat/internal/api"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  "Serves sessions, messages, context inspection and streaming answers over HTTP. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if h, ok := a.provider.(interface{ Healthy(context.Context) error }); ok {
		if err := h.Healthy(ctx); err != nil {
			logger.Warn("provider unhealthy at startup", "provider", a.provider.Name(), "err", err)
		} else {
			logger.Info("provider healthy", "provider", a.provider.Name())
		}
	}

	if interval := cfg.Cache.CleanupInterval.Std(); interval > 0 {
		go runCacheCleaner(ctx, a.cache, interval)
	}

	srv := api.New(api.Config{
		Addr:         cfg.Server.Addr(),
		APIKey:       cfg.Server.APIKey,
		Store:        a.store,
		Assistant:    a.assistant,
		Builder:      a.builder,
		Cache:        a.cache,
		Provider:     a.provider.Name(),
		AskPerMinute: cfg.Server.AskPerMinute,
		AskBurst:     cfg.Server.AskBurst,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// runCacheCleaner evicts expired contexts every interval until ctx is done.
func runCacheCleaner(ctx context.Context, cache *agent.ContextCache, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.CleanCache(); n > 0 {
				logger.Debug("context cache cleaned", "evicted", n, "remaining", cache.Len())
			}
		}
	}
}
