package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"roomchat/internal/agent"
	"roomchat/internal/config"
	"roomchat/internal/domain"
	"roomchat/internal/memory"
	"roomchat/internal/provider"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	logCloser  io.Closer
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "roomchat",
		Short:   "roomchat: an AI participant for multi-user chat rooms",
		Long:    "roomchat keeps per-session chat history and answers prompts with a bounded, speaker-aware context.",
		Version: version,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.roomchat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(contextCmd())
	root.AddCommand(askCmd())
	root.AddCommand(importCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when none exists,
// and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		cfg.Memory.DBPath = config.ExpandPath(cfg.Memory.DBPath)
	}
	if err := setupLogger(cfg.General); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(g config.GeneralConfig) error {
	var level slog.Level
	switch strings.ToLower(g.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return fmt.Errorf("log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w, logCloser = f, f
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// app is the wired set of components shared by serve, context and ask.
type app struct {
	cfg       *config.Config
	store     *memory.SQLiteStore
	builder   *agent.ContextBuilder
	cache     *agent.ContextCache
	provider  domain.StreamingProvider
	assistant *agent.Assistant
}

func newApp(cfg *config.Config, needProvider bool) (*app, error) {
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	builder := agent.NewContextBuilder(agent.ContextBuilderConfig{Context: cfg.Context, Logger: logger})
	cache := agent.NewContextCache(agent.ContextCacheConfig{
		Builder: builder,
		TTL:     cfg.Cache.TTL.Std(),
		Logger:  logger,
	})

	var prov domain.StreamingProvider
	if needProvider {
		prov, err = provider.NewFactory(cfg, logger).DefaultProvider()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("provider: %w", err)
		}
	}

	// Built whenever there is a provider; context.summaryThreshold is read
	// per request so runtime config changes apply.
	var summarizer *agent.Summarizer
	if prov != nil {
		summarizer = agent.NewSummarizer(agent.SummarizerConfig{Provider: prov, Logger: logger})
	}

	assistant := agent.NewAssistant(agent.AssistantConfig{
		Store:        store,
		Builder:      builder,
		Cache:        cache,
		Provider:     prov,
		Summarizer:   summarizer,
		HistoryLimit: cfg.General.HistoryLimit,
		Logger:       logger,
	})

	return &app{
		cfg:       cfg,
		store:     store,
		builder:   builder,
		cache:     cache,
		provider:  prov,
		assistant: assistant,
	}, nil
}

// Close waits for background summary refreshes before closing the store.
func (a *app) Close() error {
	a.assistant.Close()
	return a.store.Close()
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. context.maxChars)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. context.maxMessages 80)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			keys, values := config.ListPaths(config.Sanitize(cfg))
			out := cmd.OutOrStdout()
			for _, k := range keys {
				data, _ := json.Marshal(values[k])
				fmt.Fprintf(out, "%s = %s\n", k, data)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}
