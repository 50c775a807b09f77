package provider

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"roomchat/internal/config"
	"roomchat/internal/domain"
)

// Factory creates and caches completion providers from config. Every entry is
// treated as an OpenAI-compatible endpoint.
type Factory struct {
	cfg    *config.Config
	logger *slog.Logger
	cache  map[string]*OpenAI
	mu     sync.RWMutex
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]*OpenAI),
	}
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.StreamingProvider, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	if pc.APIBase == "" {
		return nil, fmt.Errorf("provider %s: apiBase is not configured", name)
	}

	p := NewOpenAI(OpenAIConfig{
		Name:        name,
		APIKey:      config.ResolveSecret(pc.APIKey),
		APIBase:     pc.APIBase,
		Model:       pc.DefaultModel,
		MaxTokens:   pc.MaxTokens,
		Temperature: pc.Temperature,
		Timeout:     time.Duration(pc.TimeoutSecs) * time.Second,
		Logger:      f.logger.With("provider", name),
	})
	f.cache[name] = p
	f.logger.Debug("provider created", "provider", name, "model", p.model)
	return p, nil
}

// DefaultProvider returns the configured default provider.
func (f *Factory) DefaultProvider() (domain.StreamingProvider, error) {
	return f.Get("")
}

// Enabled lists the names of enabled providers, sorted.
func (f *Factory) Enabled() []string {
	var names []string
	for name, pc := range f.cfg.Providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
