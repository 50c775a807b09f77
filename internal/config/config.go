package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for roomchat.
type Config struct {
	General   GeneralConfig             `json:"general" yaml:"general"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Context   ContextConfig             `json:"context" yaml:"context"`
	Cache     CacheConfig               `json:"cache" yaml:"cache"`
	Memory    MemoryConfig              `json:"memory" yaml:"memory"`
	Server    ServerConfig              `json:"server" yaml:"server"`
}

type GeneralConfig struct {
	LogLevel        string `json:"logLevel" yaml:"logLevel"`
	LogFile         string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	DefaultProvider string `json:"defaultProvider" yaml:"defaultProvider"`
	HistoryLimit    int    `json:"historyLimit" yaml:"historyLimit"` // messages loaded from the store per request
	CompactMode     bool   `json:"compactMode,omitempty" yaml:"compactMode,omitempty"`
}

type ProviderConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	APIBase      string  `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey       string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	DefaultModel string  `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TimeoutSecs  int     `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// ContextConfig bounds the context handed to the generation backend.
type ContextConfig struct {
	MaxMessages            int  `json:"maxMessages" yaml:"maxMessages"`
	MaxChars               int  `json:"maxChars" yaml:"maxChars"`
	IncludeSystemPrompt    bool `json:"includeSystemPrompt" yaml:"includeSystemPrompt"`
	IncludeUserPreferences bool `json:"includeUserPreferences" yaml:"includeUserPreferences"`
	IncludeSessionMemory   bool `json:"includeSessionMemory" yaml:"includeSessionMemory"`
	IncludeFileIndex       bool `json:"includeFileIndex" yaml:"includeFileIndex"`
	SummaryThreshold       int  `json:"summaryThreshold" yaml:"summaryThreshold"`
}

// ContextOverrides is a partial ContextConfig. Nil fields keep the current value.
type ContextOverrides struct {
	MaxMessages            *int  `json:"maxMessages,omitempty"`
	MaxChars               *int  `json:"maxChars,omitempty"`
	IncludeSystemPrompt    *bool `json:"includeSystemPrompt,omitempty"`
	IncludeUserPreferences *bool `json:"includeUserPreferences,omitempty"`
	IncludeSessionMemory   *bool `json:"includeSessionMemory,omitempty"`
	IncludeFileIndex       *bool `json:"includeFileIndex,omitempty"`
	SummaryThreshold       *int  `json:"summaryThreshold,omitempty"`
}

// Merge returns c with every non-nil field of o applied:
//
//	MaxMessages, MaxChars, SummaryThreshold  replaced when set
//	Include* flags                           replaced when set
func (c ContextConfig) Merge(o ContextOverrides) ContextConfig {
	if o.MaxMessages != nil {
		c.MaxMessages = *o.MaxMessages
	}
	if o.MaxChars != nil {
		c.MaxChars = *o.MaxChars
	}
	if o.IncludeSystemPrompt != nil {
		c.IncludeSystemPrompt = *o.IncludeSystemPrompt
	}
	if o.IncludeUserPreferences != nil {
		c.IncludeUserPreferences = *o.IncludeUserPreferences
	}
	if o.IncludeSessionMemory != nil {
		c.IncludeSessionMemory = *o.IncludeSessionMemory
	}
	if o.IncludeFileIndex != nil {
		c.IncludeFileIndex = *o.IncludeFileIndex
	}
	if o.SummaryThreshold != nil {
		c.SummaryThreshold = *o.SummaryThreshold
	}
	return c
}

type CacheConfig struct {
	TTL             Duration `json:"ttl" yaml:"ttl"`
	CleanupInterval Duration `json:"cleanupInterval" yaml:"cleanupInterval"`
}

type MemoryConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// APIKey, when set, is required as a Bearer token on every /api request.
	APIKey string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	// AskPerMinute throttles asks per participant; 0 disables it.
	AskPerMinute float64 `json:"askPerMinute" yaml:"askPerMinute"`
	AskBurst     int     `json:"askBurst" yaml:"askBurst"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Duration is a time.Duration written as "5m" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain numbers are seconds.
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"5m\" or seconds: %s", string(data))
		}
		*d = Duration(n * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfigDir returns the default config directory (~/.roomchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roomchat"
	}
	return filepath.Join(home, ".roomchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a JSON or YAML config file on top of Defaults and validates it.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		def, hasDefault := groups[2], groups[2] != ""

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.HistoryLimit < 1 {
		errs = append(errs, "general.historyLimit must be >= 1")
	}
	if cfg.General.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
		}
	}

	if cfg.Context.MaxMessages < 1 {
		errs = append(errs, "context.maxMessages must be >= 1")
	}
	if cfg.Context.MaxChars < 1 {
		errs = append(errs, "context.maxChars must be >= 1")
	}
	if cfg.Context.SummaryThreshold < 0 {
		errs = append(errs, "context.summaryThreshold must be >= 0")
	}

	if cfg.Cache.TTL.Std() <= 0 {
		errs = append(errs, "cache.ttl must be positive")
	}
	if cfg.Cache.CleanupInterval.Std() < 0 {
		errs = append(errs, "cache.cleanupInterval must not be negative")
	}

	if cfg.Memory.DBPath == "" {
		errs = append(errs, "memory.dbPath is required")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.AskPerMinute < 0 || cfg.Server.AskBurst < 0 {
		errs = append(errs, "server.askPerMinute and server.askBurst must not be negative")
	}

	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
		if pc.Temperature < 0 || pc.Temperature > 2 {
			errs = append(errs, fmt.Sprintf("providers.%s: temperature must be between 0 and 2", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ResolveSecret expands ${VAR} references in a secret and returns "" when a
// reference is still unresolved.
func ResolveSecret(s string) string {
	s = ExpandEnvVars(s)
	if envVarPattern.MatchString(s) {
		return ""
	}
	return s
}
