package config

import "time"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:        "info",
			DefaultProvider: "openai",
			HistoryLimit:    200,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:      true,
				APIBase:      "https://api.openai.com/v1",
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o-mini",
				MaxTokens:    2048,
				Temperature:  0.7,
				TimeoutSecs:  120,
			},
			"deepseek": {
				Enabled:      false,
				APIBase:      "https://api.deepseek.com/v1",
				APIKey:       "${DEEPSEEK_API_KEY}",
				DefaultModel: "deepseek-chat",
				MaxTokens:    2048,
				Temperature:  0.7,
			},
		},
		Context: DefaultContextConfig(),
		Cache: CacheConfig{
			TTL:             Duration(5 * time.Minute),
			CleanupInterval: Duration(time.Minute),
		},
		Memory: MemoryConfig{
			DBPath: "~/.roomchat/roomchat.db",
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			AskPerMinute: 20,
			AskBurst:     5,
		},
	}
}

// DefaultContextConfig: 50 messages, 10000 characters, every section included,
// summaries past 30 messages.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MaxMessages:            50,
		MaxChars:               10000,
		IncludeSystemPrompt:    true,
		IncludeUserPreferences: true,
		IncludeSessionMemory:   true,
		IncludeFileIndex:       true,
		SummaryThreshold:       30,
	}
}
