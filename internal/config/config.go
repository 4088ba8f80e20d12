// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for livevoice.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Live      LiveConfig      `yaml:"live"`
	Audio     AudioConfig     `yaml:"audio"`
	Translate TranslateConfig `yaml:"translate"`
}

// ServerConfig holds the operational HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr serves /metrics, /healthz and /readyz when non-empty
	// (e.g. ":9464").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LiveConfig selects the realtime speech backend.
type LiveConfig struct {
	// Provider names a registered s2s factory ("gemini-live"). Model is the
	// fully qualified model name; Options may carry "api_version".
	Provider ProviderEntry `yaml:"provider"`

	// Voice is the prebuilt voice of the remote agent.
	Voice string `yaml:"voice"`
}

// AudioConfig tunes the local audio devices.
type AudioConfig struct {
	// CaptureSampleRate is the native microphone rate requested from the
	// device. Must be at least 16000.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// PeriodMS is the device callback period in milliseconds.
	PeriodMS int `yaml:"period_ms"`

	// QueueSize is the number of captured frames buffered for the sender.
	QueueSize int `yaml:"queue_size"`
}

// TranslateConfig configures the text translation path.
type TranslateConfig struct {
	// Provider is the primary text model.
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// SourceLanguage and TargetLanguage are language codes such as "en-US".
	SourceLanguage string `yaml:"source_language"`
	TargetLanguage string `yaml:"target_language"`

	// MaxRetries bounds retries of rate-limited requests. Negative disables
	// retries.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the first backoff step; each retry doubles it.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// CircuitBreaker tunes the per-backend breaker.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors resilience.CircuitBreakerConfig.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. Name is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation, e.g. "gemini".
	Name string `yaml:"name"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Live.Provider.Name == "" {
		cfg.Live.Provider.Name = "gemini-live"
	}
	if cfg.Live.Provider.Model == "" {
		cfg.Live.Provider.Model = "models/gemini-2.0-flash"
	}
	if cfg.Live.Voice == "" {
		cfg.Live.Voice = "Puck"
	}
	if cfg.Audio.CaptureSampleRate == 0 {
		cfg.Audio.CaptureSampleRate = 48000
	}
	if cfg.Audio.PeriodMS == 0 {
		cfg.Audio.PeriodMS = 20
	}
	if cfg.Audio.QueueSize == 0 {
		cfg.Audio.QueueSize = 32
	}
	t := &cfg.Translate
	if t.Provider.Name == "" {
		t.Provider.Name = "gemini"
	}
	if t.Provider.Model == "" {
		t.Provider.Model = "gemini-2.0-flash"
	}
	if t.SourceLanguage == "" {
		t.SourceLanguage = "en-US"
	}
	if t.TargetLanguage == "" {
		t.TargetLanguage = "es-ES"
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if t.RetryDelay == 0 {
		t.RetryDelay = 6 * time.Second
	}
}
