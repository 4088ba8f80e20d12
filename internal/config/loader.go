package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livevoice/internal/translate"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s/gemini"
)

// ValidProviderNames lists known provider names per provider kind. [Validate]
// warns about names outside these lists.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini-live"},
	"llm": {"gemini", "gemini-native", "openai", "openai-native", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found; soft problems are logged.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Live
	validateProviderName("s2s", cfg.Live.Provider.Name)
	if cfg.Live.Provider.Name == "gemini-live" && cfg.Live.Voice != "" && !slices.Contains(gemini.Voices, cfg.Live.Voice) {
		slog.Warn("live.voice is not a known prebuilt voice", "voice", cfg.Live.Voice, "known", gemini.Voices)
	}
	if v, ok := cfg.Live.Provider.Options["api_version"]; ok {
		if _, isString := v.(string); !isString {
			errs = append(errs, fmt.Errorf("live.provider.options.api_version must be a string, got %T", v))
		}
	}

	// Audio
	if cfg.Audio.CaptureSampleRate != 0 && cfg.Audio.CaptureSampleRate < audio.CaptureSampleRate {
		errs = append(errs, fmt.Errorf("audio.capture_sample_rate %d is below the %d Hz wire rate", cfg.Audio.CaptureSampleRate, audio.CaptureSampleRate))
	}
	if cfg.Audio.PeriodMS < 0 {
		errs = append(errs, fmt.Errorf("audio.period_ms %d must not be negative", cfg.Audio.PeriodMS))
	}
	if cfg.Audio.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_size %d must not be negative", cfg.Audio.QueueSize))
	}

	// Translate
	t := cfg.Translate
	validateProviderName("llm", t.Provider.Name)
	for i, fb := range t.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("translate.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	for _, lang := range []struct{ field, code string }{
		{"translate.source_language", t.SourceLanguage},
		{"translate.target_language", t.TargetLanguage},
	} {
		if lang.code == "" {
			continue
		}
		if _, ok := translate.LookupLanguage(lang.code); !ok {
			errs = append(errs, fmt.Errorf("%s %q is not supported; valid values: %v", lang.field, lang.code, translate.Codes()))
		}
	}
	if t.SourceLanguage != "" && t.SourceLanguage == t.TargetLanguage {
		slog.Warn("translate.source_language equals target_language", "language", t.SourceLanguage)
	}
	if t.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("translate.retry_delay %v must not be negative", t.RetryDelay))
	}
	if t.CircuitBreaker.MaxFailures < 0 || t.CircuitBreaker.HalfOpenMax < 0 || t.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("translate.circuit_breaker values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames] for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
