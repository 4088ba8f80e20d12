package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/pkg/provider/llm"
	"github.com/MrWong99/livevoice/pkg/provider/llm/anyllm"
	gaillm "github.com/MrWong99/livevoice/pkg/provider/llm/genai"
	oaillm "github.com/MrWong99/livevoice/pkg/provider/llm/openai"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	"github.com/MrWong99/livevoice/pkg/provider/s2s/gemini"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Text completion providers report their errors to metrics.
func registerBuiltinProviders(reg *config.Registry, metrics *observe.Metrics) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if v := config.OptString(entry.Options, "api_version"); v != "" {
			opts = append(opts, gemini.WithAPIVersion(v))
		}
		return gemini.New(opts...), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	// Every any-llm-go backend shares the same pattern: optional APIKey and
	// optional BaseURL. ollama is a local server and only takes BaseURL.
	for _, providerName := range anyllm.Supported {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && providerName != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return &meteredLLM{Provider: p, name: providerName, metrics: metrics}, nil
		})
	}

	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if s := config.OptString(entry.Options, "timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("openai-native: options.timeout: %w", err)
			}
			opts = append(opts, oaillm.WithTimeout(d))
		}
		p, err := oaillm.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return &meteredLLM{Provider: p, name: "openai-native", metrics: metrics}, nil
	})

	// gemini-native shares the live session's key when none is configured.
	reg.RegisterLLM("gemini-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []gaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, gaillm.WithBaseURL(entry.BaseURL))
		}
		if v := config.OptString(entry.Options, "api_version"); v != "" {
			opts = append(opts, gaillm.WithAPIVersion(v))
		}
		if s := config.OptString(entry.Options, "timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("gemini-native: options.timeout: %w", err)
			}
			opts = append(opts, gaillm.WithTimeout(d))
		}
		key := entry.APIKey
		if key == "" {
			key = os.Getenv(apiKeyEnv)
		}
		p, err := gaillm.New(context.Background(), key, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return &meteredLLM{Provider: p, name: "gemini-native", metrics: metrics}, nil
	})
}

// buildTranslationProvider creates the primary text provider and its
// fallbacks, each behind a circuit breaker.
func buildTranslationProvider(cfg config.TranslateConfig, reg *config.Registry) (*resilience.LLMFallback, error) {
	primary, err := reg.CreateLLM(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Provider.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Provider.Name, "model", cfg.Provider.Model)

	fb := resilience.NewLLMFallback(primary, providerLabel(cfg.Provider), resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  cfg.CircuitBreaker.HalfOpenMax,
		},
	})
	for _, entry := range cfg.Fallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback llm provider %q: %w", entry.Name, err)
		}
		fb.AddFallback(providerLabel(entry), p)
		slog.Info("fallback provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}
	return fb, nil
}

// meteredLLM counts failed completions per provider.
type meteredLLM struct {
	llm.Provider
	name    string
	metrics *observe.Metrics
}

func (m *meteredLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := m.Provider.Complete(ctx, req)
	if err != nil && m.metrics != nil {
		kind := "error"
		if llm.IsRateLimited(err) {
			kind = "rate_limited"
		}
		m.metrics.RecordProviderError(ctx, m.name, kind)
	}
	return resp, err
}
