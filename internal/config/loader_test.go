package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/livevoice/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"capture rate below wire rate", "audio:\n  capture_sample_rate: 8000\n", "capture_sample_rate"},
		{"negative period", "audio:\n  period_ms: -5\n", "period_ms"},
		{"negative queue", "audio:\n  queue_size: -1\n", "queue_size"},
		{"unknown source language", "translate:\n  source_language: xx-XX\n", "source_language"},
		{"unknown target language", "translate:\n  target_language: klingon\n", "target_language"},
		{"negative retry delay", "translate:\n  retry_delay: -1s\n", "retry_delay"},
		{"negative breaker", "translate:\n  circuit_breaker:\n    max_failures: -1\n", "circuit_breaker"},
		{"fallback without name", "translate:\n  fallbacks:\n    - model: x\n", "fallbacks[0]"},
		{"api_version not a string", "live:\n  provider:\n    options:\n      api_version: 3\n", "api_version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
audio:
  queue_size: -3
translate:
  target_language: zz-ZZ
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "queue_size", "target_language"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_SoftProblemsOnlyWarn(t *testing.T) {
	t.Parallel()
	yaml := `
live:
  provider:
    name: some-other-live
  voice: Nobody
translate:
  provider:
    name: homegrown
  source_language: de-DE
  target_language: de-DE
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("soft problems should not fail validation: %v", err)
	}
}

func TestValidate_LanguageCodeCaseInsensitive(t *testing.T) {
	t.Parallel()
	yaml := "translate:\n  source_language: en-us\n  target_language: FR-fr\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if !slices.Contains(config.ValidProviderNames["s2s"], "gemini-live") {
		t.Error("s2s names should include gemini-live")
	}
	for _, name := range []string{"gemini", "openai", "openai-native", "gemini-native"} {
		if !slices.Contains(config.ValidProviderNames["llm"], name) {
			t.Errorf("llm names should include %q", name)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "livevoice.yaml")
	writeFile(t, path, sampleYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Translate.TargetLanguage != "ja-JP" {
		t.Errorf("target_language: got %q, want ja-JP", cfg.Translate.TargetLanguage)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLoad_InvalidFileNamesPath(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "server:\n  log_level: nope\n")

	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error should name the file, got: %v", err)
	}
}
