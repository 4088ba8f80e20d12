// Package translate implements the non-live text translation path: a
// transcript goes to a text model with a fixed prompt, and the reply is handed
// to a speech synthesiser.
//
// Rate-limited requests are retried with exponential backoff. Transcription
// and synthesis stay outside this package behind [Transcriber] and [Speaker].
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/provider/llm"
)

const (
	// DefaultMaxRetries is the retry budget for rate-limited requests.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the wait before the first retry. Each further
	// retry doubles it.
	DefaultRetryDelay = 6 * time.Second
)

// Counters receives translation statistics. *observe.Metrics satisfies it.
type Counters interface {
	TranslateCompleted(d time.Duration, status string)
	TranslateRetried()
}

// Transcriber yields finished utterances in the source language. The channel
// is closed when the input ends.
type Transcriber interface {
	Transcripts(ctx context.Context) (<-chan string, error)
}

// Speaker renders translated text in the target language.
type Speaker interface {
	Speak(ctx context.Context, text string, lang Language) error
}

// Config configures a [Translator].
type Config struct {
	Source Language
	Target Language

	// MaxRetries bounds how often a rate-limited request is retried.
	// Negative disables retries; zero uses [DefaultMaxRetries].
	MaxRetries int

	// RetryDelay is the first backoff step. Zero uses [DefaultRetryDelay].
	RetryDelay time.Duration
}

// Option configures a [Translator].
type Option func(*Translator)

// WithCounters attaches a statistics sink.
func WithCounters(c Counters) Option {
	return func(t *Translator) { t.counters = c }
}

// Translator sends transcripts to a text model. It is safe for concurrent use.
type Translator struct {
	provider   llm.Provider
	maxRetries int
	retryDelay time.Duration
	counters   Counters
	sleep      func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	source  Language
	target  Language
	onRetry func(attempt int, wait time.Duration)
}

// New creates a Translator backed by p.
func New(p llm.Provider, cfg Config, opts ...Option) (*Translator, error) {
	if p == nil {
		return nil, errors.New("translate: provider must not be nil")
	}
	if cfg.Source.Name == "" || cfg.Target.Name == "" {
		return nil, errors.New("translate: source and target language are required")
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	t := &Translator{
		provider:   p,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		source:     cfg.Source,
		target:     cfg.Target,
		counters:   nopCounters{},
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// OnRetry registers fn to be called before each backoff wait, so a UI can
// show "Rate limit hit. Retrying in Ns...". Attempts count from 1.
func (t *Translator) OnRetry(fn func(attempt int, wait time.Duration)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRetry = fn
}

// SetLanguages swaps the language pair for subsequent requests.
func (t *Translator) SetLanguages(source, target Language) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.source, t.target = source, target
}

// Languages returns the current language pair.
func (t *Translator) Languages() (source, target Language) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.source, t.target
}

// Prompt builds the instruction sent to the model.
func Prompt(text string, source, target Language) string {
	return fmt.Sprintf("Act as a professional translator. Translate the following text from %s to %s:\n\"%s\"\nReturn ONLY the translated text.",
		source.Name, target.Name, text)
}

// Backoff returns the wait before retry attempt n (1-based).
func (t *Translator) Backoff(n int) time.Duration {
	return t.retryDelay << (n - 1)
}

// Translate returns text rendered in the target language. Blank input
// returns "" without contacting the model.
func (t *Translator) Translate(ctx context.Context, text string) (out string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	source, target := t.Languages()
	ctx, span := observe.StartSpan(ctx, "translate.translate")
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		t.counters.TranslateCompleted(time.Since(start), status)
		observe.EndSpan(span, err)
	}()

	req := llm.UserPrompt(Prompt(text, source, target))
	for attempt := 0; ; attempt++ {
		resp, err := t.provider.Complete(ctx, req)
		if err == nil {
			return strings.TrimSpace(resp.Content), nil
		}
		if !llm.IsRateLimited(err) || attempt >= t.maxRetries {
			return "", fmt.Errorf("translate: %w", err)
		}

		wait := t.Backoff(attempt + 1)
		observe.Logger(ctx).Warn("rate limit hit, retrying", "attempt", attempt+1, "wait", wait)
		t.counters.TranslateRetried()
		t.mu.RLock()
		onRetry := t.onRetry
		t.mu.RUnlock()
		if onRetry != nil {
			onRetry(attempt+1, wait)
		}
		if err := t.sleep(ctx, wait); err != nil {
			return "", fmt.Errorf("translate: %w", err)
		}
	}
}

// Run translates every transcript from tr and hands the result to sp until
// the transcript stream ends or ctx is cancelled. Failed translations are
// logged and skipped.
func (t *Translator) Run(ctx context.Context, tr Transcriber, sp Speaker) error {
	transcripts, err := tr.Transcripts(ctx)
	if err != nil {
		return fmt.Errorf("translate: transcripts: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text, ok := <-transcripts:
			if !ok {
				return nil
			}
			out, err := t.Translate(ctx, text)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				observe.Logger(ctx).Error("translation failed", "err", err)
				continue
			}
			if out == "" {
				continue
			}
			_, target := t.Languages()
			if err := sp.Speak(ctx, out, target); err != nil {
				return fmt.Errorf("translate: speak: %w", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nopCounters struct{}

func (nopCounters) TranslateCompleted(time.Duration, string) {}
func (nopCounters) TranslateRetried()                        {}
