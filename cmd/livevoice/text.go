package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/internal/translate"
)

// textRunner translates lines read from in and writes results to out.
type textRunner struct {
	translator *translate.Translator
	fallback   *resilience.LLMFallback
	in         io.Reader
	out        io.Writer
}

func newTextRunner(cfg config.TranslateConfig, reg *config.Registry, metrics *observe.Metrics, in io.Reader, out, notices io.Writer) (*textRunner, error) {
	fb, err := buildTranslationProvider(cfg, reg)
	if err != nil {
		return nil, err
	}
	return newTextRunnerWith(cfg, fb, metrics, in, out, notices)
}

func newTextRunnerWith(cfg config.TranslateConfig, fb *resilience.LLMFallback, metrics *observe.Metrics, in io.Reader, out, notices io.Writer) (*textRunner, error) {
	src, dst, err := lookupPair(cfg.SourceLanguage, cfg.TargetLanguage)
	if err != nil {
		return nil, err
	}
	var opts []translate.Option
	if metrics != nil {
		opts = append(opts, translate.WithCounters(metrics))
	}
	tr, err := translate.New(fb, translate.Config{
		Source:     src,
		Target:     dst,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, opts...)
	if err != nil {
		return nil, err
	}
	tr.OnRetry(func(_ int, wait time.Duration) {
		fmt.Fprintf(notices, "Rate limit hit. Retrying in %ds...\n", int(wait.Round(time.Second).Seconds()))
	})
	return &textRunner{translator: tr, fallback: fb, in: in, out: out}, nil
}

func (r *textRunner) Run(ctx context.Context) error {
	return r.translator.Run(ctx, &lineTranscriber{r: r.in}, &writerSpeaker{w: r.out})
}

// Checkers fails readiness while every translation backend is tripped.
func (r *textRunner) Checkers() []health.Checker {
	return []health.Checker{health.BreakerCheck("translate", r.fallback.Available)}
}

// applyReload switches languages when the config file changes them.
func (r *textRunner) applyReload(rl config.Reload) {
	if !rl.Diff.LanguagesChanged {
		return
	}
	src, dst, err := lookupPair(rl.Diff.SourceLanguage, rl.Diff.TargetLanguage)
	if err != nil {
		slog.Warn("ignoring language change", "err", err)
		return
	}
	oldSrc, oldDst := r.translator.Languages()
	if oldSrc == src && oldDst == dst {
		return
	}
	r.translator.SetLanguages(src, dst)
	slog.Info("translation languages changed", "source", src.Code, "target", dst.Code)
}

func lookupPair(source, target string) (src, dst translate.Language, err error) {
	src, ok := translate.LookupLanguage(source)
	if !ok {
		return src, dst, fmt.Errorf("unsupported source language %q", source)
	}
	dst, ok = translate.LookupLanguage(target)
	if !ok {
		return src, dst, fmt.Errorf("unsupported target language %q", target)
	}
	return src, dst, nil
}

// ── Transcriber / Speaker ─────────────────────────────────────────────────────

// lineTranscriber yields each non-blank line of r as a transcript. The
// scanning goroutine exits at EOF; a read blocked on a terminal outlives a
// cancelled ctx until the next line arrives.
type lineTranscriber struct {
	r io.Reader
}

func (t *lineTranscriber) Transcripts(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(t.r)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case ch <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			slog.Warn("reading transcripts", "err", err)
		}
	}()
	return ch, nil
}

// writerSpeaker prints translations as "[<voice>] <text>".
type writerSpeaker struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *writerSpeaker) Speak(_ context.Context, text string, lang translate.Language) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "[%s] %s\n", lang.Voice, text)
	return err
}
