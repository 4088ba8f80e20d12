package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reload describes one accepted edit of the config file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// fileState identifies a version of the config file on disk.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports valid edits as a [Reload]. An edit
// that fails to parse or validate is logged and the previous config is kept.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)

	mu      sync.Mutex
	current *Config
	seen    fileState
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path. Polling starts when [Watcher.Run] is
// called; onReload may be nil.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, onReload: onReload}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := readVersion(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, st
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if rl, ok := w.poll(); ok && w.onReload != nil {
				w.onReload(rl)
			}
		}
	}
}

// poll returns a Reload when the file holds new, valid content. A changed
// mtime with identical content only refreshes the remembered state.
func (w *Watcher) poll() (Reload, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return Reload{}, false
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return Reload{}, false
	}

	cfg, st, err := readVersion(w.path)
	if err != nil {
		slog.Warn("config watcher: rejected edit, keeping previous config", "path", w.path, "err", err)
		return Reload{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	sameContent := st.sum == w.seen.sum
	w.seen = st
	if sameContent {
		return Reload{}, false
	}
	rl := Reload{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.current = cfg

	slog.Info("config watcher: configuration reloaded", "path", w.path,
		"languages_changed", rl.Diff.LanguagesChanged,
		"log_level_changed", rl.Diff.LogLevelChanged,
		"restart_required", rl.Diff.RestartRequired,
	)
	return rl, true
}

// readVersion parses and validates the file and fingerprints its content.
func readVersion(path string) (*Config, fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
