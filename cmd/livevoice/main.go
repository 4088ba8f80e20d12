// Command livevoice streams microphone audio to a realtime speech model and
// plays back its spoken replies. With -mode text it instead translates lines
// read from stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/translate"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var _ translate.Counters = (*observe.Metrics)(nil)

// runner is one operating mode.
type runner interface {
	// Run blocks until the mode finishes or ctx is cancelled.
	Run(ctx context.Context) error

	// Checkers are added to the /readyz endpoint.
	Checkers() []health.Checker
}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", "live", "operating mode: live (voice session) or text (translate stdin)")
	flag.Parse()

	if *mode != "live" && *mode != "text" {
		fmt.Fprintf(os.Stderr, "livevoice: unknown -mode %q (want live or text)\n", *mode)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(os.Stderr, &level))

	if !fromFile {
		slog.Warn("config file not found, using defaults", "config", *configPath)
	}
	slog.Info("livevoice starting",
		"version", version,
		"mode", *mode,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "livevoice",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, metrics)

	// ── Mode ──────────────────────────────────────────────────────────────────
	var (
		r        runner
		onReload func(config.Reload)
	)
	switch *mode {
	case "live":
		lr, err := newLiveRunner(cfg, reg, metrics, os.Stdout)
		if err != nil {
			slog.Error("failed to set up live session", "err", err)
			return 1
		}
		defer lr.Close()
		r = lr
	case "text":
		tr, err := newTextRunner(cfg.Translate, reg, metrics, os.Stdin, os.Stdout, os.Stderr)
		if err != nil {
			slog.Error("failed to set up translator", "err", err)
			return 1
		}
		r = tr
		onReload = tr.applyReload
	}

	printStartupSummary(os.Stdout, cfg, *mode)

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Server.ListenAddr != "" {
		srv := newOpsServer(cfg.Server.ListenAddr, metrics, r.Checkers())
		g.Go(func() error {
			slog.Info("ops server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if fromFile {
		w, err := config.NewWatcher(*configPath, func(rl config.Reload) {
			d := rl.Diff
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.RestartRequired {
				slog.Warn("config change requires a restart to take effect")
			}
			if onReload != nil {
				onReload(rl)
			}
		})
		if err != nil {
			slog.Warn("config hot-reload disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		// A finished mode stops the ops server and watcher too.
		defer cancel()
		err := r.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig loads path, falling back to defaults when it does not exist.
// fromFile reports whether the file was read.
func loadConfig(path string) (cfg *config.Config, fromFile bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist):
		return config.Default(), false, nil
	default:
		return nil, false, err
	}
}

// newOpsServer serves /metrics, /healthz and /readyz.
func newOpsServer(addr string, metrics *observe.Metrics, checkers []health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, mode string) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        livevoice — startup summary    ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Mode", mode)
	if mode == "live" {
		printRow(w, "Live", providerLabel(cfg.Live.Provider))
		printRow(w, "Voice", cfg.Live.Voice)
		printRow(w, "Mic rate", fmt.Sprintf("%d Hz", cfg.Audio.CaptureSampleRate))
	} else {
		printRow(w, "Translate", providerLabel(cfg.Translate.Provider))
		printRow(w, "Fallbacks", fmt.Sprintf("%d", len(cfg.Translate.Fallbacks)))
		printRow(w, "Languages", cfg.Translate.SourceLanguage+" → "+cfg.Translate.TargetLanguage)
	}
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(w io.Writer, key, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
