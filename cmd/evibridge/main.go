// Command evibridge runs the telephony-to-voice-engine bridge server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caavoice/evibridge/internal/bridge"
	"github.com/caavoice/evibridge/internal/calllog"
	"github.com/caavoice/evibridge/internal/config"
	"github.com/caavoice/evibridge/internal/health"
	"github.com/caavoice/evibridge/internal/httpapi"
	"github.com/caavoice/evibridge/internal/observe"
	"github.com/caavoice/evibridge/pkg/evi"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "evibridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "evibridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("evibridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "evibridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Call log ──────────────────────────────────────────────────────────────
	var calls calllog.Store = calllog.Noop{}
	if dsn := cfg.CallLog.PostgresDSN; dsn != "" {
		pg, err := calllog.NewPostgres(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect call log store", "err", err)
			return 1
		}
		calls = pg
		slog.Info("call log store connected")
	}
	defer calls.Close()

	// ── Engine provider ───────────────────────────────────────────────────────
	engineOpts := []evi.Option{
		evi.WithSampleRate(cfg.Engine.SampleRate),
		evi.WithPingInterval(cfg.Engine.PingInterval.Std()),
	}
	if cfg.Engine.BaseURL != "" {
		engineOpts = append(engineOpts, evi.WithBaseURL(cfg.Engine.BaseURL))
	}
	engine := evi.New(cfg.Engine.APIKey, cfg.Engine.ConfigID, engineOpts...)

	// ── Bridge ────────────────────────────────────────────────────────────────
	br, err := bridge.New(bridge.Config{
		Engine:         engine,
		CallLog:        calls,
		ConnectTimeout: cfg.Engine.ConnectTimeout.Std(),
		DrainGrace:     cfg.Bridge.DrainGrace.Std(),
		MaxBuffer:      cfg.Bridge.MaxBuffer.Std(),
	})
	if err != nil {
		slog.Error("failed to initialise bridge", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	api, err := httpapi.New(httpapi.Config{
		Bridge:     br,
		PublicHost: cfg.Server.PublicHost,
		Checkers: []health.Checker{
			{Name: "engine", Check: func(context.Context) error {
				if cfg.Engine.APIKey == "" {
					return errors.New("engine api_key not configured")
				}
				return nil
			}},
			{Name: "call_log", Check: calls.Ping},
		},
	})
	if err != nil {
		slog.Error("failed to initialise http server", "err", err)
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.HasChanges() {
			return
		}
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "log_level", d.NewLogLevel)
		}
		if d.BridgeChanged {
			br.UpdateLimits(d.NewBridge.DrainGrace.Std(), d.NewBridge.MaxBuffer.Std())
			slog.Info("bridge limits changed",
				"drain_grace", d.NewBridge.DrainGrace.Std(),
				"max_buffer", d.NewBridge.MaxBuffer.Std(),
			)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// End live sessions first; their stream handlers block until the session
	// closes, and Shutdown cannot drain while they are running.
	if n := br.Registry().Len(); n > 0 {
		slog.Info("closing live sessions", "count", n)
		br.Registry().CloseAll(bridge.EndReasonShutdown)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// version is overridden at build time via -ldflags.
var version = "dev"

// slogLevel maps a config log level onto its slog equivalent.
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
