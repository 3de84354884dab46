// Command collector is the main entry point for the benefit-verification
// data-collector server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rokasgie/ai-data-collector/internal/call"
	"github.com/rokasgie/ai-data-collector/internal/config"
	"github.com/rokasgie/ai-data-collector/internal/dispatch"
	"github.com/rokasgie/ai-data-collector/internal/health"
	"github.com/rokasgie/ai-data-collector/internal/observe"
	"github.com/rokasgie/ai-data-collector/internal/server"
	"github.com/rokasgie/ai-data-collector/internal/store"
	"github.com/rokasgie/ai-data-collector/internal/turn"
	"github.com/rokasgie/ai-data-collector/pkg/provider/llm/openai"
	"github.com/rokasgie/ai-data-collector/pkg/provider/stt"
	"github.com/rokasgie/ai-data-collector/pkg/provider/stt/deepgram"
)

const version = "0.3.0"

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
			fmt.Fprintf(os.Stderr, "collector: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("collector starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise observability", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownObserve(context.Background()); err != nil {
			slog.Warn("observability shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	sttProvider, err := buildSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to build STT provider", "err", err)
		return 1
	}
	llmProvider, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build LLM provider", "err", err)
		return 1
	}

	// ── Server ────────────────────────────────────────────────────────────────
	srv, err := server.New(server.Options{
		ListenAddr: cfg.Server.ListenAddr,
		STT:        sttProvider,
		LLM:        llmProvider,
		Store:      store.NewMemory(),
		Metrics:    metrics,
		Turn: turn.Config{
			Tick:          cfg.Turn.Tick.Std(),
			GraceWindow:   cfg.Turn.GraceWindow.Std(),
			SilenceWindow: cfg.Turn.SilenceWindow.Std(),
			Retention:     cfg.Turn.Retention.Std(),
			RetainMax:     cfg.Turn.RetainMax,
			StaleWindow:   cfg.Turn.StaleWindow.Std(),
		},
		Dispatch: dispatch.Config{
			QueueCap:        cfg.Dispatch.QueueCap,
			HistoryWindow:   cfg.Dispatch.HistoryWindow,
			MaxReplyTokens:  cfg.Dispatch.MaxReplyTokens,
			SentenceWordCap: cfg.Dispatch.SentenceWordCap,
		},
		Patient: patientFromConfig(cfg.Call),
		Stream: stt.StreamConfig{
			SampleRate: 16000,
			Channels:   1,
			Language:   cfg.Providers.STT.Language,
		},
		Probes: []health.Probe{
			{Name: "stt", Fn: func(context.Context) error { return nil }},
			{Name: "llm", Fn: func(context.Context) error { return nil }},
		},
	})
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// newLogger builds the process-wide text logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level.Level(),
	}))
}

func buildSTT(entry config.ProviderEntry) (stt.Provider, error) {
	var opts []deepgram.Option
	if entry.Model != "" {
		opts = append(opts, deepgram.WithModel(entry.Model))
	}
	if entry.Language != "" {
		opts = append(opts, deepgram.WithLanguage(entry.Language))
	}
	return deepgram.New(entry.APIKey, opts...)
}

func buildLLM(entry config.ProviderEntry) (*openai.Provider, error) {
	var opts []openai.Option
	if entry.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(entry.BaseURL))
	}
	return openai.New(entry.APIKey, entry.Model, opts...)
}

// patientFromConfig returns the configured patient, falling back to the
// built-in test patient when the block is empty.
func patientFromConfig(c config.CallConfig) call.PatientInfo {
	if c.Patient == (call.PatientInfo{}) {
		return call.DefaultPatientInfo()
	}
	return c.Patient
}
