package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the corresponding api_key is empty.
const (
	EnvDeepgramAPIKey = "DEEPGRAM_API_KEY"
	EnvOpenAIAPIKey   = "OPENAI_API_KEY"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies environment fallbacks
// for API keys, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills empty API keys from the environment.
func applyEnv(cfg *Config) {
	if cfg.Providers.STT.APIKey == "" {
		cfg.Providers.STT.APIKey = os.Getenv(EnvDeepgramAPIKey)
	}
	if cfg.Providers.LLM.APIKey == "" {
		cfg.Providers.LLM.APIKey = os.Getenv(EnvOpenAIAPIKey)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Providers.STT.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.stt.api_key is required (or set %s)", EnvDeepgramAPIKey))
	}
	if cfg.Providers.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.llm.api_key is required (or set %s)", EnvOpenAIAPIKey))
	}

	for _, w := range []struct {
		name string
		val  int64
	}{
		{"turn.tick", int64(cfg.Turn.Tick)},
		{"turn.grace_window", int64(cfg.Turn.GraceWindow)},
		{"turn.silence_window", int64(cfg.Turn.SilenceWindow)},
		{"turn.retention", int64(cfg.Turn.Retention)},
		{"turn.stale_window", int64(cfg.Turn.StaleWindow)},
	} {
		if w.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", w.name))
		}
	}
	if cfg.Turn.RetainMax < 0 {
		errs = append(errs, fmt.Errorf("turn.retain_max must not be negative"))
	}
	if cfg.Turn.GraceWindow > 0 && cfg.Turn.SilenceWindow > 0 &&
		cfg.Turn.GraceWindow > cfg.Turn.SilenceWindow {
		errs = append(errs, fmt.Errorf("turn.grace_window %s exceeds turn.silence_window %s", cfg.Turn.GraceWindow, cfg.Turn.SilenceWindow))
	}

	if cfg.Dispatch.QueueCap < 0 {
		errs = append(errs, fmt.Errorf("dispatch.queue_cap must not be negative"))
	}
	if cfg.Dispatch.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("dispatch.history_window must not be negative"))
	}
	if cfg.Dispatch.MaxReplyTokens < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_reply_tokens must not be negative"))
	}
	if cfg.Dispatch.SentenceWordCap < 0 {
		errs = append(errs, fmt.Errorf("dispatch.sentence_word_cap must not be negative"))
	}

	return errors.Join(errs...)
}
