// Package config provides the configuration schema and loader for the
// data-collector server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rokasgie/ai-data-collector/internal/call"
)

// Duration is a time.Duration that decodes from YAML strings like "700ms"
// or "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the standard duration formatting.
func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity for the collector server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the corresponding slog level. An empty or unknown value
// maps to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for the collector.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Turn      TurnConfig      `yaml:"turn"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Call      CallConfig      `yaml:"call"`
}

// ServerConfig holds network and logging settings for the collector server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares the remote providers for each pipeline stage.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by both provider
// types.
type ProviderEntry struct {
	// APIKey is the authentication key for the provider's API. When empty it
	// falls back to the provider's environment variable (DEEPGRAM_API_KEY for
	// stt, OPENAI_API_KEY for llm).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2",
	// "gpt-4o-mini").
	Model string `yaml:"model"`

	// Language is the transcription language hint. Only meaningful for stt.
	Language string `yaml:"language"`
}

// TurnConfig holds the turn-engine timing windows. Zero values fall back to
// the engine defaults.
type TurnConfig struct {
	// Tick is the finalizer evaluation interval.
	Tick Duration `yaml:"tick"`

	// GraceWindow is the quiet period after a final transcript before the
	// segment closes.
	GraceWindow Duration `yaml:"grace_window"`

	// SilenceWindow is the quiet period that closes a segment that never
	// received a final transcript.
	SilenceWindow Duration `yaml:"silence_window"`

	// Retention is how long closed segments are retained for late-correction
	// detection.
	Retention Duration `yaml:"retention"`

	// RetainMax caps the number of retained closed segments.
	RetainMax int `yaml:"retain_max"`

	// StaleWindow is the maximum acceptable lag between the latest audio
	// frame and a final transcript before the final is counted as stale.
	StaleWindow Duration `yaml:"stale_window"`
}

// DispatchConfig holds the agent-dispatcher tunables. Zero values fall back
// to the dispatcher defaults.
type DispatchConfig struct {
	// QueueCap is the soft cap on queued user turns.
	QueueCap int `yaml:"queue_cap"`

	// HistoryWindow is the maximum number of history messages sent with each
	// LLM request.
	HistoryWindow int `yaml:"history_window"`

	// MaxReplyTokens caps the length of a single streamed reply.
	MaxReplyTokens int `yaml:"max_reply_tokens"`

	// SentenceWordCap flushes a sentence chunk after this many words even
	// without terminating punctuation.
	SentenceWordCap int `yaml:"sentence_word_cap"`
}

// CallConfig holds the call-level settings: the patient whose benefits are
// being verified.
type CallConfig struct {
	// Patient identifies the patient to the insurance representative. When
	// every field is empty the built-in test patient is used.
	Patient call.PatientInfo `yaml:"patient"`
}
