package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/rokasgie/ai-data-collector/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
providers:
  stt:
    api_key: dg-test
    model: nova-2
  llm:
    api_key: sk-test
    model: gpt-4o-mini
turn:
  tick: 200ms
  grace_window: 700ms
  silence_window: 1500ms
  retention: 30s
  retain_max: 5
  stale_window: 500ms
dispatch:
  queue_cap: 8
  history_window: 30
  max_reply_tokens: 150
call:
  patient:
    name: "Jane Roe"
    member_id: "X 1 2 3"
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Turn.GraceWindow.Std() != 700*time.Millisecond {
		t.Errorf("GraceWindow = %s, want 700ms", cfg.Turn.GraceWindow)
	}
	if cfg.Turn.Retention.Std() != 30*time.Second {
		t.Errorf("Retention = %s, want 30s", cfg.Turn.Retention)
	}
	if cfg.Dispatch.QueueCap != 8 {
		t.Errorf("QueueCap = %d, want 8", cfg.Dispatch.QueueCap)
	}
	if cfg.Call.Patient.Name != "Jane Roe" {
		t.Errorf("Patient.Name = %q, want Jane Roe", cfg.Call.Patient.Name)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := `
server:
  listen_addr: ":8080"
  listen_port: 8080
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
providers:
  stt:
    api_key: dg-test
  llm:
    api_key: sk-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_MissingAPIKeys(t *testing.T) {
	t.Setenv(config.EnvDeepgramAPIKey, "")
	t.Setenv(config.EnvOpenAIAPIKey, "")

	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: info\n"))
	if err == nil {
		t.Fatal("expected error for missing API keys, got nil")
	}
	if !strings.Contains(err.Error(), "providers.stt.api_key") {
		t.Errorf("error should mention providers.stt.api_key, got: %v", err)
	}
	if !strings.Contains(err.Error(), "providers.llm.api_key") {
		t.Errorf("error should mention providers.llm.api_key, got: %v", err)
	}
}

func TestLoadFromReader_EnvFallback(t *testing.T) {
	t.Setenv(config.EnvDeepgramAPIKey, "dg-env")
	t.Setenv(config.EnvOpenAIAPIKey, "sk-env")

	cfg, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: info\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.STT.APIKey != "dg-env" {
		t.Errorf("STT.APIKey = %q, want dg-env", cfg.Providers.STT.APIKey)
	}
	if cfg.Providers.LLM.APIKey != "sk-env" {
		t.Errorf("LLM.APIKey = %q, want sk-env", cfg.Providers.LLM.APIKey)
	}
}

func TestLoadFromReader_ConfigKeyWinsOverEnv(t *testing.T) {
	t.Setenv(config.EnvOpenAIAPIKey, "sk-env")

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "sk-test" {
		t.Errorf("LLM.APIKey = %q, want sk-test", cfg.Providers.LLM.APIKey)
	}
}

func TestValidate_GraceExceedsSilence(t *testing.T) {
	yaml := `
providers:
  stt:
    api_key: dg-test
  llm:
    api_key: sk-test
turn:
  grace_window: 2s
  silence_window: 1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for grace_window > silence_window, got nil")
	}
	if !strings.Contains(err.Error(), "grace_window") {
		t.Errorf("error should mention grace_window, got: %v", err)
	}
}

func TestValidate_NegativeWindow(t *testing.T) {
	yaml := `
providers:
  stt:
    api_key: dg-test
  llm:
    api_key: sk-test
turn:
  retention: -5s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative retention, got nil")
	}
	if !strings.Contains(err.Error(), "turn.retention") {
		t.Errorf("error should mention turn.retention, got: %v", err)
	}
}
