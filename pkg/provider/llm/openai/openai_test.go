package openai

import (
	"testing"

	"github.com/rokasgie/ai-data-collector/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("New with empty apiKey: want error, got nil")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("New with empty model: want error, got nil")
	}
	if _, err := New("key", "gpt-4o-mini"); err != nil {
		t.Errorf("New with valid args: %v", err)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p, err := New("key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := llm.CompletionRequest{
		SystemPrompt: "you are a data collector",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hello"},
			{Role: llm.RoleAssistant, Content: "hi, can you verify the member ID?"},
			{Role: llm.RoleUser, Content: "sure"},
		},
		MaxTokens: 150,
	}

	params := p.buildParams(req)

	if got := string(params.Model); got != "gpt-4o-mini" {
		t.Errorf("Model: want gpt-4o-mini, got %s", got)
	}
	// System prompt + 3 history messages.
	if len(params.Messages) != 4 {
		t.Errorf("Messages: want 4, got %d", len(params.Messages))
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 150 {
		t.Errorf("MaxCompletionTokens: want 150, got %+v", params.MaxCompletionTokens)
	}
	if params.Temperature.Valid() {
		t.Error("Temperature: want unset when the request leaves it nil")
	}
}

func TestBuildParams_Temperature(t *testing.T) {
	t.Parallel()

	p, _ := New("key", "gpt-4o-mini")
	for _, want := range []float64{0, 0.7} {
		temp := want
		params := p.buildParams(llm.CompletionRequest{
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			Temperature: &temp,
		})
		if !params.Temperature.Valid() || params.Temperature.Value != want {
			t.Errorf("Temperature: want %v, got %+v", want, params.Temperature)
		}
	}
}
