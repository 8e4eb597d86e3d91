package adapters

import (
	"testing"

	"github.com/relayforge/taskmesh/internal/model"
)

func TestChatPayload_MissingPromptIsRejected(t *testing.T) {
	_, _, err := chatPayload(model.Task{Payload: map[string]interface{}{}})
	if err == nil {
		t.Fatal("expected an error for a task with no prompt field")
	}
}

func TestChatPayload_ExtractsPromptAndSystem(t *testing.T) {
	task := model.Task{Payload: map[string]interface{}{
		"prompt": "hello",
		"system": "be terse",
	}}
	prompt, system, err := chatPayload(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prompt != "hello" || system != "be terse" {
		t.Fatalf("got prompt=%q system=%q", prompt, system)
	}
}

func TestOpenAIAdapter_CapabilitiesAdvertiseChatCompletion(t *testing.T) {
	a := NewOpenAIAdapter("openai-1", OpenAIConfig{APIKey: "test", Model: "gpt-4o-mini"})
	caps := a.Capabilities()
	if !caps.Supports("chat_completion") {
		t.Fatal("expected openai adapter to support chat_completion")
	}
}

func TestAnthropicAdapter_EstimateCostScalesWithPromptLength(t *testing.T) {
	a := NewAnthropicAdapter("anthropic-1", AnthropicConfig{APIKey: "test", Model: "claude-3-5-sonnet-latest"})
	short := model.Task{Payload: map[string]interface{}{"prompt": "hi"}}
	long := model.Task{Payload: map[string]interface{}{"prompt": "a much longer prompt than the other one"}}
	if a.EstimateCost(long) <= a.EstimateCost(short) {
		t.Fatal("expected a longer prompt to estimate a higher cost")
	}
}
