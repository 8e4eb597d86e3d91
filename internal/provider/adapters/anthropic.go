// Package adapters holds illustrative Provider implementations over
// real vendor SDKs: enough to prove the provider.Provider contract is
// satisfiable by an actual backend, not a production-grade client for
// any one vendor. None of these expose model-specific features
// (function calling, vision) per spec.md's non-goals — each just turns
// a Task's payload into one request and a response into a Result.
package adapters

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/model"
	"github.com/relayforge/taskmesh/internal/provider"
)

// AnthropicConfig configures an Anthropic-backed Provider: API key,
// model name and max output tokens. APIKey and Model follow the pack's
// own LLM service config (88lin-divinesense's ai/core/llm.Config).
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// AnthropicAdapter routes chat-completion-shaped Tasks to the Anthropic
// Messages API. It embeds provider.NoBatching: the Messages API has no
// native batch endpoint worth exposing here.
type AnthropicAdapter struct {
	provider.NoBatching

	id     string
	client anthropic.Client
	model  anthropic.Model
	maxTok int64
}

// NewAnthropicAdapter constructs an AnthropicAdapter registered under
// id (the Provider ID routing decisions will reference).
func NewAnthropicAdapter(id string, cfg AnthropicConfig) *AnthropicAdapter {
	maxTok := cfg.MaxTokens
	if maxTok <= 0 {
		maxTok = 1024
	}
	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaude3_5SonnetLatest
	}
	return &AnthropicAdapter{
		id:     id,
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  model,
		maxTok: maxTok,
	}
}

// chatPayload is the minimal shape a Task.Payload must have for this
// adapter: a "prompt" string and an optional "system" string.
func chatPayload(task model.Task) (prompt, system string, err error) {
	p, ok := task.Payload["prompt"].(string)
	if !ok || p == "" {
		return "", "", apperrors.New(apperrors.ProviderReject, "task payload missing string \"prompt\" field")
	}
	if s, ok := task.Payload["system"].(string); ok {
		system = s
	}
	return p, system, nil
}

func (a *AnthropicAdapter) Execute(ctx context.Context, task model.Task) (provider.Result, error) {
	prompt, system, err := chatPayload(task)
	if err != nil {
		return provider.Result{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTok,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return provider.Result{}, apperrors.Wrap(apperrors.ProviderTransport, "anthropic messages.new failed", err)
	}
	if len(msg.Content) == 0 {
		return provider.Result{}, apperrors.New(apperrors.ProviderReject, "anthropic returned no content blocks")
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return provider.Result{Output: map[string]interface{}{
		"text":          text,
		"stop_reason":   string(msg.StopReason),
		"input_tokens":  msg.Usage.InputTokens,
		"output_tokens": msg.Usage.OutputTokens,
	}}, nil
}

func (a *AnthropicAdapter) Capabilities() model.Capabilities {
	return model.Capabilities{
		TaskKinds: []model.TaskKind{"chat_completion"},
		Streaming: false,
		Batching:  false,
	}
}

func (a *AnthropicAdapter) EstimateCost(task model.Task) float64 {
	prompt, _, err := chatPayload(task)
	if err != nil {
		return 0
	}
	return float64(len(prompt)) / 4.0
}

// Probe issues a minimal, cheap request to confirm the API key and
// network path are live, matching the teacher's health-check-as-
// lightweight-real-call convention elsewhere in the registry.
func (a *AnthropicAdapter) Probe(ctx context.Context) error {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("anthropic probe failed: %w", err)
	}
	return nil
}
