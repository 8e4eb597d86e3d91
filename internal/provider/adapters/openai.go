package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/model"
	"github.com/relayforge/taskmesh/internal/provider"
)

// openAIMaxBatchSize is the MaxBatchSize capability this adapter
// declares; the Pool's batch dispatch puts at most that many tasks into
// one ExecuteBatch call. ExecuteBatch itself applies no cap.
const openAIMaxBatchSize = 10

// OpenAIConfig configures an OpenAI-backed Provider, adapted from the
// pack's own LLM config shape (88lin-divinesense's ai/core/llm.Config).
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float32
}

// OpenAIAdapter routes chat-completion-shaped Tasks through the Chat
// Completions API, grounded on 88lin-divinesense's ai/core/llm/service.go
// Chat method: same ChatCompletionRequest construction, same
// empty-choices-is-an-error check.
type OpenAIAdapter struct {
	id          string
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIAdapter constructs an OpenAIAdapter registered under id.
func NewOpenAIAdapter(id string, cfg OpenAIConfig) *OpenAIAdapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &OpenAIAdapter{
		id:          id,
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

func (a *OpenAIAdapter) buildRequest(task model.Task) (openai.ChatCompletionRequest, error) {
	prompt, system, err := chatPayload(task)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
	return openai.ChatCompletionRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		Messages:    messages,
	}, nil
}

func (a *OpenAIAdapter) Execute(ctx context.Context, task model.Task) (provider.Result, error) {
	req, err := a.buildRequest(task)
	if err != nil {
		return provider.Result{}, err
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return provider.Result{}, apperrors.Wrap(apperrors.ProviderTransport, "openai chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return provider.Result{}, apperrors.New(apperrors.ProviderReject, "openai returned no choices")
	}

	return provider.Result{Output: map[string]interface{}{
		"text":              resp.Choices[0].Message.Content,
		"finish_reason":     string(resp.Choices[0].FinishReason),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}}, nil
}

// ExecuteBatch fans the batch out across concurrent Chat Completions
// calls, one goroutine per task, and collects each task's outcome into
// its own Result slot without letting one sub-request's failure affect
// any other's: the Chat Completions API this adapter wraps has no
// native multi-prompt batch endpoint, so this fan-out is the closest
// equivalent to a single round-trip this API affords. It starts
// len(tasks) goroutines; the caller decides how many tasks to pass.
func (a *OpenAIAdapter) ExecuteBatch(ctx context.Context, tasks []model.Task) ([]provider.Result, error) {
	results := make([]provider.Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task model.Task) {
			defer wg.Done()
			res, err := a.Execute(ctx, task)
			if err != nil {
				results[i] = provider.Result{Err: err}
				return
			}
			results[i] = res
		}(i, task)
	}
	wg.Wait()
	return results, nil
}

func (a *OpenAIAdapter) Capabilities() model.Capabilities {
	return model.Capabilities{
		TaskKinds:    []model.TaskKind{"chat_completion"},
		Streaming:    false,
		Batching:     true,
		MaxBatchSize: openAIMaxBatchSize,
	}
}

func (a *OpenAIAdapter) EstimateCost(task model.Task) float64 {
	prompt, _, err := chatPayload(task)
	if err != nil {
		return 0
	}
	return float64(len(prompt)) / 4.0
}

func (a *OpenAIAdapter) Probe(ctx context.Context) error {
	_, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     a.model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return fmt.Errorf("openai probe failed: %w", err)
	}
	return nil
}
