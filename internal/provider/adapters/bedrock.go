package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/model"
	"github.com/relayforge/taskmesh/internal/provider"
)

// BedrockConfig configures a Bedrock-backed Provider. ModelID is an AWS
// Bedrock model identifier (e.g. "anthropic.claude-3-5-sonnet-20241022-v2:0").
type BedrockConfig struct {
	Region    string
	ModelID   string
	MaxTokens int
}

// bedrockRequestBody is the Anthropic-on-Bedrock Messages API request
// shape InvokeModel expects for anthropic.* model IDs.
type bedrockRequestBody struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	System           string           `json:"system,omitempty"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponseBody struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// BedrockAdapter routes chat-completion-shaped Tasks through
// bedrockruntime.InvokeModel against an Anthropic-family model hosted
// on Bedrock. It embeds provider.NoBatching: InvokeModel has no native
// batch form.
type BedrockAdapter struct {
	provider.NoBatching

	id        string
	client    *bedrockruntime.Client
	modelID   string
	maxTokens int
}

// NewBedrockAdapter constructs a BedrockAdapter registered under id,
// loading AWS credentials the standard SDK way (environment, shared
// config, or the instance role) via config.LoadDefaultConfig.
func NewBedrockAdapter(ctx context.Context, id string, cfg BedrockConfig) (*BedrockAdapter, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "failed to load AWS config for bedrock adapter", err)
	}
	return &BedrockAdapter{
		id:        id,
		client:    bedrockruntime.NewFromConfig(awsCfg),
		modelID:   cfg.ModelID,
		maxTokens: maxTokens,
	}, nil
}

func (a *BedrockAdapter) Execute(ctx context.Context, task model.Task) (provider.Result, error) {
	prompt, system, err := chatPayload(task)
	if err != nil {
		return provider.Result{}, err
	}

	body := bedrockRequestBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        a.maxTokens,
		System:           system,
		Messages:         []bedrockMessage{{Role: "user", Content: prompt}},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return provider.Result{}, apperrors.Wrap(apperrors.Internal, "failed to marshal bedrock request body", err)
	}

	out, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        buf,
	})
	if err != nil {
		return provider.Result{}, apperrors.Wrap(apperrors.ProviderTransport, "bedrock invoke model failed", err)
	}

	var resp bedrockResponseBody
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return provider.Result{}, apperrors.Wrap(apperrors.ProviderReject, "failed to decode bedrock response body", err)
	}
	if len(resp.Content) == 0 {
		return provider.Result{}, apperrors.New(apperrors.ProviderReject, "bedrock returned no content blocks")
	}

	var text bytes.Buffer
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return provider.Result{Output: map[string]interface{}{
		"text":          text.String(),
		"stop_reason":   resp.StopReason,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	}}, nil
}

func (a *BedrockAdapter) Capabilities() model.Capabilities {
	return model.Capabilities{
		TaskKinds: []model.TaskKind{"chat_completion"},
		Streaming: false,
		Batching:  false,
	}
}

func (a *BedrockAdapter) EstimateCost(task model.Task) float64 {
	prompt, _, err := chatPayload(task)
	if err != nil {
		return 0
	}
	return float64(len(prompt)) / 4.0
}

// Probe issues a minimal InvokeModel call to confirm credentials and
// network path are live.
func (a *BedrockAdapter) Probe(ctx context.Context) error {
	body := bedrockRequestBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1,
		Messages:         []bedrockMessage{{Role: "user", Content: "ping"}},
	}
	buf, _ := json.Marshal(body)
	_, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        buf,
	})
	if err != nil {
		return fmt.Errorf("bedrock probe failed: %w", err)
	}
	return nil
}
