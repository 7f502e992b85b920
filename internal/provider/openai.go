package provider

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// OpenAIBackend calls any OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAIBackend creates a backend. SDK-level retries are disabled;
// retry policy belongs to the phase driver.
func NewOpenAIBackend(apiKey, baseURL, model string, maxTokens int) *OpenAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIBackend{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

// Invoke implements Invoker.
func (b *OpenAIBackend) Invoke(ctx context.Context, call Call) (Response, error) {
	start := time.Now()
	model := call.Model
	if model == "" {
		model = b.model
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	if call.System != "" {
		msgs = append(msgs, openai.SystemMessage(call.System))
	}
	msgs = append(msgs, openai.UserMessage(call.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	maxTokens := b.maxTokens
	if call.MaxTokens > 0 {
		maxTokens = int64(call.MaxTokens)
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(maxTokens)
	}

	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, Classify(err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return Response{}, &InvokeError{Kind: KindInvalidResponse, Message: "completion contained no text"}
	}

	return Response{
		Text:  completion.Choices[0].Message.Content,
		Model: completion.Model,
		Usage: domain.TokenUsage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}
