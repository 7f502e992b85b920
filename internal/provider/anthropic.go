package provider

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// AnthropicBackend calls the Anthropic Messages API.
type AnthropicBackend struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicBackend creates a backend. SDK-level retries are disabled;
// retry policy belongs to the phase driver.
func NewAnthropicBackend(apiKey, baseURL, model string, maxTokens int) *AnthropicBackend {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
		anthropicoption.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicBackend{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

// Invoke implements Invoker.
func (b *AnthropicBackend) Invoke(ctx context.Context, call Call) (Response, error) {
	start := time.Now()
	model := call.Model
	if model == "" {
		model = b.model
	}
	maxTokens := b.maxTokens
	if call.MaxTokens > 0 {
		maxTokens = int64(call.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(call.Prompt)),
		},
	}
	if call.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: call.System}}
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, Classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Response{}, &InvokeError{Kind: KindInvalidResponse, Message: "anthropic response contained no text"}
	}
	usage := domain.TokenUsage{
		PromptTokens:     msg.Usage.InputTokens,
		CompletionTokens: msg.Usage.OutputTokens,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return Response{
		Text:    text.String(),
		Model:   string(msg.Model),
		Usage:   usage,
		Latency: time.Since(start),
	}, nil
}
