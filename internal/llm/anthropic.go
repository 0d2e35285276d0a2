package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

// AnthropicProvider uses the Anthropic Messages API.
type AnthropicProvider struct {
	name      string
	model     string
	maxTokens int
	client    *anthropic.Client
	transport *CapturingTransport
}

// NewAnthropicProvider creates an Anthropic provider. Supports custom BaseURL
// for Anthropic-compatible APIs.
func NewAnthropicProvider(name, baseURL, apiKey, model string, maxTokens int) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic provider: model not configured")
	}

	transport := &CapturingTransport{Base: http.DefaultTransport}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Transport: transport}),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)

	if maxTokens == 0 {
		maxTokens = 512
	}

	L_debug("llm: anthropic provider ready", "name", name, "model", model)
	return &AnthropicProvider{
		name:      name,
		model:     model,
		maxTokens: maxTokens,
		client:    &client,
		transport: transport,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return p.name
}

func (p *AnthropicProvider) Complete(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		p.transport.logFailure(p.name, err)
		if ctx.Err() != nil {
			return "", classify(p.name, ctx.Err())
		}
		return "", classify(p.name, err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", fmt.Errorf("%s: %w: no text content (stop reason %s)", p.name, ErrMalformed, message.StopReason)
	}

	L_trace("llm: anthropic completion", "model", p.model,
		"inputTokens", message.Usage.InputTokens, "outputTokens", message.Usage.OutputTokens)
	return out, nil
}
