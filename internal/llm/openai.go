package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

// OpenAIProvider talks to any OpenAI-compatible chat completion API.
type OpenAIProvider struct {
	name      string
	model     string
	maxTokens int
	client    *openai.Client
	transport *CapturingTransport
}

// NewOpenAIProvider creates an OpenAI-compatible provider. API key is optional
// for local servers (LM Studio, LocalAI, etc.).
func NewOpenAIProvider(name, baseURL, apiKey, model string, maxTokens int) (*OpenAIProvider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai provider: model not configured")
	}
	if apiKey == "" {
		apiKey = "not-needed" // Placeholder for local servers that don't require auth
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		// Ensure the URL ends with /v1 for OpenAI-compatible APIs
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		config.BaseURL = baseURL
	}
	transport := &CapturingTransport{Base: http.DefaultTransport}
	config.HTTPClient = &http.Client{Transport: transport}

	if maxTokens == 0 {
		maxTokens = 512
	}

	L_debug("llm: openai provider ready", "name", name, "model", model, "baseURL", config.BaseURL)
	return &OpenAIProvider{
		name:      name,
		model:     model,
		maxTokens: maxTokens,
		client:    openai.NewClientWithConfig(config),
		transport: transport,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		p.transport.logFailure(p.name, err)
		if ctx.Err() != nil {
			return "", classify(p.name, ctx.Err())
		}
		return "", classify(p.name, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%s: %w: empty choices", p.name, ErrMalformed)
	}

	L_trace("llm: openai completion", "model", p.model,
		"inputTokens", resp.Usage.PromptTokens, "outputTokens", resp.Usage.CompletionTokens)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
