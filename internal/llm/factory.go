package llm

import (
	"fmt"

	"github.com/roelfdiedericks/relaygate/internal/config"
)

// NewProvider creates a provider from config, dispatching on cfg.Driver.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Driver {
	case "", "http":
		return NewHTTPProvider("http", cfg.BaseURL)
	case "openai":
		return NewOpenAIProvider("openai", cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.MaxTokens)
	case "anthropic":
		return NewAnthropicProvider("anthropic", cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown provider driver: %s", cfg.Driver)
	}
}
