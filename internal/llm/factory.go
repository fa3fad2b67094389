package llm

import (
	"context"
	"fmt"

	"teamsawake/internal/config"
)

// New builds the Completer for cfg's provider using apiKey.
func New(ctx context.Context, cfg config.LLMConfig, apiKey string) (Completer, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.GetTimeout(),
		})
	case config.ProviderGemini:
		model := cfg.Model
		// The default config names an OpenAI model.
		if model == DefaultOpenAIConfig("").Model {
			model = ""
		}
		return NewGeminiClient(ctx, GeminiConfig{
			APIKey:  apiKey,
			Model:   model,
			Timeout: cfg.GetTimeout(),
		})
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
