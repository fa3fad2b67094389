package config

import "time"

// Supported completion providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{ProviderOpenAI, ProviderGemini}

// LLMConfig configures the completion service used for summaries.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, gemini
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"` // OpenAI-compatible endpoints only
	Timeout  string `yaml:"timeout"`
}

// GetTimeout returns the completion timeout as a duration.
func (l LLMConfig) GetTimeout() time.Duration {
	d := parseDuration(l.Timeout, 120*time.Second)
	if d == 0 {
		return 120 * time.Second
	}
	return d
}

func isValidProvider(p string) bool {
	for _, v := range ValidProviders {
		if v == p {
			return true
		}
	}
	return false
}
