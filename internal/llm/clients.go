package llm

import "fmt"

// NewClient returns the adapter for a provider family.
func NewClient(provider, baseURL string) (Client, error) {
	switch provider {
	case "openai":
		return NewOpenAIClient(baseURL), nil
	case "anthropic":
		return NewAnthropicClient(baseURL), nil
	case "google":
		return NewGoogleClient(baseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
