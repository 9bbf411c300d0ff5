package config

import "os"

// DefaultModel returns the model roles use when none is configured.
func DefaultModel(backend, provider string) string {
	if backend == BackendGenkit {
		switch provider {
		case "google":
			return "gemini-2.5-flash"
		case "openai":
			return "gpt-4o-mini"
		}
	}
	return "claude-haiku-4-5"
}

// AvailableProviders returns genkit providers whose API keys are set.
func AvailableProviders() []string {
	var providers []string
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		providers = append(providers, "anthropic")
	}
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		providers = append(providers, "google")
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		providers = append(providers, "openai")
	}
	return providers
}
