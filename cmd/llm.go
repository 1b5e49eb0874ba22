package cmd

import (
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/triage/internal/llm"
)

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := anthropicAPIKey()
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

// anthropicAPIKey prefers the config value over ANTHROPIC_API_KEY.
func anthropicAPIKey() string {
	if k := viper.GetString("anthropic.api_key"); k != "" {
		return k
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}
