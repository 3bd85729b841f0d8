package models

import (
	"strings"

	"github.com/agentbeats/fabench/internal/pricing"
)

// DetectProvider names the provider behind a model identifier. The
// price table is authoritative when it lists the model; otherwise the
// name is matched against common naming conventions. Unknown models
// report "unknown" rather than guessing, so cost breakdowns stay
// honest about what was actually priced.
func DetectProvider(model string) string {
	if model == "" {
		return "unknown"
	}
	if provider, ok := pricing.ProviderFor(model); ok {
		return provider
	}

	ml := strings.ToLower(model)
	switch {
	case strings.Contains(ml, "gpt-"), strings.Contains(ml, "davinci"), strings.Contains(ml, "turbo"):
		return "openai"
	case strings.Contains(ml, "claude"), strings.Contains(ml, "opus"),
		strings.Contains(ml, "sonnet"), strings.Contains(ml, "haiku"):
		return "anthropic"
	case strings.Contains(ml, "gemini"), strings.Contains(ml, "palm"):
		return "google"
	case strings.Contains(ml, "deepseek"):
		return "deepseek"
	case strings.Contains(ml, "qwen"):
		return "qwen"
	case strings.Contains(ml, "grok"):
		return "xai"
	// Mistral before llama: some fine-tune names carry both.
	case strings.Contains(ml, "mistral"), strings.Contains(ml, "mixtral"), strings.Contains(ml, "codestral"):
		return "mistral"
	case strings.Contains(ml, "llama"):
		return "meta"
	case strings.Contains(ml, "command"), strings.Contains(ml, "cohere"):
		return "cohere"
	default:
		return "unknown"
	}
}
