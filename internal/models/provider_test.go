package models

import "testing"

func TestDetectProviderPatterns(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"gpt-5-mini", "openai"},
		{"text-davinci-003", "openai"},
		{"claude-opus-4", "anthropic"},
		{"Claude-Sonnet-4", "anthropic"},
		{"gemini-2.5-pro", "google"},
		{"deepseek-chat", "deepseek"},
		{"qwen-max", "qwen"},
		{"grok-3", "xai"},
		{"llama-3.1-70b", "meta"},
		{"command-r-plus", "cohere"},
		{"", "unknown"},
		{"homegrown-7b", "unknown"},
	}
	for _, tc := range cases {
		if got := DetectProvider(tc.model); got != tc.want {
			t.Errorf("DetectProvider(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

// Mixtral carries both names; the mistral match must win over llama.
func TestDetectProviderMistralBeforeLlama(t *testing.T) {
	for _, model := range []string{"mistral-7b", "mixtral-8x7b", "codestral-22b"} {
		if got := DetectProvider(model); got != "mistral" {
			t.Errorf("DetectProvider(%q) = %q, want mistral", model, got)
		}
	}
}

// o3-mini matches no naming pattern; only the price table knows it.
func TestDetectProviderUsesPriceTable(t *testing.T) {
	if got := DetectProvider("o3-mini"); got != "openai" {
		t.Fatalf("DetectProvider(o3-mini) = %q, want openai from the price table", got)
	}
}
