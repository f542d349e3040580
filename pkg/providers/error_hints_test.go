package providers

import (
	"strings"
	"testing"
)

func TestAugmentProviderError_ContextLengthHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenRouter, "This model's maximum context length is 4096 tokens")
	if !strings.Contains(msg, "recent_threshold") {
		t.Fatalf("expected threshold hint, got %q", msg)
	}
}

func TestAugmentProviderError_OpenAIIncorrectAPIKeyHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenAI, "Incorrect API key provided")
	if !strings.Contains(msg, "providers.openai.api_key") {
		t.Fatalf("expected api key hint, got %q", msg)
	}
}

func TestAugmentProviderError_PassThrough(t *testing.T) {
	if got := augmentProviderError(ProviderOpenAI, " rate limited "); got != "rate limited" {
		t.Fatalf("expected trimmed message, got %q", got)
	}
}
