package providers

import "strings"

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "maximum context length") || strings.Contains(lower, "context_length_exceeded"):
		return msg + " Hint: lower memory.recent_threshold or memory.mid_threshold so each consolidation sends fewer records."
	case strings.Contains(lower, "response_format") && strings.Contains(lower, "not supported"):
		return msg + " Hint: pick a summarizer.model that supports JSON output."
	}

	switch NormalizeProviderName(providerName) {
	case ProviderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: provider openai expects a Platform API key in providers.openai.api_key."
		}
	case ProviderOpenRouter:
		if strings.Contains(lower, "no endpoints found") {
			return msg + " Hint: the model id must use OpenRouter's vendor/model form."
		}
	}
	return msg
}
