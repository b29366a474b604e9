package models

import (
	"strings"
)

// ProviderUnknown is returned when no rule identifies the provider
const ProviderUnknown = "unknown"

// providerPatterns is evaluated in order; the first substring hit wins.
// Mistral is checked before llama because some names overlap.
var providerPatterns = []struct {
	provider string
	needles  []string
}{
	{"openai", []string{"gpt-", "o1-", "o3-", "davinci", "turbo"}},
	{"anthropic", []string{"claude", "opus", "sonnet", "haiku"}},
	{"google", []string{"gemini", "palm"}},
	{"deepseek", []string{"deepseek"}},
	{"qwen", []string{"qwen"}},
	{"xai", []string{"grok"}},
	{"mistral", []string{"mistral", "mixtral", "codestral"}},
	{"ollama", []string{"llama", "codellama"}},
	{"cohere", []string{"command", "cohere"}},
	{"zai", []string{"glm"}},
}

// DetectProvider determines the provider for a model id.
// An explicit provider on the registry entry wins; otherwise common
// naming conventions are matched. Groq-hosted models are checked first
// because their ids often embed other vendors' family names.
func DetectProvider(reg *Registry, modelID string) string {
	if modelID == "" {
		return ProviderUnknown
	}
	if m, ok := reg.Get(modelID); ok && m.Provider != "" {
		return strings.ToLower(m.Provider)
	}

	ml := strings.ToLower(modelID)
	if strings.Contains(ml, "groq") {
		return "groq"
	}
	for _, p := range providerPatterns {
		for _, n := range p.needles {
			if strings.Contains(ml, n) {
				return p.provider
			}
		}
	}
	return ProviderUnknown
}
