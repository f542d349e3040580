package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

// chatBackend describes one OpenAI-compatible chat-completions endpoint the
// summarizer can be pointed at.
type chatBackend struct {
	label        string
	field        string
	defaultBase  string
	defaultModel string
	headers      map[string]string
	// keyOnly backends accept a static API key and nothing else.
	keyOnly  bool
	settings func(p config.ProvidersConfig) config.ProviderConfig
}

var backends = map[string]chatBackend{
	ProviderOpenAI: {
		label:        "OpenAI",
		field:        "providers.openai",
		defaultBase:  "https://api.openai.com/v1",
		defaultModel: "gpt-4o-mini",
		settings:     func(p config.ProvidersConfig) config.ProviderConfig { return p.OpenAI },
	},
	ProviderOpenRouter: {
		label:        "OpenRouter",
		field:        "providers.openrouter",
		defaultBase:  "https://openrouter.ai/api/v1",
		defaultModel: "openai/gpt-4o-mini",
		headers:      map[string]string{"X-Title": "tiermem"},
		keyOnly:      true,
		settings:     func(p config.ProvidersConfig) config.ProviderConfig { return p.OpenRouter },
	},
}

func (b chatBackend) credential(cfg *config.Config) (credentialCandidate, error) {
	pc := b.settings(cfg.Providers)
	if !b.keyOnly {
		return resolveCredential(b.label, b.field, pc)
	}
	if strings.TrimSpace(pc.APIKey) == "" {
		env := "TIERMEM_" + strings.ToUpper(strings.ReplaceAll(b.field, ".", "_")) + "_API_KEY"
		return credentialCandidate{}, fmt.Errorf("%s API key is required (set %s.api_key or %s)", b.label, b.field, env)
	}
	return credentialCandidate{mode: authModeAPIKey, source: pc.APIKey, field: b.field + ".api_key"}, nil
}

func (b chatBackend) build(name string, cfg *config.Config) (LLMProvider, error) {
	cred, err := b.credential(cfg)
	if err != nil {
		return nil, err
	}
	pc := b.settings(cfg.Providers)
	apiBase := strings.TrimSpace(pc.APIBase)
	if apiBase == "" {
		apiBase = b.defaultBase
	}
	return newChatCompletionsProvider(name, apiBase, b.defaultModel, pc.Proxy, authFor(cred), b.headers)
}

func SupportedProviders() []string {
	out := make([]string, 0, len(backends))
	for name := range backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenAI
	}
	return name
}

// ActiveProviderName is the provider the summarizer is configured to use.
func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderOpenAI
	}
	return NormalizeProviderName(cfg.Summarizer.Provider)
}

func ValidateProviderConfig(cfg *config.Config) error {
	b, _, err := lookupBackend(cfg)
	if err != nil {
		return err
	}
	_, err = b.credential(cfg)
	return err
}

// ProviderCredentialStatus reports whether the active provider has a usable
// credential and which auth mode it would use.
func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string, err error) {
	b, name, err := lookupBackend(cfg)
	if err != nil {
		return name, false, "", err
	}
	cred, credErr := b.credential(cfg)
	if credErr != nil {
		return name, false, "", nil
	}
	return name, true, cred.mode, nil
}

func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	b, name, err := lookupBackend(cfg)
	if err != nil {
		return nil, err
	}
	return b.build(name, cfg)
}

func lookupBackend(cfg *config.Config) (chatBackend, string, error) {
	if cfg == nil {
		return chatBackend{}, "", fmt.Errorf("config is required")
	}
	name := ActiveProviderName(cfg)
	b, ok := backends[name]
	if !ok {
		return chatBackend{}, name, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return b, name, nil
}
