package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetgreg/tiermem/pkg/config"
)

func TestCreateProvider_OpenAI_DefaultSelection(t *testing.T) {
	var seenAuth, seenPath string
	var seen map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Summarizer.Provider = ""
	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Providers.OpenAI.APIBase = server.URL

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", map[string]interface{}{
		"max_tokens":  256,
		"temperature": 0.2,
		"json":        true,
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "ok" || resp.Usage == nil || resp.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if seenAuth != "Bearer sk-test" {
		t.Fatalf("expected bearer auth, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
	if seen["model"] != backends[ProviderOpenAI].defaultModel {
		t.Fatalf("expected default model, got %v", seen["model"])
	}
	if seen["max_tokens"] != float64(256) || seen["temperature"] != 0.2 {
		t.Fatalf("options not forwarded: %v", seen)
	}
	format, _ := seen["response_format"].(map[string]interface{})
	if format["type"] != "json_object" {
		t.Fatalf("expected json response format, got %v", seen["response_format"])
	}
}

func TestCreateProvider_OpenRouter(t *testing.T) {
	var seenTitle, seenModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTitle = r.Header.Get("X-Title")
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		seenModel, _ = req["model"].(string)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Summarizer.Provider = "OpenRouter"
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "meta/llama", nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "ab" {
		t.Fatalf("expected flattened content, got %q", resp.Content)
	}
	if seenTitle != "tiermem" || seenModel != "meta/llama" {
		t.Fatalf("unexpected request: title=%q model=%q", seenTitle, seenModel)
	}
}

func TestChat_APIErrorCarriesStatusAndHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"This model's maximum context length is 8192 tokens"}}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Providers.OpenAI.APIBase = server.URL
	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}

	_, err = provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || !strings.Contains(apiErr.Message, "recent_threshold") {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestCreateProvider_TokenFile(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	if err := os.WriteFile(tokenFile, []byte("file-token\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	var seenAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenAI.OAuthTokenFile = tokenFile
	cfg.Providers.OpenAI.APIBase = server.URL

	provider, configured, mode, err := ProviderCredentialStatus(cfg)
	if err != nil || provider != ProviderOpenAI || !configured || mode != authModeTokenFile {
		t.Fatalf("unexpected credential status: %s %v %s %v", provider, configured, mode, err)
	}
	p, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := p.Chat(context.Background(), nil, "", nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "" || seenAuth != "Bearer file-token" {
		t.Fatalf("unexpected result: content=%q auth=%q", resp.Content, seenAuth)
	}
}

func TestValidateProviderConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := ValidateProviderConfig(cfg); err == nil {
		t.Fatalf("expected missing credentials to fail")
	}

	cfg.Providers.OpenAI.APIKey = "sk"
	cfg.Providers.OpenAI.OAuthTokenFile = "/tmp/token"
	err := ValidateProviderConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "set exactly one") {
		t.Fatalf("expected conflicting credentials error, got %v", err)
	}

	cfg.Summarizer.Provider = "nope"
	if _, err := CreateProvider(cfg); err == nil || !strings.Contains(err.Error(), "unsupported provider") {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
	if got := SupportedProviders(); len(got) != 2 || got[0] != ProviderOpenAI || got[1] != ProviderOpenRouter {
		t.Fatalf("unexpected providers: %v", got)
	}
}

func TestProviderCredentialStatus_OpenRouterKeyOnly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Summarizer.Provider = ProviderOpenRouter

	provider, configured, _, err := ProviderCredentialStatus(cfg)
	if err != nil || provider != ProviderOpenRouter || configured {
		t.Fatalf("expected unconfigured openrouter, got %s %v %v", provider, configured, err)
	}
	err = ValidateProviderConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "TIERMEM_PROVIDERS_OPENROUTER_API_KEY") {
		t.Fatalf("expected env hint in error, got %v", err)
	}

	cfg.Providers.OpenRouter.APIKey = "or-key"
	if _, configured, mode, _ := ProviderCredentialStatus(cfg); !configured || mode != authModeAPIKey {
		t.Fatalf("expected api key mode, got %v %q", configured, mode)
	}
}
