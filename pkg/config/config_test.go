package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// TestDefaultConfig_Thresholds verifies consolidation thresholds are set
func TestDefaultConfig_Thresholds(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Memory.RecentThreshold != 30 {
		t.Errorf("RecentThreshold = %d, want 30", cfg.Memory.RecentThreshold)
	}
	if cfg.Memory.MidThreshold <= cfg.Memory.RecentThreshold {
		t.Errorf("MidThreshold should exceed RecentThreshold, got %d", cfg.Memory.MidThreshold)
	}
}

// TestDefaultConfig_RetrievalCaps verifies selection caps
func TestDefaultConfig_RetrievalCaps(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Retrieval.MaxRecent != 3 || cfg.Retrieval.MaxLong != 1 || cfg.Retrieval.MaxTotal != 8 {
		t.Errorf("unexpected caps: %+v", cfg.Retrieval)
	}
	if cfg.Retrieval.SemanticThreshold != 0.3 {
		t.Errorf("SemanticThreshold = %v, want 0.3", cfg.Retrieval.SemanticThreshold)
	}
}

// TestDefaultConfig_EmbeddingMode verifies local mode is the default
func TestDefaultConfig_EmbeddingMode(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RemoteMode() {
		t.Error("default embedding mode should be local")
	}
	cfg.SetEmbeddingMode(" Remote ")
	if !cfg.RemoteMode() {
		t.Error("expected remote mode after SetEmbeddingMode")
	}
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tasks.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", cfg.Tasks.Attempts)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"memory":{"recent_threshold":12},"embedding":{"mode":"local"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TIERMEM_EMBEDDING_MODE", "remote")
	t.Setenv("TIERMEM_PROVIDERS_OPENAI_API_KEY", "sk-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Memory.RecentThreshold != 12 {
		t.Errorf("RecentThreshold = %d, want 12 from file", cfg.Memory.RecentThreshold)
	}
	if !cfg.RemoteMode() {
		t.Error("expected env to switch embedding mode to remote")
	}
	if cfg.Providers.OpenAI.APIKey != "sk-env" {
		t.Errorf("OpenAI APIKey = %q, want sk-env", cfg.Providers.OpenAI.APIKey)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Memory.LongCap = 42

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("config perms = %v, want 0600", info.Mode().Perm())
		}
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Memory.LongCap != 42 {
		t.Errorf("LongCap = %d, want 42", loaded.Memory.LongCap)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x"); got != home+"/x" {
		t.Errorf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("/abs"); got != "/abs" {
		t.Errorf("ExpandHome(/abs) = %q", got)
	}
}
