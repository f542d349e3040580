package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Memory      MemoryConfig      `json:"memory"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	Knowledge   KnowledgeConfig   `json:"knowledge"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Tasks       TasksConfig       `json:"tasks"`
	Persistence PersistenceConfig `json:"persistence"`
	Providers   ProvidersConfig   `json:"providers"`
	Summarizer  SummarizerConfig  `json:"summarizer"`
	Metrics     MetricsConfig     `json:"metrics"`
	Log         LogConfig         `json:"log"`
	mu          sync.RWMutex
}

// MemoryConfig holds tier thresholds and long-tier pruning parameters.
type MemoryConfig struct {
	RecentThreshold          int     `json:"recent_threshold" env:"TIERMEM_MEMORY_RECENT_THRESHOLD"`
	MidThreshold             int     `json:"mid_threshold" env:"TIERMEM_MEMORY_MID_THRESHOLD"`
	TrimBuffer               int     `json:"trim_buffer" env:"TIERMEM_MEMORY_TRIM_BUFFER"`
	LongCap                  int     `json:"long_cap" env:"TIERMEM_MEMORY_LONG_CAP"`
	TicksPerDay              int64   `json:"ticks_per_day" env:"TIERMEM_MEMORY_TICKS_PER_DAY"`
	PruneGraceDays           float64 `json:"prune_grace_days" env:"TIERMEM_MEMORY_PRUNE_GRACE_DAYS"`
	PruneHalfLifeDays        float64 `json:"prune_half_life_days" env:"TIERMEM_MEMORY_PRUNE_HALF_LIFE_DAYS"`
	PruneImportanceWeight    float64 `json:"prune_importance_weight" env:"TIERMEM_MEMORY_PRUNE_IMPORTANCE_WEIGHT"`
	PruneAccessWeight        float64 `json:"prune_access_weight" env:"TIERMEM_MEMORY_PRUNE_ACCESS_WEIGHT"`
	PruneImportanceFloor     float64 `json:"prune_importance_floor" env:"TIERMEM_MEMORY_PRUNE_IMPORTANCE_FLOOR"`
	PruneHighImportanceFloor float64 `json:"prune_high_importance_floor" env:"TIERMEM_MEMORY_PRUNE_HIGH_IMPORTANCE_FLOOR"`
}

// RetrievalConfig holds personal-memory scoring weights and selection caps.
type RetrievalConfig struct {
	SemanticThreshold   float64 `json:"semantic_threshold" env:"TIERMEM_RETRIEVAL_SEMANTIC_THRESHOLD"`
	SemanticWeight      float64 `json:"semantic_weight" env:"TIERMEM_RETRIEVAL_SEMANTIC_WEIGHT"`
	ImportanceWeight    float64 `json:"importance_weight" env:"TIERMEM_RETRIEVAL_IMPORTANCE_WEIGHT"`
	AccessPenalty       float64 `json:"access_penalty" env:"TIERMEM_RETRIEVAL_ACCESS_PENALTY"`
	NameWeight          float64 `json:"name_weight" env:"TIERMEM_RETRIEVAL_NAME_WEIGHT"`
	GraceDays           float64 `json:"grace_days" env:"TIERMEM_RETRIEVAL_GRACE_DAYS"`
	HalfLifeDays        float64 `json:"half_life_days" env:"TIERMEM_RETRIEVAL_HALF_LIFE_DAYS"`
	ImportanceFloor     float64 `json:"importance_floor" env:"TIERMEM_RETRIEVAL_IMPORTANCE_FLOOR"`
	HighImportanceFloor float64 `json:"high_importance_floor" env:"TIERMEM_RETRIEVAL_HIGH_IMPORTANCE_FLOOR"`
	MaxRecent           int     `json:"max_recent" env:"TIERMEM_RETRIEVAL_MAX_RECENT"`
	MaxLong             int     `json:"max_long" env:"TIERMEM_RETRIEVAL_MAX_LONG"`
	MaxTotal            int     `json:"max_total" env:"TIERMEM_RETRIEVAL_MAX_TOTAL"`
	RelativeThreshold   float64 `json:"relative_threshold" env:"TIERMEM_RETRIEVAL_RELATIVE_THRESHOLD"`
}

type KnowledgeConfig struct {
	StandardLength   float64 `json:"standard_length" env:"TIERMEM_KNOWLEDGE_STANDARD_LENGTH"`
	KeywordWeight    float64 `json:"keyword_weight" env:"TIERMEM_KNOWLEDGE_KEYWORD_WEIGHT"`
	ImportanceWeight float64 `json:"importance_weight" env:"TIERMEM_KNOWLEDGE_IMPORTANCE_WEIGHT"`
	TopK             int     `json:"top_k" env:"TIERMEM_KNOWLEDGE_TOP_K"`
}

type EmbeddingConfig struct {
	Mode              string       `json:"mode" env:"TIERMEM_EMBEDDING_MODE"` // local | remote
	ModelPath         string       `json:"model_path" env:"TIERMEM_EMBEDDING_MODEL_PATH"`
	VocabPath         string       `json:"vocab_path" env:"TIERMEM_EMBEDDING_VOCAB_PATH"`
	SharedLibraryPath string       `json:"shared_library_path" env:"TIERMEM_EMBEDDING_SHARED_LIBRARY_PATH"`
	MaxSequenceLength int          `json:"max_sequence_length" env:"TIERMEM_EMBEDDING_MAX_SEQUENCE_LENGTH"`
	LocalDimensions   int          `json:"local_dimensions" env:"TIERMEM_EMBEDDING_LOCAL_DIMENSIONS"`
	Remote            RemoteConfig `json:"remote"`
}

type RemoteConfig struct {
	APIBase           string  `json:"api_base" env:"TIERMEM_EMBEDDING_REMOTE_API_BASE"`
	APIKey            string  `json:"api_key" env:"TIERMEM_EMBEDDING_REMOTE_API_KEY"`
	Model             string  `json:"model" env:"TIERMEM_EMBEDDING_REMOTE_MODEL"`
	Dimensions        int     `json:"dimensions" env:"TIERMEM_EMBEDDING_REMOTE_DIMENSIONS"`
	BatchWindowMS     int     `json:"batch_window_ms" env:"TIERMEM_EMBEDDING_REMOTE_BATCH_WINDOW_MS"`
	MaxBatch          int     `json:"max_batch" env:"TIERMEM_EMBEDDING_REMOTE_MAX_BATCH"`
	RetryAttempts     int     `json:"retry_attempts" env:"TIERMEM_EMBEDDING_REMOTE_RETRY_ATTEMPTS"`
	RetryBackoffMS    int     `json:"retry_backoff_ms" env:"TIERMEM_EMBEDDING_REMOTE_RETRY_BACKOFF_MS"`
	CooldownSeconds   int     `json:"cooldown_seconds" env:"TIERMEM_EMBEDDING_REMOTE_COOLDOWN_SECONDS"`
	RequestsPerSecond float64 `json:"requests_per_second" env:"TIERMEM_EMBEDDING_REMOTE_REQUESTS_PER_SECOND"`
}

type TasksConfig struct {
	Attempts          int `json:"attempts" env:"TIERMEM_TASKS_ATTEMPTS"`
	RetryDelaySeconds int `json:"retry_delay_seconds" env:"TIERMEM_TASKS_RETRY_DELAY_SECONDS"`
}

type PersistenceConfig struct {
	DataDir      string `json:"data_dir" env:"TIERMEM_PERSISTENCE_DATA_DIR"`
	AutosaveCron string `json:"autosave_cron" env:"TIERMEM_PERSISTENCE_AUTOSAVE_CRON"`
}

type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai" envPrefix:"TIERMEM_PROVIDERS_OPENAI_"`
	OpenRouter ProviderConfig `json:"openrouter" envPrefix:"TIERMEM_PROVIDERS_OPENROUTER_"`
}

type ProviderConfig struct {
	APIKey         string `json:"api_key" env:"API_KEY"`
	APIBase        string `json:"api_base" env:"API_BASE"`
	Proxy          string `json:"proxy,omitempty" env:"PROXY"`
	OAuthTokenFile string `json:"oauth_token_file,omitempty" env:"OAUTH_TOKEN_FILE"`
}

// SummarizerConfig selects the chat provider that merges tiers.
type SummarizerConfig struct {
	Provider    string  `json:"provider" env:"TIERMEM_SUMMARIZER_PROVIDER"`
	Model       string  `json:"model" env:"TIERMEM_SUMMARIZER_MODEL"`
	MaxTokens   int     `json:"max_tokens" env:"TIERMEM_SUMMARIZER_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"TIERMEM_SUMMARIZER_TEMPERATURE"`
	Language    string  `json:"language" env:"TIERMEM_SUMMARIZER_LANGUAGE"`
}

type MetricsConfig struct {
	Listen string `json:"listen" env:"TIERMEM_METRICS_LISTEN"`
}

type LogConfig struct {
	Level  string `json:"level" env:"TIERMEM_LOG_LEVEL"`
	Format string `json:"format" env:"TIERMEM_LOG_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			RecentThreshold:          30,
			MidThreshold:             60,
			TrimBuffer:               5,
			LongCap:                  120,
			TicksPerDay:              60000,
			PruneGraceDays:           15,
			PruneHalfLifeDays:        60,
			PruneImportanceWeight:    1.0,
			PruneAccessWeight:        0.3,
			PruneImportanceFloor:     0.2,
			PruneHighImportanceFloor: 0.5,
		},
		Retrieval: RetrievalConfig{
			SemanticThreshold:   0.3,
			SemanticWeight:      10,
			ImportanceWeight:    1,
			AccessPenalty:       0.1,
			NameWeight:          2,
			GraceDays:           15,
			HalfLifeDays:        60,
			ImportanceFloor:     0.2,
			HighImportanceFloor: 0.5,
			MaxRecent:           3,
			MaxLong:             1,
			MaxTotal:            8,
			RelativeThreshold:   0.5,
		},
		Knowledge: KnowledgeConfig{
			StandardLength:   5,
			KeywordWeight:    1,
			ImportanceWeight: 0.2,
			TopK:             10,
		},
		Embedding: EmbeddingConfig{
			Mode:              "local",
			ModelPath:         "~/.tiermem/models/model.onnx",
			VocabPath:         "~/.tiermem/models/vocab.txt",
			MaxSequenceLength: 128,
			LocalDimensions:   768,
			Remote: RemoteConfig{
				APIBase:           "https://api.openai.com/v1",
				Model:             "text-embedding-3-small",
				Dimensions:        1024,
				BatchWindowMS:     2000,
				MaxBatch:          64,
				RetryAttempts:     3,
				RetryBackoffMS:    2000,
				CooldownSeconds:   60,
				RequestsPerSecond: 2,
			},
		},
		Tasks: TasksConfig{
			Attempts:          5,
			RetryDelaySeconds: 30,
		},
		Persistence: PersistenceConfig{
			DataDir:      "~/.tiermem/data",
			AutosaveCron: "*/5 * * * *",
		},
		Providers: ProvidersConfig{
			OpenAI:     ProviderConfig{},
			OpenRouter: ProviderConfig{},
		},
		Summarizer: SummarizerConfig{
			Provider:    "openai",
			Model:       "",
			MaxTokens:   2048,
			Temperature: 0.3,
			Language:    "English",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Persistence.DataDir)
}

// RemoteMode reports whether embeddings should come from the hosted API.
func (c *Config) RemoteMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.EqualFold(strings.TrimSpace(c.Embedding.Mode), "remote")
}

func (c *Config) SetEmbeddingMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Embedding.Mode = strings.ToLower(strings.TrimSpace(mode))
}

func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
