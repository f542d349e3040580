// Package summarizer merges memory tiers through a chat-completions model.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/memory"
	"github.com/dotsetgreg/tiermem/pkg/providers"
)

var ErrEmptyResponse = errors.New("summarizer returned an empty response")

type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	// Language the merged summaries are written in.
	Language string
	// Timeout bounds one model call. Retries are the caller's concern.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxTokens:   2048,
		Temperature: 0.3,
		Language:    "English",
		Timeout:     90 * time.Second,
	}
}

// LLMSummarizer implements memory.Summarizer.
type LLMSummarizer struct {
	provider providers.LLMProvider
	cfg      Config
}

func New(provider providers.LLMProvider, cfg Config) *LLMSummarizer {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = def.Language
	}
	return &LLMSummarizer{provider: provider, cfg: cfg}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, req memory.SummaryRequest) ([]memory.MergedRecord, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("summarizer provider not configured")
	}
	if len(req.Snapshot) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	messages := []providers.Message{
		{Role: "system", Content: systemPrompt(req.Transition, s.cfg.Language)},
		{Role: "user", Content: userPrompt(req)},
	}
	resp, err := s.provider.Chat(ctx, messages, s.cfg.Model, map[string]interface{}{
		"max_tokens":  s.cfg.MaxTokens,
		"temperature": s.cfg.Temperature,
		"json":        true,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, ErrEmptyResponse
	}

	merged, err := ParseMergedRecords(resp.Content)
	if err != nil {
		logger.WarnCF("summarizer", "Unparseable summarizer output", map[string]interface{}{
			"entity":     int64(req.Entity),
			"transition": req.Transition.String(),
			"error":      err.Error(),
		})
		return nil, err
	}
	logger.DebugCF("summarizer", "Snapshot summarized", map[string]interface{}{
		"entity":     int64(req.Entity),
		"transition": req.Transition.String(),
		"snapshot":   len(req.Snapshot),
		"merged":     len(merged),
	})
	return merged, nil
}
