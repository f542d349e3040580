package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/dispatch"
	"github.com/dotsetgreg/tiermem/pkg/embedding"
	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/memory"
	"github.com/dotsetgreg/tiermem/pkg/metrics"
	"github.com/dotsetgreg/tiermem/pkg/providers"
	"github.com/dotsetgreg/tiermem/pkg/summarizer"
)

func memoryParams(cfg *config.Config) memory.Params {
	m, r, k := cfg.Memory, cfg.Retrieval, cfg.Knowledge
	return memory.Params{
		RecentThreshold: m.RecentThreshold,
		MidThreshold:    m.MidThreshold,
		TrimBuffer:      m.TrimBuffer,
		LongCap:         m.LongCap,
		TicksPerDay:     m.TicksPerDay,
		Prune: memory.PruneParams{
			Decay: memory.DecayParams{
				GraceDays:           m.PruneGraceDays,
				HalfLifeDays:        m.PruneHalfLifeDays,
				ImportanceFloor:     m.PruneImportanceFloor,
				HighImportanceFloor: m.PruneHighImportanceFloor,
			},
			ImportanceWeight: m.PruneImportanceWeight,
			AccessWeight:     m.PruneAccessWeight,
		},
		Retrieval: memory.RetrievalParams{
			SemanticThreshold: r.SemanticThreshold,
			SemanticWeight:    r.SemanticWeight,
			ImportanceWeight:  r.ImportanceWeight,
			AccessPenalty:     r.AccessPenalty,
			NameWeight:        r.NameWeight,
			Decay: memory.DecayParams{
				GraceDays:           r.GraceDays,
				HalfLifeDays:        r.HalfLifeDays,
				ImportanceFloor:     r.ImportanceFloor,
				HighImportanceFloor: r.HighImportanceFloor,
			},
			MaxRecent:         r.MaxRecent,
			MaxLong:           r.MaxLong,
			MaxTotal:          r.MaxTotal,
			RelativeThreshold: r.RelativeThreshold,
		},
		Knowledge: memory.KnowledgeParams{
			StandardLength:   k.StandardLength,
			KeywordWeight:    k.KeywordWeight,
			ImportanceWeight: k.ImportanceWeight,
			TopK:             k.TopK,
		},
	}
}

func queueConfig(cfg *config.Config) embedding.QueueConfig {
	r := cfg.Embedding.Remote
	return embedding.QueueConfig{
		BatchWindow:   time.Duration(r.BatchWindowMS) * time.Millisecond,
		MaxBatch:      r.MaxBatch,
		RetryAttempts: r.RetryAttempts,
		RetryBackoff:  time.Duration(r.RetryBackoffMS) * time.Millisecond,
		Cooldown:      time.Duration(r.CooldownSeconds) * time.Second,
	}
}

func retryPolicy(cfg *config.Config) dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		Attempts: cfg.Tasks.Attempts,
		Delay:    time.Duration(cfg.Tasks.RetryDelaySeconds) * time.Second,
	}
}

func engineConfig(cfg *config.Config) embedding.EngineConfig {
	e := cfg.Embedding
	return embedding.EngineConfig{
		ModelPath:         config.ExpandHome(e.ModelPath),
		VocabPath:         config.ExpandHome(e.VocabPath),
		SharedLibraryPath: config.ExpandHome(e.SharedLibraryPath),
		MaxSequenceLength: e.MaxSequenceLength,
		Dimensions:        e.LocalDimensions,
	}
}

func summarizerConfig(cfg *config.Config) summarizer.Config {
	s := cfg.Summarizer
	out := summarizer.DefaultConfig()
	out.Model = s.Model
	if s.MaxTokens > 0 {
		out.MaxTokens = s.MaxTokens
	}
	out.Temperature = s.Temperature
	if s.Language != "" {
		out.Language = s.Language
	}
	return out
}

// runtimeOptions carries the pieces a command may want to override.
type runtimeOptions struct {
	Metrics    *metrics.Metrics
	Notifier   dispatch.Notifier
	Summarizer memory.Summarizer
}

// buildService wires config into a started memory service and loads any
// persisted state. A missing remote or summarizer credential is not fatal:
// remote mode falls back to local embeddings, a missing summarizer leaves
// consolidation failing, and both are logged.
func buildService(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*memory.Service, error) {
	mode, err := embedding.ParseMode(cfg.Embedding.Mode)
	if err != nil {
		return nil, err
	}

	dataDir := cfg.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var remote embedding.RemoteBackend
	rc := cfg.Embedding.Remote
	client, err := embedding.NewRemoteClient(embedding.RemoteConfig{
		APIBase:           rc.APIBase,
		APIKey:            rc.APIKey,
		Model:             rc.Model,
		Dimensions:        rc.Dimensions,
		RequestsPerSecond: rc.RequestsPerSecond,
	})
	switch {
	case err == nil:
		remote = client
	case errors.Is(err, embedding.ErrRemoteNotConfigured):
		if mode == embedding.ModeRemote {
			logger.WarnCF("cli", "Remote embedding mode without credentials; using local embeddings", map[string]interface{}{
				"model": rc.Model,
			})
			mode = embedding.ModeLocal
		}
	default:
		return nil, err
	}

	sum := opts.Summarizer
	if sum == nil {
		provider, err := providers.CreateProvider(cfg)
		if err != nil {
			logger.WarnCF("cli", "Summarizer unavailable; consolidation will keep failing", map[string]interface{}{
				"provider": cfg.Summarizer.Provider,
				"error":    err.Error(),
			})
		} else {
			sum = summarizer.New(provider, summarizerConfig(cfg))
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = dispatch.LogNotifier{}
	}

	svc, err := memory.NewService(memory.Config{
		DataDir:      dataDir,
		Params:       memoryParams(cfg),
		Retry:        retryPolicy(cfg),
		Queue:        queueConfig(cfg),
		Mode:         mode,
		AutosaveCron: cfg.Persistence.AutosaveCron,
	}, memory.Deps{
		Summarizer: sum,
		Local:      embedding.NewEngine(engineConfig(cfg)),
		Remote:     remote,
		Notifier:   notifier,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	if err := svc.Load(ctx); err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("load memory: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("start vector queue: %w", err)
	}
	return svc, nil
}
