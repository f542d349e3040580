package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dotsetgreg/tiermem/pkg/logger"
)

type EngineConfig struct {
	ModelPath         string
	VocabPath         string
	SharedLibraryPath string
	MaxSequenceLength int
	// Dimensions is the output size used for zero vectors before the model
	// has reported its hidden size.
	Dimensions int
	// NewSession overrides the ONNX session constructor.
	NewSession SessionFactory
}

// Engine turns text into L2-normalized sentence vectors with a local encoder
// model. Load failures disable the engine; a disabled engine returns zero
// vectors instead of errors so hot paths never stall on it.
type Engine struct {
	cfg EngineConfig

	mu       sync.Mutex
	vocab    *Vocab
	session  Session
	dim      int
	loaded   bool
	disabled bool
	lastErr  error
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxSequenceLength <= 2 {
		cfg.MaxSequenceLength = 128
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 768
	}
	if cfg.NewSession == nil {
		cfg.NewSession = newONNXSession
	}
	return &Engine{cfg: cfg, dim: cfg.Dimensions}
}

// Initialize loads the vocabulary and model and runs one warmup pass. It is
// idempotent. On failure the engine is disabled and the error is returned
// for reporting only.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return nil
	}
	if e.disabled {
		return e.lastErr
	}

	if err := e.load(); err != nil {
		e.disabled = true
		e.lastErr = err
		logger.ErrorCF("embedding", "Embedding engine disabled", map[string]interface{}{
			"model": e.cfg.ModelPath,
			"vocab": e.cfg.VocabPath,
			"error": err.Error(),
		})
		return err
	}
	e.loaded = true

	start := time.Now()
	if _, err := e.embedLocked(ctx, []string{"warmup"}); err != nil {
		logger.WarnCF("embedding", "Warmup inference failed", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		logger.InfoCF("embedding", "Embedding engine ready", map[string]interface{}{
			"dimensions": e.dim,
			"vocab_size": e.vocab.Size(),
			"warmup_ms":  time.Since(start).Milliseconds(),
		})
	}
	return nil
}

func (e *Engine) load() error {
	vocab, err := LoadVocab(e.cfg.VocabPath)
	if err != nil {
		return fmt.Errorf("load vocab: %w", err)
	}
	session, err := e.cfg.NewSession(e.cfg.ModelPath, e.cfg.SharedLibraryPath)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	e.vocab = vocab
	e.session = session
	return nil
}

// Unload releases the model. A later Initialize loads it again, including
// after a previous failure.
func (e *Engine) Unload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			logger.WarnCF("embedding", "Closing session failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	e.session = nil
	e.vocab = nil
	e.loaded = false
	e.disabled = false
	e.lastErr = nil
}

func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *Engine) Disabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabled
}

func (e *Engine) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

// EmbedBatch returns one vector per text. If the engine is not loaded the
// result is zero vectors and no error.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return zeroVectors(len(texts), e.dim), nil
	}
	return e.embedLocked(ctx, texts)
}

// Embed is EmbedBatch for a single text.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *Engine) embedLocked(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := e.vocab.Encode(texts, e.cfg.MaxSequenceLength)
	hidden, hiddenSize, err := e.session.Run(batch)
	if err != nil {
		return nil, err
	}
	want := batch.Size * batch.SeqLen * hiddenSize
	if hiddenSize <= 0 || len(hidden) < want {
		return nil, fmt.Errorf("hidden state size %d, want %d", len(hidden), want)
	}
	e.dim = hiddenSize

	out := make([][]float32, batch.Size)
	stride := batch.SeqLen * hiddenSize
	for row := 0; row < batch.Size; row++ {
		mask := batch.AttentionMask[row*batch.SeqLen : (row+1)*batch.SeqLen]
		pooled := meanPool(hidden[row*stride:(row+1)*stride], mask, batch.SeqLen, hiddenSize)
		out[row] = Normalize(pooled)
	}
	return out, nil
}

func zeroVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
	}
	return out
}
