package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

type RemoteConfig struct {
	APIBase           string
	APIKey            string
	Model             string
	Dimensions        int
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// RemoteClient embeds batches through an OpenAI-compatible embeddings API.
type RemoteClient struct {
	client     *openai.Client
	model      string
	dimensions int
	limiter    *rate.Limiter
}

func NewRemoteClient(cfg RemoteConfig) (*RemoteClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.Model) == "" {
		return nil, ErrRemoteNotConfigured
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.APIBase, "/")
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &RemoteClient{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		limiter:    rate.NewLimiter(limit, 1),
	}, nil
}

func (c *RemoteClient) Dimensions() int {
	return c.dimensions
}

// EmbedBatch returns normalized vectors in input order.
func (c *RemoteClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.model),
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, classifyRemoteError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmptyEmbedding, len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = i
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("%w: item %d", ErrEmptyEmbedding, idx)
		}
		out[idx] = Normalize(item.Embedding)
	}
	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("%w: missing index %d", ErrEmptyEmbedding, i)
		}
	}
	return out, nil
}

func classifyRemoteError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || isQuotaCode(apiErr.Code) {
			return fmt.Errorf("%w: %s", ErrQuotaExceeded, apiErr.Message)
		}
		return fmt.Errorf("create embeddings: %w", err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, reqErr.Err)
	}
	return fmt.Errorf("create embeddings: %w", err)
}

func isQuotaCode(code any) bool {
	s, ok := code.(string)
	return ok && strings.Contains(strings.ToLower(s), "quota")
}
