package embedding

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIConfig configures the OpenAI embedding client.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key (required).
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for an OpenAI-compatible
	// local server. Empty means the official endpoint.
	BaseURL string

	// Model is the embedding model name (default: text-embedding-3-small).
	Model string

	// Dimension is the requested output dimension (default: DefaultDimension).
	// Models that support shortened embeddings honor it server-side.
	Dimension int

	// RequestsPerSecond limits calls to the API. Zero disables limiting.
	RequestsPerSecond float64
}

// OpenAIProvider implements Provider on the OpenAI Embeddings API.
type OpenAIProvider struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	dim     int
	limiter *rate.Limiter
}

// NewOpenAIProvider creates an OpenAI embedding provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := openai.EmbeddingModel(cfg.Model)
	if cfg.Model == "" {
		model = openai.SmallEmbedding3
	}

	dim := cfg.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		dim:     dim,
		limiter: limiter,
	}, nil
}

// Embed converts text to a unit vector via the Embeddings API.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      p.model,
		Dimensions: p.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: no embedding data returned")
	}

	vec, err := checkDimension(resp.Data[0].Embedding, p.dim)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return Normalize(vec), nil
}

// Dimension returns the configured output dimension.
func (p *OpenAIProvider) Dimension() int {
	return p.dim
}
