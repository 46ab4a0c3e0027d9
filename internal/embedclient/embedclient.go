// Package embedclient is the embedding provider collaborator of spec.md
// §6: embed(text) -> vector[1536]. It wraps the OpenAI Go SDK the way the
// teacher's internal/llm/openai client wraps chat completions.
package embedclient

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"memoryengine/internal/config"
	"memoryengine/internal/engineerr"
)

// Provider is the embedding collaborator interface the engine depends on;
// internal/ingest and internal/retrieval never see the concrete SDK type,
// matching spec.md's "external collaborators, interfaces only" framing.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Client is the OpenAI-backed Provider implementation.
type Client struct {
	sdk     openai.Client
	model   string
	timeout time.Duration
}

func New(cfg config.EmbeddingConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{sdk: openai.NewClient(opts...), model: cfg.Model, timeout: timeout}
}

// Embed returns a single embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: embedding: expected 1 vector, got %d", engineerr.ErrProviderSchemaViolation, len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch returns one embedding per input string, in order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.sdk.Embeddings.New(cctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		if cctx.Err() != nil {
			return nil, fmt.Errorf("%w: embedding: %v", engineerr.ErrProviderTimeout, err)
		}
		return nil, fmt.Errorf("%w: embedding: %v", engineerr.ErrProviderUnavailable, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: embedding: got %d vectors, want %d",
			engineerr.ErrProviderSchemaViolation, len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	return out, nil
}
