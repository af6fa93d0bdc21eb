package vector

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// DefaultEmbeddingModel is used when no model is configured. The corpus
// table is provisioned for its 1536 dimensions.
const DefaultEmbeddingModel = oai.EmbeddingModelTextEmbedding3Small

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder implements Embedder using the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client oai.Client
	model  string
}

// EmbedderOption is a functional option for OpenAIEmbedder.
type EmbedderOption func(*embedderConfig)

type embedderConfig struct {
	baseURL string
}

// WithEmbedderBaseURL overrides the default OpenAI API base URL.
func WithEmbedderBaseURL(url string) EmbedderOption {
	return func(c *embedderConfig) {
		c.baseURL = url
	}
}

// NewOpenAIEmbedder constructs an embeddings client. If model is empty,
// DefaultEmbeddingModel is used.
func NewOpenAIEmbedder(apiKey, model string, opts ...EmbedderOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("vector: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}

	cfg := &embedderConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIEmbedder{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vector: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("vector: empty embeddings response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
