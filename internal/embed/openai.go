package embed

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/sashabaranov/go-openai"

	"github.com/sells-group/incentive-matcher/internal/cost"
	"github.com/sells-group/incentive-matcher/internal/resilience"
)

// OpenAI embeds through the OpenAI embeddings endpoint.
type OpenAI struct {
	client     *openai.Client
	model      string
	dimensions int
	costs      *cost.Tracker
}

// NewOpenAI creates an OpenAI embedder. dimensions > 0 asks the API to
// shorten vectors (text-embedding-3 models only).
func NewOpenAI(apiKey, baseURL, model string, dimensions int, costs *cost.Tracker) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAI{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
		costs:      costs,
	}
}

// EmbedText implements Embedder.
func (o *OpenAI) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return single(ctx, o, text)
}

// EmbedTexts implements Embedder. Results are returned in input order.
func (o *OpenAI) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.model),
		Input: texts,
	}
	if o.dimensions > 0 && strings.HasPrefix(o.model, "text-embedding-3") {
		req.Dimensions = o.dimensions
	}

	resp, err := o.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classify(eris.Wrap(err, "embed: openai create embeddings"))
	}
	if len(resp.Data) != len(texts) {
		return nil, eris.Errorf("embed: openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, eris.Errorf("embed: openai embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	o.costs.AddEmbedding(o.model, int64(resp.Usage.TotalTokens))
	return out, nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.HTTPStatusCode) {
		return resilience.NewTransientError(err, apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && resilience.IsTransientHTTPStatus(reqErr.HTTPStatusCode) {
		return resilience.NewTransientError(err, reqErr.HTTPStatusCode)
	}
	return err
}
