// Package embed turns company profiles and incentive queries into vectors.
package embed

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/incentive-matcher/internal/config"
	"github.com/sells-group/incentive-matcher/internal/cost"
)

// Embedder produces one vector per input text. Implementations must be safe
// for concurrent use.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// New builds the Embedder selected by embedding.provider.
func New(cfg *config.Config, costs *cost.Tracker) (Embedder, error) {
	switch cfg.Embedding.Provider {
	case "openai":
		return NewOpenAI(cfg.OpenAI.Key, cfg.OpenAI.BaseURL, cfg.OpenAI.EmbeddingModel, cfg.Embedding.Dimensions, costs), nil
	case "local":
		return NewLocal(cfg.Embedding.LocalHost, cfg.Embedding.LocalModel)
	default:
		return nil, eris.Errorf("embed: unknown provider %q", cfg.Embedding.Provider)
	}
}

// single runs a batch call for one text.
func single(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, eris.New("embed: empty embedding in response")
	}
	return vecs[0], nil
}
