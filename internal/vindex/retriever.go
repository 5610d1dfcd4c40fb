package vindex

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/incentive-matcher/internal/embed"
	"github.com/sells-group/incentive-matcher/internal/model"
)

// Retriever answers top-k queries for incentives.
type Retriever struct {
	index    *Index
	embedder embed.Embedder
}

// NewRetriever creates a Retriever.
func NewRetriever(index *Index, embedder embed.Embedder) *Retriever {
	return &Retriever{index: index, embedder: embedder}
}

// QueryVector embeds the incentive's query text. Callers embed once per
// incentive and reuse the vector across expansion steps.
func (r *Retriever) QueryVector(ctx context.Context, inc *model.Incentive) ([]float32, error) {
	text := inc.QueryText()
	if text == "" {
		return nil, eris.Errorf("vindex: incentive %s has no query text", inc.ID)
	}
	vec, err := r.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, eris.Wrapf(err, "vindex: embed incentive %s", inc.ID)
	}
	return vec, nil
}

// Search returns the top-k companies for a query vector.
func (r *Retriever) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	return r.index.Search(ctx, vec, k)
}

// Size returns the number of indexed companies.
func (r *Retriever) Size() int {
	return r.index.Len()
}
