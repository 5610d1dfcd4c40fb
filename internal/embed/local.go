package embed

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Local embeds through an OpenAI-compatible server running a local model,
// such as a sentence-transformers container.
type Local struct {
	embedder embeddings.Embedder
	model    string
}

// NewLocal creates a Local embedder for the server at host.
func NewLocal(host, model string) (*Local, error) {
	if host == "" {
		return nil, eris.New("embed: local host is required")
	}
	// Local servers ignore the token but the client requires one.
	client, err := openai.New(
		openai.WithBaseURL(host),
		openai.WithToken("none"),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, eris.Wrap(err, "embed: local client")
	}
	e, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, eris.Wrap(err, "embed: local embedder")
	}
	return &Local{embedder: e, model: model}, nil
}

// EmbedText implements Embedder.
func (l *Local) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return single(ctx, l, text)
}

// EmbedTexts implements Embedder.
func (l *Local) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	zap.L().Debug("embed: local batch", zap.String("model", l.model), zap.Int("count", len(texts)))
	vecs, err := l.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, eris.Wrap(err, "embed: local embed documents")
	}
	if len(vecs) != len(texts) {
		return nil, eris.Errorf("embed: local returned %d embeddings for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}
