// Package llm puts the chat model providers used for geographic
// classification behind one Completer interface.
package llm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/incentive-matcher/internal/config"
	"github.com/sells-group/incentive-matcher/internal/cost"
	"github.com/sells-group/incentive-matcher/pkg/anthropic"
)

// Request is a single-turn completion request.
type Request struct {
	// System is the stable instruction block. Providers that support prompt
	// caching cache it across calls.
	System    string
	Prompt    string
	MaxTokens int64
}

// Usage is the token accounting of one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Response is the text answer of a completion.
type Response struct {
	Text     string
	Provider string
	Model    string
	Usage    Usage
}

// Completer runs single-turn completions.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// New builds the Completer selected by classifier.provider. Usage is priced
// into costs when it is non-nil.
func New(cfg *config.Config, costs *cost.Tracker) (Completer, error) {
	switch cfg.Classifier.Provider {
	case cost.ProviderAnthropic:
		model := cfg.Classifier.Model
		if model == "" {
			model = cfg.Anthropic.Model
		}
		client := anthropic.NewClient(cfg.Anthropic.Key, anthropic.WithTimeout(timeout(cfg)))
		return NewAnthropic(client, model, costs), nil
	case cost.ProviderOpenAI:
		model := cfg.Classifier.Model
		if model == "" {
			model = cfg.OpenAI.ChatModel
		}
		return NewOpenAI(cfg.OpenAI.Key, cfg.OpenAI.BaseURL, model, timeout(cfg), costs), nil
	default:
		return nil, eris.Errorf("llm: unknown classifier provider %q", cfg.Classifier.Provider)
	}
}

func timeout(cfg *config.Config) time.Duration {
	if cfg.Classifier.TimeoutSecs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(cfg.Classifier.TimeoutSecs) * time.Second
}
