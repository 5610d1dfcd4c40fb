package llm

import (
	"context"

	"github.com/sells-group/incentive-matcher/internal/cost"
	"github.com/sells-group/incentive-matcher/pkg/anthropic"
)

// Anthropic adapts pkg/anthropic to Completer.
type Anthropic struct {
	client anthropic.Client
	model  string
	costs  *cost.Tracker
}

// NewAnthropic creates an Anthropic completer.
func NewAnthropic(client anthropic.Client, model string, costs *cost.Tracker) *Anthropic {
	return &Anthropic{client: client, model: model, costs: costs}
}

// Complete implements Completer. The system block is marked for prompt
// caching since it is identical across every batch of a run.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	temp := 0.0
	mreq := anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   req.MaxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	}
	if req.System != "" {
		mreq.System = []anthropic.SystemBlock{{Text: req.System, CacheControl: &anthropic.CacheControl{}}}
	}

	resp, err := a.client.CreateMessage(ctx, mreq)
	if err != nil {
		return nil, err
	}

	usage := Usage{
		InputTokens:  resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	usd := a.costs.AddLLM(cost.ProviderAnthropic, a.model, usage.InputTokens, usage.OutputTokens)
	resp.Usage.LogCost(a.model, "geo_classify", usd)

	return &Response{
		Text:     resp.Text(),
		Provider: cost.ProviderAnthropic,
		Model:    a.model,
		Usage:    usage,
	}, nil
}
