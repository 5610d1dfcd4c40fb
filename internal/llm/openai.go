package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sells-group/incentive-matcher/internal/cost"
	"github.com/sells-group/incentive-matcher/internal/resilience"
)

// OpenAI is a Completer over any OpenAI-compatible chat endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
	costs  *cost.Tracker
}

// NewOpenAI creates an OpenAI completer. An empty baseURL uses the public API.
func NewOpenAI(apiKey, baseURL, model string, timeout time.Duration, costs *cost.Tracker) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		costs:  costs,
	}
}

// Complete implements Completer.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               o.model,
		Messages:            messages,
		MaxCompletionTokens: int(req.MaxTokens),
	})
	if err != nil {
		return nil, classifyOpenAI(eris.Wrap(err, "openai: chat completion"))
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("openai: no choices in response")
	}

	usage := Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	usd := o.costs.AddLLM(cost.ProviderOpenAI, o.model, usage.InputTokens, usage.OutputTokens)
	zap.L().Info("cost attribution",
		zap.String("model", o.model),
		zap.String("phase", "geo_classify"),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Float64("estimated_cost_usd", usd),
	)

	return &Response{
		Text:     resp.Choices[0].Message.Content,
		Provider: cost.ProviderOpenAI,
		Model:    o.model,
		Usage:    usage,
	}, nil
}

// classifyOpenAI tags rate limits and server errors as transient.
func classifyOpenAI(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(err, status)
	}
	return err
}
