package cost

import (
	"sync"

	"go.uber.org/zap"
)

// Tracker accumulates the cost of one run. It is safe for concurrent use.
type Tracker struct {
	calc *Calculator

	mu          sync.Mutex
	geocodes    int64
	llmCalls    int64
	inTokens    int64
	outTokens   int64
	embedTokens int64
	total       float64
}

// NewTracker creates a Tracker pricing usage with calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{calc: calc}
}

// AddGeocode records n provider calls.
func (t *Tracker) AddGeocode(n int64) {
	if t == nil || n <= 0 {
		return
	}
	c := t.calc.Geocode(n)
	t.mu.Lock()
	t.geocodes += n
	t.total += c
	t.mu.Unlock()
}

// AddLLM records one completion and returns its cost.
func (t *Tracker) AddLLM(provider, model string, input, output int64) float64 {
	if t == nil {
		return 0
	}
	c := t.calc.LLM(provider, model, input, output)
	t.mu.Lock()
	t.llmCalls++
	t.inTokens += input
	t.outTokens += output
	t.total += c
	t.mu.Unlock()
	return c
}

// AddEmbedding records embedding tokens.
func (t *Tracker) AddEmbedding(model string, tokens int64) {
	if t == nil || tokens <= 0 {
		return
	}
	c := t.calc.Embedding(model, tokens)
	t.mu.Lock()
	t.embedTokens += tokens
	t.total += c
	t.mu.Unlock()
}

// Snapshot is a point-in-time copy of the tracked usage.
type Snapshot struct {
	GeocodeCalls    int64   `json:"geocode_calls"`
	LLMCalls        int64   `json:"llm_calls"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	EmbeddingTokens int64   `json:"embedding_tokens"`
	TotalUSD        float64 `json:"total_usd"`
}

// Snapshot returns the usage so far.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		GeocodeCalls:    t.geocodes,
		LLMCalls:        t.llmCalls,
		InputTokens:     t.inTokens,
		OutputTokens:    t.outTokens,
		EmbeddingTokens: t.embedTokens,
		TotalUSD:        t.total,
	}
}

// Total returns the accumulated cost in USD.
func (t *Tracker) Total() float64 {
	return t.Snapshot().TotalUSD
}

// PerMatch divides the total by the number of persisted matches. Zero
// matches yields 0.
func (t *Tracker) PerMatch(matches int) float64 {
	if matches <= 0 {
		return 0
	}
	return t.Total() / float64(matches)
}

// Log writes the usage summary at info level.
func (t *Tracker) Log(matches int) {
	s := t.Snapshot()
	zap.L().Info("run cost",
		zap.Int64("geocode_calls", s.GeocodeCalls),
		zap.Int64("llm_calls", s.LLMCalls),
		zap.Int64("input_tokens", s.InputTokens),
		zap.Int64("output_tokens", s.OutputTokens),
		zap.Int64("embedding_tokens", s.EmbeddingTokens),
		zap.Float64("total_usd", s.TotalUSD),
		zap.Float64("usd_per_match", t.PerMatch(matches)),
	)
}
