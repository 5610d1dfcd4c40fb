// Package geofilter decides whether located companies satisfy an
// incentive's free-text geographic requirement. Every failure path answers
// "not eligible".
package geofilter

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/incentive-matcher/internal/llm"
	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/resilience"
)

// ErrMalformedResponse is returned when a model answer holds no JSON object.
var ErrMalformedResponse = eris.New("geofilter: malformed classifier response")

// Subject is one company to classify.
type Subject struct {
	CompanyID string
	Name      string
	Address   string
	Status    model.LocationStatus
	Lat       float64
	Lon       float64
}

// SubjectFrom builds a Subject from a company and its cached location.
func SubjectFrom(c model.Company, loc model.Location) Subject {
	return Subject{
		CompanyID: c.ID,
		Name:      c.Name,
		Address:   loc.Address,
		Status:    loc.Status,
		Lat:       loc.Lat,
		Lon:       loc.Lon,
	}
}

// Report counts the work done by one Classify call.
type Report struct {
	Scope    Scope     `json:"scope"`
	Batches  int       `json:"batches"`
	Failed   int       `json:"failed"`
	LLMCalls int       `json:"llm_calls"`
	Usage    llm.Usage `json:"usage"`
}

// Options tunes a Filter.
type Options struct {
	BatchSize int
	MaxTokens int64
	Country   string
	Retry     resilience.RetryConfig
}

// Filter classifies geographic eligibility.
type Filter struct {
	llm  llm.Completer
	opts Options
}

// New creates a Filter.
func New(c llm.Completer, opts Options) *Filter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 30
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Country == "" {
		opts.Country = "Portugal"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	opts.Retry.OnRetry = resilience.RetryLogger("classifier", "geo_classify")
	return &Filter{llm: c, opts: opts}
}

// Classify returns a decision for every subject. Subjects without a found
// location are false. The error is non-nil only when ctx is done.
func (f *Filter) Classify(ctx context.Context, requirement string, subjects []Subject) (map[string]bool, *Report, error) {
	out := make(map[string]bool, len(subjects))
	rep := &Report{Scope: Detect(requirement, f.opts.Country)}

	located := make([]Subject, 0, len(subjects))
	for _, s := range subjects {
		out[s.CompanyID] = false
		if s.Status == model.LocationFound && strings.TrimSpace(s.Address) != "" {
			located = append(located, s)
		}
	}
	if len(located) == 0 {
		return out, rep, nil
	}

	if rep.Scope != ScopeRegional {
		for _, s := range located {
			out[s.CompanyID] = decideLocally(rep.Scope, s, f.opts.Country)
		}
		return out, rep, nil
	}

	sort.Slice(located, func(i, j int) bool { return located[i].CompanyID < located[j].CompanyID })
	for start := 0; start < len(located); start += f.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, rep, eris.Wrap(err, "geofilter: classify")
		}
		batch := located[start:min(start+f.opts.BatchSize, len(located))]
		rep.Batches++

		decisions, err := f.classifyBatch(ctx, requirement, batch, rep)
		if err != nil {
			if ctx.Err() != nil {
				return nil, rep, eris.Wrap(ctx.Err(), "geofilter: classify")
			}
			rep.Failed++
			zap.L().Warn("geofilter: batch failed, marking ineligible",
				zap.String("requirement", requirement),
				zap.Int("batch_size", len(batch)),
				zap.String("error_class", resilience.Classify(err)),
				zap.Error(err),
			)
			continue
		}
		for _, s := range batch {
			out[s.CompanyID] = decisions[s.CompanyID]
		}
	}
	return out, rep, nil
}

func (f *Filter) classifyBatch(ctx context.Context, requirement string, batch []Subject, rep *Report) (map[string]bool, error) {
	req := llm.Request{
		System:    systemPrompt,
		Prompt:    userPrompt(requirement, batch),
		MaxTokens: f.opts.MaxTokens,
	}
	resp, err := resilience.DoVal(ctx, f.opts.Retry, func(ctx context.Context) (*llm.Response, error) {
		rep.LLMCalls++
		r, err := f.llm.Complete(ctx, req)
		if err == nil {
			rep.Usage.Add(r.Usage)
		}
		return r, err
	})
	if err != nil {
		return nil, eris.Wrap(err, "geofilter: complete")
	}
	return ParseDecisions(resp.Text)
}

// ParseDecisions extracts the JSON object between the first '{' and the last
// '}' of a model answer. Values that are not JSON booleans count as false.
func ParseDecisions(text string) (map[string]bool, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, ErrMalformedResponse
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, eris.Wrap(ErrMalformedResponse, err.Error())
	}

	out := make(map[string]bool, len(raw))
	for id, v := range raw {
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			continue
		}
		out[strings.TrimSpace(id)] = b
	}
	return out, nil
}
