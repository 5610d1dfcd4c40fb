// Package matcher drives the retrieve, locate, filter and expand loop that
// finds the eligible companies of one incentive, and the batch runner over
// many incentives.
package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/incentive-matcher/internal/geofilter"
	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/scoring"
	"github.com/sells-group/incentive-matcher/internal/vindex"
)

// ErrInvalidIncentive is returned for incentives missing required fields.
var ErrInvalidIncentive = model.ErrInvalidIncentive

// Store is the persistence the engine and runner need.
type Store interface {
	GetIncentive(ctx context.Context, id string) (*model.Incentive, error)
	GetCompanies(ctx context.Context, ids []string) (map[string]model.Company, error)
	HasScoredMatch(ctx context.Context, incentiveID string) (bool, error)
	SaveMatchResults(ctx context.Context, semantic, scored *model.MatchRecord) error
	ListPendingIncentives(ctx context.Context, limit int) ([]string, error)
}

// Searcher embeds incentives and queries the embedding index.
type Searcher interface {
	QueryVector(ctx context.Context, inc *model.Incentive) ([]float32, error)
	Search(ctx context.Context, vec []float32, k int) ([]vindex.Hit, error)
}

// Locator resolves company locations through the location cache.
type Locator interface {
	Resolve(ctx context.Context, companies []model.Company) (map[string]model.Location, error)
}

// Classifier decides geographic eligibility.
type Classifier interface {
	Classify(ctx context.Context, requirement string, subjects []geofilter.Subject) (map[string]bool, *geofilter.Report, error)
}

// Config bounds the expansion loop.
type Config struct {
	InitialK int
	Step     int
	MaxK     int
	Target   int
}

// DefaultConfig returns k = 10, step 10, ceiling 50, target 5.
func DefaultConfig() Config {
	return Config{InitialK: 10, Step: 10, MaxK: 50, Target: model.MaxMatches}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialK <= 0 {
		c.InitialK = d.InitialK
	}
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.MaxK < c.InitialK {
		c.MaxK = c.InitialK
	}
	if c.Target <= 0 || c.Target > model.MaxMatches {
		c.Target = d.Target
	}
	return c
}

// Outcome describes one Process call.
type Outcome struct {
	IncentiveID string `json:"incentive_id"`
	// Skipped is set when a scored record already existed or the incentive
	// is invalid. Nothing was written.
	Skipped   bool   `json:"skipped"`
	Invalid   bool   `json:"invalid"`
	Reason    string `json:"reason,omitempty"`
	Exhausted bool   `json:"exhausted"`

	Iterations int `json:"iterations"`
	FinalK     int `json:"final_k"`
	Evaluated  int `json:"evaluated"`
	Eligible   int `json:"eligible"`
	Matches    int `json:"matches"`

	GeoBatches int `json:"geo_batches"`
	GeoFailed  int `json:"geo_failed"`

	Semantic *model.MatchRecord `json:"semantic,omitempty"`
	Scored   *model.MatchRecord `json:"scored,omitempty"`
}

type state int

const (
	stateInit state = iota
	stateRetrieve
	stateLocate
	stateFilter
	stateDecide
	stateExpand
	stateFinalize
	stateDone
)

func (s state) String() string {
	return [...]string{"INIT", "RETRIEVE", "LOCATE", "FILTER", "DECIDE", "EXPAND", "FINALIZE", "DONE"}[s]
}

// Engine processes one incentive at a time. It holds no per-incentive state
// and is safe for concurrent use.
type Engine struct {
	store    Store
	searcher Searcher
	locator  Locator
	filter   Classifier
	scorer   *scoring.Scorer
	cfg      Config
	now      func() time.Time
	newRunID func() string
}

// NewEngine creates an Engine.
func NewEngine(st Store, s Searcher, l Locator, f Classifier, sc *scoring.Scorer, cfg Config) *Engine {
	if sc == nil {
		sc = scoring.New(scoring.DefaultWeights())
	}
	return &Engine{
		store:    st,
		searcher: s,
		locator:  l,
		filter:   f,
		scorer:   sc,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		newRunID: func() string { return uuid.New().String() },
	}
}

// run is the mutable state of one Process call.
type run struct {
	inc       *model.Incentive
	vec       []float32
	k         int
	exhausted bool
	seen      map[string]bool
	fresh     []model.Candidate
	evaluated []model.Candidate
	out       *Outcome
	log       *zap.Logger
}

func (r *run) eligible() []model.Candidate {
	var out []model.Candidate
	for _, c := range r.evaluated {
		if c.Eligible {
			out = append(out, c)
		}
	}
	return out
}

// Process finds, scores and persists the matches of one incentive. It is a
// no-op when a scored record already exists. On error nothing is persisted.
func (e *Engine) Process(ctx context.Context, incentiveID string) (*Outcome, error) {
	r := &run{
		seen: make(map[string]bool),
		out:  &Outcome{IncentiveID: incentiveID},
		log:  zap.L().With(zap.String("incentive", incentiveID)),
	}

	st := stateInit
	for st != stateDone {
		if err := ctx.Err(); err != nil {
			return r.out, eris.Wrapf(err, "matcher: incentive %s", incentiveID)
		}
		next, err := e.step(ctx, st, r)
		if err != nil {
			return r.out, err
		}
		r.log.Debug("matcher: transition",
			zap.Stringer("from", st),
			zap.Stringer("to", next),
			zap.Int("k", r.k),
		)
		st = next
	}
	return r.out, nil
}

func (e *Engine) step(ctx context.Context, st state, r *run) (state, error) {
	switch st {
	case stateInit:
		return e.init(ctx, r)
	case stateRetrieve:
		return e.retrieve(ctx, r)
	case stateLocate:
		return e.locate(ctx, r)
	case stateFilter:
		return e.classify(ctx, r)
	case stateDecide:
		return e.decide(r), nil
	case stateExpand:
		r.k = min(r.k+e.cfg.Step, e.cfg.MaxK)
		return stateRetrieve, nil
	case stateFinalize:
		return stateDone, e.finalize(ctx, r)
	default:
		return stateDone, eris.Errorf("matcher: unknown state %d", st)
	}
}

func (e *Engine) init(ctx context.Context, r *run) (state, error) {
	id := r.out.IncentiveID
	done, err := e.store.HasScoredMatch(ctx, id)
	if err != nil {
		return stateDone, eris.Wrapf(err, "matcher: check existing result %s", id)
	}
	if done {
		r.out.Skipped = true
		r.out.Reason = "already scored"
		return stateDone, nil
	}

	inc, err := e.store.GetIncentive(ctx, id)
	if err != nil {
		return stateDone, eris.Wrapf(err, "matcher: load incentive %s", id)
	}
	if err := inc.Validate(); err != nil {
		r.out.Skipped = true
		r.out.Invalid = true
		r.out.Reason = err.Error()
		return stateDone, err
	}
	r.inc = inc

	vec, err := e.searcher.QueryVector(ctx, inc)
	if err != nil {
		return stateDone, eris.Wrapf(err, "matcher: query vector %s", id)
	}
	r.vec = vec
	r.k = e.cfg.InitialK
	return stateRetrieve, nil
}

func (e *Engine) retrieve(ctx context.Context, r *run) (state, error) {
	r.out.Iterations++
	r.out.FinalK = r.k

	hits, err := e.searcher.Search(ctx, r.vec, r.k)
	if err != nil {
		return stateDone, eris.Wrapf(err, "matcher: search k=%d", r.k)
	}
	r.exhausted = len(hits) < r.k
	r.out.Exhausted = r.exhausted

	sims := make(map[string]float64)
	var ids []string
	for _, h := range hits {
		if r.seen[h.CompanyID] {
			continue
		}
		r.seen[h.CompanyID] = true
		sims[h.CompanyID] = h.Similarity
		ids = append(ids, h.CompanyID)
	}
	r.fresh = r.fresh[:0]
	if len(ids) == 0 {
		return stateDecide, nil
	}

	companies, err := e.store.GetCompanies(ctx, ids)
	if err != nil {
		return stateDone, eris.Wrap(err, "matcher: load candidates")
	}
	for _, id := range ids {
		c, ok := companies[id]
		if !ok {
			r.log.Debug("matcher: indexed company missing from store", zap.String("company", id))
			continue
		}
		r.fresh = append(r.fresh, model.Candidate{Company: c, Similarity: sims[id]})
	}
	r.log.Debug("matcher: retrieved",
		zap.Int("k", r.k),
		zap.Int("hits", len(hits)),
		zap.Int("new", len(r.fresh)),
	)
	if len(r.fresh) == 0 {
		return stateDecide, nil
	}
	return stateLocate, nil
}

func (e *Engine) locate(ctx context.Context, r *run) (state, error) {
	companies := make([]model.Company, len(r.fresh))
	for i, c := range r.fresh {
		companies[i] = c.Company
	}
	locs, err := e.locator.Resolve(ctx, companies)
	if err != nil {
		return stateDone, eris.Wrap(err, "matcher: locate")
	}
	for i := range r.fresh {
		loc, ok := locs[r.fresh[i].Company.ID]
		if !ok {
			loc = model.Location{CompanyID: r.fresh[i].Company.ID, Status: model.LocationUnknown}
		}
		r.fresh[i].Location = loc
	}
	return stateFilter, nil
}

func (e *Engine) classify(ctx context.Context, r *run) (state, error) {
	subjects := make([]geofilter.Subject, len(r.fresh))
	for i, c := range r.fresh {
		subjects[i] = geofilter.SubjectFrom(c.Company, c.Location)
	}
	decisions, rep, err := e.filter.Classify(ctx, r.inc.GeoRequirement, subjects)
	if err != nil {
		return stateDone, eris.Wrap(err, "matcher: filter")
	}
	if rep != nil {
		r.out.GeoBatches += rep.Batches
		r.out.GeoFailed += rep.Failed
	}
	for _, c := range r.fresh {
		c.Eligible = decisions[c.Company.ID]
		r.evaluated = append(r.evaluated, c)
	}
	r.fresh = r.fresh[:0]
	return stateDecide, nil
}

func (e *Engine) decide(r *run) state {
	n := len(r.eligible())
	switch {
	case n >= e.cfg.Target:
		return stateFinalize
	case r.exhausted:
		return stateFinalize
	case r.k < e.cfg.MaxK:
		return stateExpand
	default:
		return stateFinalize
	}
}

func (e *Engine) finalize(ctx context.Context, r *run) error {
	eligible := r.eligible()
	r.out.Evaluated = len(r.evaluated)
	r.out.Eligible = len(eligible)

	scoring.SortBySimilarity(eligible)
	if len(eligible) > e.cfg.Target {
		eligible = eligible[:e.cfg.Target]
	}
	scored := e.scorer.Score(r.inc, eligible)

	runID := e.newRunID()
	now := e.now().UTC()
	base := model.MatchRecord{
		IncentiveID:        r.inc.ID,
		CandidatesSearched: len(r.seen),
		EligibleCount:      len(r.eligible()),
		Iterations:         r.out.Iterations,
		RunID:              runID,
		ProcessedAt:        now,
	}
	sem, sc := base, base
	sem.Kind, sem.Entries = model.KindSemantic, scoring.SemanticEntries(eligible)
	sc.Kind, sc.Entries = model.KindScored, scoring.Entries(scored)

	if err := e.store.SaveMatchResults(ctx, &sem, &sc); err != nil {
		return eris.Wrapf(err, "matcher: persist %s", r.inc.ID)
	}
	r.out.Semantic, r.out.Scored = &sem, &sc
	r.out.Matches = len(sc.Entries)

	r.log.Info("matcher: finalized",
		zap.Int("iterations", r.out.Iterations),
		zap.Int("final_k", r.out.FinalK),
		zap.Int("evaluated", r.out.Evaluated),
		zap.Int("eligible", r.out.Eligible),
		zap.Int("matches", r.out.Matches),
		zap.Bool("exhausted", r.out.Exhausted),
		zap.String("run_id", runID),
	)
	return nil
}

// IsInvalid reports whether err marks an unmatchable incentive.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidIncentive)
}
