package scoring

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/incentive-matcher/internal/model"
)

// Scorer ranks eligible candidates.
type Scorer struct {
	w Weights
}

// New creates a Scorer. Invalid weights fall back to DefaultWeights.
func New(w Weights) *Scorer {
	if err := w.Validate(); err != nil {
		zap.L().Warn("scoring: invalid weights, using defaults", zap.Error(err))
		w = DefaultWeights()
	}
	return &Scorer{w: w}
}

// Score fills Components and Final of every eligible candidate and returns
// the top model.MaxMatches, ranked. Ineligible candidates are dropped.
func (s *Scorer) Score(inc *model.Incentive, candidates []model.Candidate) []model.Candidate {
	eligible := make([]model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Eligible {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	lo, hi := eligible[0].Similarity, eligible[0].Similarity
	for _, c := range eligible[1:] {
		lo = math.Min(lo, c.Similarity)
		hi = math.Max(hi, c.Similarity)
	}

	dir := inc.Direction()
	for i := range eligible {
		c := &eligible[i]
		o, assoc := Org(&c.Company)
		comp := model.ScoreComponents{
			S:      normalize(c.Similarity, lo, hi),
			M:      clamp(Activity(inc, &c.Company)),
			G:      Geo(c),
			O:      clamp(o),
			OPrime: clamp(OrgFit(o, assoc, dir)),
			W:      Web(c.Company.Website),
		}
		c.Components = comp
		c.Final = clamp(s.w.Semantic*comp.S + s.w.Activity*comp.M + s.w.Geo*comp.G +
			s.w.Org*comp.OPrime + s.w.Web*comp.W)
	}

	SortByScore(eligible)
	if len(eligible) > model.MaxMatches {
		eligible = eligible[:model.MaxMatches]
	}
	return eligible
}

// SortByScore orders by final score desc, similarity desc, company id asc.
func SortByScore(cs []model.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Final != b.Final {
			return a.Final > b.Final
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.Company.ID < b.Company.ID
	})
}

// SortBySimilarity orders by similarity desc, company id asc.
func SortBySimilarity(cs []model.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Similarity != cs[j].Similarity {
			return cs[i].Similarity > cs[j].Similarity
		}
		return cs[i].Company.ID < cs[j].Company.ID
	})
}

// Entries converts ranked scored candidates into match entries.
func Entries(cs []model.Candidate) []model.MatchEntry {
	out := make([]model.MatchEntry, len(cs))
	for i, c := range cs {
		out[i] = model.MatchEntry{
			CompanyID:     c.Company.ID,
			CompanyName:   c.Company.Name,
			Rank:          i + 1,
			FinalScore:    c.Final,
			SemanticScore: c.Similarity,
			Components:    c.Components,
		}
	}
	return out
}

// SemanticEntries ranks candidates by similarity alone. Both scores carry
// the raw similarity.
func SemanticEntries(cs []model.Candidate) []model.MatchEntry {
	sorted := append([]model.Candidate(nil), cs...)
	SortBySimilarity(sorted)
	if len(sorted) > model.MaxMatches {
		sorted = sorted[:model.MaxMatches]
	}
	out := make([]model.MatchEntry, len(sorted))
	for i, c := range sorted {
		out[i] = model.MatchEntry{
			CompanyID:     c.Company.ID,
			CompanyName:   c.Company.Name,
			Rank:          i + 1,
			FinalScore:    c.Similarity,
			SemanticScore: c.Similarity,
		}
	}
	return out
}

func normalize(v, lo, hi float64) float64 {
	if hi-lo < 1e-12 {
		return 1
	}
	return clamp((v - lo) / (hi - lo))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
