package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// MaxMatches is the number of companies kept per incentive and incentives
// kept per company.
const MaxMatches = 5

// MatchKind distinguishes the two result sets stored per incentive.
type MatchKind string

const (
	// KindSemantic ranks by similarity alone.
	KindSemantic MatchKind = "semantic"
	// KindScored ranks by the blended multi-factor score.
	KindScored MatchKind = "scored"
)

// ScoreComponents are the blended signals of one candidate, each in [0,1].
type ScoreComponents struct {
	S      float64 `json:"s"`
	M      float64 `json:"m"`
	G      float64 `json:"g"`
	O      float64 `json:"o"`
	OPrime float64 `json:"o_prime"`
	W      float64 `json:"w"`
}

// Candidate is one company under evaluation for one incentive run.
type Candidate struct {
	Company    Company
	Similarity float64
	Location   Location
	Eligible   bool
	Components ScoreComponents
	Final      float64
}

// MatchEntry is one ranked row of a match record. Semantic records carry the
// raw cosine similarity as both scores and leave Components zero.
type MatchEntry struct {
	CompanyID     string          `json:"company_id"`
	CompanyName   string          `json:"company_name,omitempty"`
	Rank          int             `json:"rank"`
	FinalScore    float64         `json:"final_score"`
	SemanticScore float64         `json:"semantic_score"`
	Components    ScoreComponents `json:"components"`
}

// MatchRecord is the persisted top set for one incentive.
type MatchRecord struct {
	IncentiveID        string       `json:"incentive_id"`
	Kind               MatchKind    `json:"kind"`
	Entries            []MatchEntry `json:"entries"`
	CandidatesSearched int          `json:"candidates_searched"`
	EligibleCount      int          `json:"eligible_count"`
	Iterations         int          `json:"iterations"`
	RunID              string       `json:"run_id,omitempty"`
	ProcessedAt        time.Time    `json:"processed_at"`
}

// Validate checks rank contiguity, ordering and score bounds.
func (r *MatchRecord) Validate() error {
	if r.IncentiveID == "" {
		return eris.New("model: match record: missing incentive id")
	}
	if r.Kind != KindSemantic && r.Kind != KindScored {
		return eris.Errorf("model: match record %s: unknown kind %q", r.IncentiveID, r.Kind)
	}
	if len(r.Entries) > MaxMatches {
		return eris.Errorf("model: match record %s: %d entries exceeds %d", r.IncentiveID, len(r.Entries), MaxMatches)
	}

	seen := make(map[string]bool, len(r.Entries))
	for i, e := range r.Entries {
		if e.Rank != i+1 {
			return eris.Errorf("model: match record %s: rank %d at position %d", r.IncentiveID, e.Rank, i+1)
		}
		if e.CompanyID == "" || seen[e.CompanyID] {
			return eris.Errorf("model: match record %s: missing or duplicate company at rank %d", r.IncentiveID, e.Rank)
		}
		seen[e.CompanyID] = true

		key := e.FinalScore
		prevKey := 0.0
		if i > 0 {
			prevKey = r.Entries[i-1].FinalScore
		}
		if r.Kind == KindSemantic {
			key = e.SemanticScore
			if i > 0 {
				prevKey = r.Entries[i-1].SemanticScore
			}
		}
		if i > 0 && key > prevKey {
			return eris.Errorf("model: match record %s: score increases at rank %d", r.IncentiveID, e.Rank)
		}

		if math.IsNaN(e.SemanticScore) || math.Abs(e.SemanticScore) > 1 {
			return eris.Errorf("model: match record %s: similarity %f out of range", r.IncentiveID, e.SemanticScore)
		}
		if r.Kind == KindScored && (!inUnit(e.FinalScore) || !e.Components.inRange()) {
			return eris.Errorf("model: match record %s: score out of range at rank %d", r.IncentiveID, e.Rank)
		}
	}
	return nil
}

func (c ScoreComponents) inRange() bool {
	return inUnit(c.S) && inUnit(c.M) && inUnit(c.G) && inUnit(c.O) && inUnit(c.OPrime) && inUnit(c.W)
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// ReverseEntry is one incentive in a company's reverse index.
type ReverseEntry struct {
	IncentiveID    string  `json:"incentive_id"`
	IncentiveTitle string  `json:"incentive_title,omitempty"`
	Rank           int     `json:"rank"`
	IncentiveRank  int     `json:"incentive_rank"`
	Score          float64 `json:"score"`
}

// ReverseIndexEntry lists the best incentives for one company.
type ReverseIndexEntry struct {
	CompanyID string         `json:"company_id"`
	Entries   []ReverseEntry `json:"entries"`
}

// Validate checks rank contiguity and ordering.
func (r *ReverseIndexEntry) Validate() error {
	if len(r.Entries) > MaxMatches {
		return eris.Errorf("model: reverse index %s: %d entries exceeds %d", r.CompanyID, len(r.Entries), MaxMatches)
	}
	for i, e := range r.Entries {
		if e.Rank != i+1 {
			return eris.Errorf("model: reverse index %s: rank %d at position %d", r.CompanyID, e.Rank, i+1)
		}
		if i > 0 && e.Score > r.Entries[i-1].Score {
			return eris.Errorf("model: reverse index %s: score increases at rank %d", r.CompanyID, e.Rank)
		}
	}
	return nil
}
