// Package scoring blends semantic, activity, geographic, organizational and
// web-presence signals into one bounded score per eligible candidate.
package scoring

import (
	"math"

	"github.com/rotisserie/eris"
)

// Weights are the blend coefficients of the five components.
type Weights struct {
	Semantic float64 `json:"semantic" mapstructure:"semantic"`
	Activity float64 `json:"activity" mapstructure:"activity"`
	Geo      float64 `json:"geo" mapstructure:"geo"`
	Org      float64 `json:"org" mapstructure:"org"`
	Web      float64 `json:"web" mapstructure:"web"`
}

// DefaultWeights returns 0.50 S + 0.20 M + 0.10 G + 0.15 O' + 0.05 W.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.50, Activity: 0.20, Geo: 0.10, Org: 0.15, Web: 0.05}
}

// Validate checks that every weight is non-negative and that they sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Semantic, w.Activity, w.Geo, w.Org, w.Web} {
		if v < 0 || math.IsNaN(v) {
			return eris.Errorf("scoring: negative weight %v", v)
		}
	}
	if sum := w.Semantic + w.Activity + w.Geo + w.Org + w.Web; math.Abs(sum-1) > 1e-9 {
		return eris.Errorf("scoring: weights sum to %v, want 1", sum)
	}
	return nil
}
