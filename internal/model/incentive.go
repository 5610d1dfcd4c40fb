// Package model defines the incentive, company, location and match types
// shared across the matching pipeline.
package model

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/incentive-matcher/internal/textnorm"
)

// ErrInvalidIncentive marks an incentive that cannot be matched because a
// required field is missing.
var ErrInvalidIncentive = eris.New("model: invalid incentive")

// OrgDirection values.
const (
	DirectionNonprofit = 0
	DirectionSmall     = -1
	DirectionLarge     = 1
)

// Incentive is a funding program. It is read-only once matching begins.
type Incentive struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Sector          string  `json:"sector"`
	GeoRequirement  string  `json:"geo_requirement"`
	EligibleActions string  `json:"eligible_actions"`
	Description     string  `json:"description,omitempty"`
	FundingRate     float64 `json:"funding_rate,omitempty"`
	BudgetCeiling   float64 `json:"budget_ceiling,omitempty"`
	OrgDirection    *int    `json:"org_direction,omitempty"`
}

// QueryText is the text embedded to retrieve candidates: sector, optional
// description and eligible actions, space separated and otherwise untouched.
func (i *Incentive) QueryText() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{i.Sector, i.Description, i.EligibleActions} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Validate reports missing fields that make the incentive unmatchable.
func (i *Incentive) Validate() error {
	switch {
	case strings.TrimSpace(i.ID) == "":
		return eris.Wrap(ErrInvalidIncentive, "missing id")
	case strings.TrimSpace(i.GeoRequirement) == "":
		return eris.Wrapf(ErrInvalidIncentive, "incentive %s: missing geographic requirement", i.ID)
	case strings.TrimSpace(i.Sector) == "" && strings.TrimSpace(i.EligibleActions) == "":
		return eris.Wrapf(ErrInvalidIncentive, "incentive %s: missing sector and eligible actions", i.ID)
	case i.OrgDirection != nil && (*i.OrgDirection < -1 || *i.OrgDirection > 1):
		return eris.Wrapf(ErrInvalidIncentive, "incentive %s: org_direction %d out of range", i.ID, *i.OrgDirection)
	}
	return nil
}

// Direction returns the stored org_direction or infers one from the text.
func (i *Incentive) Direction() int {
	if i.OrgDirection != nil {
		return *i.OrgDirection
	}
	return InferOrgDirection(i.Title + " " + i.Sector + " " + i.EligibleActions)
}

var (
	socialKeywords = []string{"associação", "cooperativa", "social", "nonprofit", "terceiro setor", "ipss"}
	smallKeywords  = []string{"pme", "pequena", "micro", "startup", "empreendedor"}
	largeKeywords  = []string{"grande empresa", "multinacional", "corporação", "s.a.", "administração pública", "governo"}
)

// InferOrgDirection guesses the preferred applicant type from free text.
// Social wording wins over small-business wording, which wins over large.
func InferOrgDirection(text string) int {
	switch {
	case textnorm.ContainsAny(text, socialKeywords...):
		return DirectionNonprofit
	case textnorm.ContainsAny(text, smallKeywords...):
		return DirectionSmall
	case textnorm.ContainsAny(text, largeKeywords...):
		return DirectionLarge
	default:
		return DirectionNonprofit
	}
}
