package scoring

import (
	"net/url"
	"strings"

	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/textnorm"
)

var stopwords = map[string]struct{}{
	"de": {}, "da": {}, "do": {}, "das": {}, "dos": {}, "e": {}, "a": {}, "o": {},
	"para": {}, "com": {}, "em": {}, "por": {}, "no": {}, "na": {},
	"the": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {}, "for": {},
}

// Activity is the Jaccard overlap between the incentive's sector and
// eligible actions and the company's classification label and activity.
func Activity(inc *model.Incentive, c *model.Company) float64 {
	a := textnorm.Tokens(inc.Sector+" "+inc.EligibleActions, stopwords)
	b := textnorm.Tokens(c.ClassificationLabel+" "+c.Activity, stopwords)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// Geo is 1 for a confirmed location that passed the filter, 0.5 when the
// location is unknown but not excluded, and 0 when excluded.
func Geo(c *model.Candidate) float64 {
	switch {
	case !c.Eligible:
		return 0
	case c.Location.Found():
		return 1
	default:
		return 0.5
	}
}

type formRule struct {
	terms []string
	value float64
	assoc bool
}

// Rules are checked in order; the more specific form comes first so
// "SGPS, S.A." is a holding and "Unipessoal, Lda" is single-member.
var formRules = []formRule{
	{terms: []string{"sgps", "holding", "sociedade gestora de participacoes"}, value: 0.6},
	{terms: []string{"associacao", "cooperativa", "fundacao", "ipss", "instituicao particular de solidariedade", "misericordia", "crl", "nonprofit", "non-profit"}, value: 1, assoc: true},
	{terms: []string{"s.a.", "sociedade anonima", " sa", "s/a", "plc", "inc.", "corporation"}, value: 1},
	{terms: []string{"unipessoal", "single-member"}, value: 0.4},
	{terms: []string{"lda", "limitada", "ltd", "llc", "gmbh"}, value: 0.7},
}

// Org is the base organizational capacity read from the legal form, and
// whether that form is associative.
func Org(c *model.Company) (float64, bool) {
	form := " " + textnorm.Fold(c.LegalFormOrName())
	for _, r := range formRules {
		for _, t := range r.terms {
			if matchForm(form, t) {
				return r.value, r.assoc
			}
		}
	}
	return 0.5, false
}

// matchForm matches short forms only at a word end so "Lisa" is not "sa".
func matchForm(form, term string) bool {
	i := strings.Index(form, term)
	for i >= 0 {
		end := i + len(term)
		if end == len(form) || !isWordByte(form[end]) || !isWordByte(term[len(term)-1]) {
			if i == 0 || !isWordByte(form[i-1]) || !isWordByte(term[0]) {
				return true
			}
		}
		next := strings.Index(form[i+1:], term)
		if next < 0 {
			return false
		}
		i += 1 + next
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// OrgFit contextualizes O by the incentive's preferred applicant type.
func OrgFit(o float64, assoc bool, direction int) float64 {
	switch direction {
	case model.DirectionLarge:
		return o
	case model.DirectionSmall:
		return 1 - o
	default:
		if assoc {
			return 1
		}
		return 0.5
	}
}

// Web is 1 for a syntactically valid http(s) URL or bare domain.
func Web(site string) float64 {
	site = strings.TrimSpace(site)
	if site == "" || strings.ContainsAny(site, " \t") {
		return 0
	}
	if !strings.Contains(site, "://") {
		site = "http://" + site
	}
	u, err := url.Parse(site)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return 0
	}
	host := u.Hostname()
	dot := strings.LastIndexByte(host, '.')
	if dot <= 0 || dot == len(host)-1 {
		return 0
	}
	return 1
}
