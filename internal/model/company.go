package model

import "strings"

// Company is a candidate applicant.
type Company struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	ClassificationCode  string `json:"classification_code,omitempty"`
	ClassificationLabel string `json:"classification_label,omitempty"`
	Activity            string `json:"activity,omitempty"`
	Website             string `json:"website,omitempty"`
	LegalForm           string `json:"legal_form,omitempty"`
}

// ProfileText is the text embedded into the company vector.
func (c *Company) ProfileText() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Name, c.ClassificationLabel, c.Activity} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// LegalFormOrName returns the legal form, falling back to the registered
// name which usually carries the form as a suffix ("Lda", "S.A.").
func (c *Company) LegalFormOrName() string {
	if strings.TrimSpace(c.LegalForm) != "" {
		return c.LegalForm
	}
	return c.Name
}
