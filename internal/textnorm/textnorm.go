// Package textnorm folds Portuguese and English free text into comparable
// lowercase, accent-free tokens.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold applies NFKC, strips combining marks and control characters, and
// lowercases. "Associação" and "associacao" fold to the same string.
func Fold(s string) string {
	t := transform.Chain(norm.NFKC, norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, out)
	return strings.ToLower(strings.TrimSpace(out))
}

// ContainsAny reports whether the folded text contains any folded keyword.
func ContainsAny(text string, keywords ...string) bool {
	folded := Fold(text)
	for _, k := range keywords {
		if strings.Contains(folded, Fold(k)) {
			return true
		}
	}
	return false
}

// Tokens splits folded text into a set of words, dropping punctuation,
// single characters and any word in stop.
func Tokens(text string, stop map[string]struct{}) map[string]struct{} {
	words := strings.FieldsFunc(Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len([]rune(w)) < 2 {
			continue
		}
		if _, skip := stop[w]; skip {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}
