package study

import (
	"regexp"
	"sort"
	"strings"
)

var (
	nonAlphaRegex = regexp.MustCompile(`[^A-Z\s]`)
	nonAlnumRegex = regexp.MustCompile(`[^A-Z0-9]+`)
)

// nameParts splits a patient name into upper-case alphabetic components.
// Handles: "SMITH^JOHN", "John Smith", "smith, john", "Müller^Jörg".
func nameParts(name string) []string {
	name = strings.ToUpper(foldAccents(name))
	name = strings.ReplaceAll(name, "^", " ")
	name = strings.ReplaceAll(name, ",", " ")
	name = nonAlphaRegex.ReplaceAllString(name, "")
	return strings.Fields(name)
}

// NormalizeName normalizes a patient name for consistent matching: the
// components are sorted, so "SMITH^JOHN" and "John Smith" normalize alike.
func NormalizeName(name string) string {
	parts := nameParts(name)
	sort.Strings(parts)
	return strings.Join(parts, "")
}

// PatientMatches reports whether a patient name satisfies a filter. Every
// component of the filter must occur inside some component of the name, in
// any order and ignoring case and accents: "smi" and "john smith" both
// match "SMITH^JOHN". An empty filter matches everything.
func PatientMatches(filter, name string) bool {
	want := nameParts(filter)
	if len(want) == 0 {
		return true
	}
	have := nameParts(name)
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.Contains(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// WildcardQuery turns a patient filter into a C-FIND PatientName wildcard
// ("*SMITH*"). Punctuation inside a word matches anything, so "smith-jones"
// becomes "*SMITH*JONES*". The archive does the coarse match;
// PatientMatches refines it.
func WildcardQuery(filter string) string {
	name := strings.ToUpper(foldAccents(filter))
	name = strings.NewReplacer("^", " ", ",", " ").Replace(name)

	// Component order in the stored name is unknown; search on the word
	// with the most letters only.
	best, bestLen := "", 0
	for _, word := range strings.Fields(name) {
		if n := len(nonAlnumRegex.ReplaceAllString(word, "")); n > bestLen {
			best, bestLen = word, n
		}
	}
	if bestLen == 0 {
		return "*"
	}
	return "*" + strings.Trim(nonAlnumRegex.ReplaceAllString(best, "*"), "*") + "*"
}
