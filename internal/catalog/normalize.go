package catalog

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize prepares an item name for matching: NFKC-normalize so composed
// and compatibility forms compare equal, case-fold, trim, strip leading
// bullet/numbering junk, collapse internal whitespace.
func Normalize(text string) string {
	s := norm.NFKC.String(text)
	s = cases.Fold().String(s)
	s = stripLeadingMarkers(strings.TrimSpace(s))
	return collapseSpaces(s)
}

// stripLeadingMarkers removes bullets, dashes, list numbers and surrounding
// punctuation from the start of the string, e.g. "1) PVC Pipe" or "• PVC Pipe".
func stripLeadingMarkers(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		switch r {
		case '•', '-', '–', '—', '*', ')', '(', '.':
			return true
		}
		return unicode.IsDigit(r) || unicode.IsSpace(r)
	})
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// tokens splits a normalized string into its whitespace-separated token set.
func tokens(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(s) {
		set[f] = struct{}{}
	}
	return set
}
