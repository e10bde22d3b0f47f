package catalog

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// similarity returns a normalized edit-distance similarity in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// tokenSetScore compares two normalized strings by their token sets, so that
// word order and repeated words do not hurt the score. "pipe pvc 2in" scores
// high against "pvc pipe 2in". Both inputs must already be normalized.
func tokenSetScore(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var inter, onlyA, onlyB []string
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if _, ok := ta[t]; !ok {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(inter, " ")
	full1 := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	full2 := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	// One side's tokens being a subset of the other's is a perfect
	// token-set score.
	if base != "" && (len(onlyA) == 0 || len(onlyB) == 0) {
		return 1
	}

	best := similarity(full1, full2)
	if base != "" {
		if s := similarity(base, full1); s > best {
			best = s
		}
		if s := similarity(base, full2); s > best {
			best = s
		}
	}
	return best
}
