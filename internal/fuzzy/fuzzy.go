// Package fuzzy scores string similarity on a 0-100 scale and picks the
// closest existing entity for a name.
package fuzzy

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// DefaultThreshold leans toward creating a new entity over merging
// dissimilar ones.
const DefaultThreshold = 95

// Ratio is the edit-distance similarity 100*(la+lb-d)/(la+lb), rounded.
// Two empty strings score 100.
func Ratio(a, b string) int {
	la, lb := len([]rune(a)), len([]rune(b))
	if la+lb == 0 {
		return 100
	}
	d := levenshtein.ComputeDistance(a, b)
	return int(math.Round(100 * float64(la+lb-d) / float64(la+lb)))
}

// TokenSetRatio compares the sorted token intersection against each side's
// remainder, so word order and repeated tokens do not matter. Input with no
// alphanumeric token scores 0.
func TokenSetRatio(a, b string) int {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var sect, onlyA, onlyB []string
	for t := range ta {
		if _, ok := tb[t]; ok {
			sect = append(sect, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if _, ok := ta[t]; !ok {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(sect)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(sect, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := 0
	if base != "" {
		best = max(Ratio(base, withA), Ratio(base, withB))
	}
	return max(best, Ratio(withA, withB))
}

// Score is the larger of Ratio and TokenSetRatio on trimmed, lower-cased
// input.
func Score(a, b string) int {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	return max(Ratio(a, b), TokenSetRatio(a, b))
}

// Match is the item FindSimilar selected.
type Match[T any] struct {
	Item  T
	Index int
	Score int
}

// FindSimilar returns the highest-scoring item whose score is at least
// threshold. Ties keep the earliest item.
func FindSimilar[T any](name string, items []T, nameOf func(T) string, threshold int) (Match[T], bool) {
	var best Match[T]
	found := false
	for i, it := range items {
		s := Score(name, nameOf(it))
		if s < threshold {
			continue
		}
		if !found || s > best.Score {
			best = Match[T]{Item: it, Index: i, Score: s}
			found = true
		}
	}
	return best, found
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}
