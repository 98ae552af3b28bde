package dupdetect

import (
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

const (
	// minTitleLength gates title-based matching: titles this short are
	// too generic to identify an opportunity.
	minTitleLength = 10

	// levenshteinThreshold is the similarity ratio above which two
	// titles that are neither equal nor substrings still count as
	// similar.
	levenshteinThreshold = 0.9
)

// TitleMatchable returns true iff the title is long enough to participate
// in title-based matching.
func TitleMatchable(title string) bool {
	return len(strings.TrimSpace(title)) > minTitleLength
}

// NormalizeTitle lowercases and trims a title for comparison and lookup.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// TitlesSimilar reports whether two titles identify the same opportunity.
// Titles match if they are equal after normalization, if one contains the
// other and the shorter is at least minTitleLength characters, or if their
// Levenshtein similarity ratio is at least levenshteinThreshold.
func TitlesSimilar(a, b string) bool {
	na, nb := NormalizeTitle(a), NormalizeTitle(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	shorter := len(na)
	if len(nb) < shorter {
		shorter = len(nb)
	}
	if shorter >= minTitleLength && (strings.Contains(na, nb) || strings.Contains(nb, na)) {
		return true
	}
	return levenshtein.RatioForStrings([]rune(na), []rune(nb), levenshtein.DefaultOptions) >= levenshteinThreshold
}
