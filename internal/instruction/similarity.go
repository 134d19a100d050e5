package instruction

import (
	"strings"
	"unicode"
)

// minTokenLength: tokens of this length or shorter are ignored.
const minTokenLength = 3

// longTokenLength: shared tokens longer than this earn a bonus.
const longTokenLength = 4

const longTokenBonus = 0.1

var stopWords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "into": true,
	"your": true, "have": true, "will": true, "then": true, "than": true,
	"them": true, "they": true, "what": true, "when": true, "where": true,
	"which": true, "while": true, "should": true, "would": true, "could": true,
	"there": true, "their": true, "these": true, "those": true, "about": true,
	"please": true, "also": true, "just": true, "make": true, "sure": true,
}

// Similarity scores the word overlap between two texts in [0, 1]:
//
//	|common| / max(|A|, |B|) + 0.1 per common token longer than 4 runes
//
// computed over distinct tokens. Tokens of three runes or fewer and stop
// words are dropped; when that leaves either side empty the unfiltered
// tokens are compared instead, so very short instructions ("do x") can
// still match themselves.
func Similarity(a, b string) float64 {
	ta, tb := tokens(a, true), tokens(b, true)
	if len(ta) == 0 || len(tb) == 0 {
		ta, tb = tokens(a, false), tokens(b, false)
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	common, long := 0, 0
	for t := range ta {
		if tb[t] {
			common++
			if len([]rune(t)) > longTokenLength {
				long++
			}
		}
	}
	if common == 0 {
		return 0
	}

	denom := len(ta)
	if len(tb) > denom {
		denom = len(tb)
	}
	score := float64(common)/float64(denom) + longTokenBonus*float64(long)
	if score > 1 {
		score = 1
	}
	return score
}

func tokens(s string, filter bool) map[string]bool {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)

	out := make(map[string]bool)
	for _, w := range strings.Fields(cleaned) {
		if filter && (len([]rune(w)) <= minTokenLength || stopWords[w]) {
			continue
		}
		out[w] = true
	}
	return out
}
