package topic

import (
	"strings"
	"unicode"
)

// Normalize returns the canonical form of a free-text topic: lowercased,
// punctuation replaced with spaces, whitespace collapsed, and a single
// trailing "s" stripped per token as a naive singularization. "Holiday
// Parties!" and "holiday party" normalize to the same neighborhood without
// needing embeddings.
func Normalize(topic string) string {
	var b strings.Builder
	b.Grow(len(topic))
	for _, r := range strings.ToLower(topic) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '’':
			// Drop apostrophes outright so possessives collapse onto the
			// bare noun instead of leaving a stray "s" token.
		default:
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for i, tok := range tokens {
		tokens[i] = singularize(tok)
	}
	return strings.Join(tokens, " ")
}

// singularize strips one trailing "s" from a token. Intentionally naive:
// "parties" becomes "partie", but so does every other mention of it, which
// is all similarity needs.
func singularize(tok string) string {
	if len(tok) > 1 && strings.HasSuffix(tok, "s") {
		return tok[:len(tok)-1]
	}
	return tok
}

// similarityThreshold is the minimum ratio of shared meaningful tokens to
// the smaller token set. Tuned for recall: a rare false merge is cheap, a
// duplicate proactive mention erodes trust.
const similarityThreshold = 0.5

// IsSimilar reports whether two topic strings refer to the same
// conversational thread. True when the canonical forms are equal, when one
// contains the other, or when at least half of the smaller set of
// meaningful tokens (length > 2) overlaps.
func IsSimilar(a, b string) bool {
	ca := Normalize(a)
	cb := Normalize(b)
	if ca == "" || cb == "" {
		return false
	}
	if ca == cb {
		return true
	}
	if strings.Contains(ca, cb) || strings.Contains(cb, ca) {
		return true
	}

	ta := meaningfulTokens(ca)
	tb := meaningfulTokens(cb)
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	if smaller == 0 {
		return false
	}

	shared := 0
	for tok := range ta {
		if tb[tok] {
			shared++
		}
	}
	return float64(shared)/float64(smaller) >= similarityThreshold
}

// meaningfulTokens returns the set of tokens long enough to carry signal.
// Short glue words ("a", "is", "to") are excluded from the overlap ratio.
func meaningfulTokens(canonical string) map[string]bool {
	m := make(map[string]bool)
	for _, tok := range strings.Fields(canonical) {
		if len(tok) > 2 {
			m[tok] = true
		}
	}
	return m
}
