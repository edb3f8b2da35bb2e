package lexicon

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// entry is one compiled vocabulary term.
type entry struct {
	// canonical is the term with its registered casing, space-normalized.
	canonical string
	lower     string
	tokens    []string
	// tokenCodes holds the Double Metaphone codes of each token. Tokens
	// that produce no code (digits, lone vowels) get an empty set.
	tokenCodes []map[string]struct{}
}

// vocabulary is the compiled term set handed to match.
type vocabulary struct {
	entries  []entry
	maxWords int
}

// compile normalizes, deduplicates, and phonetically encodes terms.
// maxWords starts at 2 so a single-word term split in two by the recognizer
// ("dash scope") can still collapse into it.
func compile(terms []string) *vocabulary {
	v := &vocabulary{maxWords: 2}
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		canonical := strings.Join(strings.Fields(t), " ")
		if canonical == "" {
			continue
		}
		lower := strings.ToLower(canonical)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}

		tokens := strings.Fields(lower)
		codes := make([]map[string]struct{}, len(tokens))
		for i, tok := range tokens {
			codes[i] = codesFor([]string{tok})
		}
		v.entries = append(v.entries, entry{
			canonical:  canonical,
			lower:      lower,
			tokens:     tokens,
			tokenCodes: codes,
		})
		if len(tokens) > v.maxWords {
			v.maxWords = len(tokens)
		}
	}
	return v
}

// match finds the vocabulary entry most similar to the given window.
//
// An entry is a phonetic candidate only when every one of its tokens shares
// a Double Metaphone code with the window; phonetic candidates are accepted
// from phonThreshold up. Everything else needs the stricter fuzzyThreshold
// on plain string similarity. Requiring full coverage instead of any single
// shared code keeps an incidental word in common ("research" inside "deep
// research mode") from pulling whole sentences onto the lenient bar. A
// phonetic candidate always outranks a fuzzy-only one.
func (v *vocabulary) match(window string, windowTokens []string, phonThreshold, fuzzyThreshold float64) (entry, float64, bool) {
	if strings.TrimSpace(window) == "" {
		return entry{}, 0, false
	}
	inputCodes := codesFor(windowTokens)

	var best entry
	var bestScore float64
	var bestPhonetic, found bool

	for _, e := range v.entries {
		score := similarity(windowTokens, e.tokens, window, e.lower)
		if covered(e.tokenCodes, inputCodes) {
			if score >= phonThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic, found = e, score, true, true
			}
		} else if !bestPhonetic && score >= fuzzyThreshold && score > bestScore {
			best, bestScore, found = e, score, true
		}
	}
	return best, bestScore, found
}

// covered reports whether every term token with a phonetic code shares at
// least one code with the window. Codeless tokens carry no phonetic
// evidence and are skipped.
func covered(termTokenCodes []map[string]struct{}, windowCodes map[string]struct{}) bool {
	for _, tc := range termTokenCodes {
		if len(tc) == 0 {
			continue
		}
		if !codesOverlap(tc, windowCodes) {
			return false
		}
	}
	return true
}

// codesFor returns the union of Double Metaphone codes for the tokens.
// Tokens too short or vowel-only can produce empty codes; those are skipped.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity returns the higher Jaro-Winkler score of two comparisons: the
// full strings, and the space-stripped strings (so "dash scope" lines up
// with "dashscope"). Best-token-pair scoring is deliberately absent: a
// window containing one exact token of a multi-word term would score a
// perfect pair and get rewritten into the whole term.
func similarity(windowTokens, termTokens []string, window, term string) float64 {
	score := matchr.JaroWinkler(window, term, false)

	if len(windowTokens) > 1 || len(termTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(windowTokens, ""), strings.Join(termTokens, ""), false)
		if joined > score {
			score = joined
		}
	}
	return score
}

// splitToken separates a token into leading punctuation, core, and trailing
// punctuation. The core starts at the first letter or digit and ends at the
// last one, so "(loki?)" splits into "(", "loki", "?)".
func splitToken(tok string) (prefix, core, suffix string) {
	start := 0
	for start < len(tok) {
		r, size := utf8.DecodeRuneInString(tok[start:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			break
		}
		start += size
	}
	end := len(tok)
	for end > start {
		r, size := utf8.DecodeLastRuneInString(tok[start:end])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			break
		}
		end -= size
	}
	return tok[:start], tok[start:end], tok[end:]
}
