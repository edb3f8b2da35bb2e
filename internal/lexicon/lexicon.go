// Package lexicon fixes misheard vocabulary in committed transcripts.
//
// Speech recognition is rarely perfect for the words that matter most here:
// skill names, product names, and whatever jargon the operator registers via
// LEXICON_TERMS. "loki" for "Loqui" or "dash scope" for "DashScope" would
// otherwise flow straight into the conversation history and confuse tool
// selection.
//
// The Corrector realigns such spans using pronunciation similarity: Double
// Metaphone codes filter candidates, Jaro-Winkler similarity ranks them.
// Multi-word terms are matched with n-gram windows so "dash scope" can
// collapse into one term. Matching is dictionary-free and in-process, cheap
// enough to run on every committed utterance; live partials are never
// touched.
package lexicon

import (
	"log/slog"
	"strings"
	"sync"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction captures a single span substitution.
type Correction struct {
	// Original is the span as recognised, punctuation included.
	Original string `json:"original"`

	// Corrected is the canonical vocabulary term that replaced it.
	Corrected string `json:"corrected"`

	// Confidence is the similarity score of the substitution (0.0 to 1.0).
	Confidence float64 `json:"confidence"`
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate exists and matching falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Corrector) { c.log = log }
}

// Corrector rewrites vocabulary look-alikes in transcript text.
//
// The vocabulary is compiled once per [Corrector.SetVocabulary] call, so the
// per-utterance cost is bounded by the utterance length, not the term count
// times token count on the phonetic stage. Safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	log               *slog.Logger

	mu    sync.RWMutex
	vocab *vocabulary
}

// New returns a Corrector with an empty vocabulary.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		log:               slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetVocabulary replaces the known terms and precompiles their phonetic
// codes. Terms keep their given casing in corrected output; duplicates
// (case-insensitive) and blanks are dropped. Call it again whenever the
// skill catalog changes.
func (c *Corrector) SetVocabulary(terms []string) {
	v := compile(terms)
	c.mu.Lock()
	c.vocab = v
	c.mu.Unlock()
	c.log.Debug("lexicon vocabulary set", "terms", len(v.entries))
}

// Terms returns the compiled vocabulary in registration order.
func (c *Corrector) Terms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vocab == nil {
		return nil
	}
	out := make([]string, len(c.vocab.entries))
	for i, e := range c.vocab.entries {
		out[i] = e.canonical
	}
	return out
}

// Correct rewrites vocabulary look-alikes in text and reports what changed.
//
// Tokens are compared with surrounding punctuation stripped, and punctuation
// around a rewritten span survives the rewrite ("loki?" becomes "Loqui?").
// At each position the longest matching n-gram window wins, so multi-word
// terms take precedence over partial single-word matches. Text without any
// match comes back unchanged with a nil correction list.
func (c *Corrector) Correct(text string) (string, []Correction) {
	c.mu.RLock()
	vocab := c.vocab
	phonThreshold, fuzzyThreshold := c.phoneticThreshold, c.fuzzyThreshold
	c.mu.RUnlock()

	if vocab == nil || len(vocab.entries) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	// Separate each token into punctuation shell and lowercased core once.
	prefixes := make([]string, len(tokens))
	cores := make([]string, len(tokens))
	suffixes := make([]string, len(tokens))
	for i, tok := range tokens {
		pre, core, suf := splitToken(tok)
		prefixes[i], cores[i], suffixes[i] = pre, strings.ToLower(core), suf
	}

	// bestAt scores every window size at position i and returns the best
	// match. Taking the first (longest) match instead would let a long
	// window swallow the word after a term whenever the prefix-weighted
	// similarity stays above threshold.
	bestAt := func(i int) (entry, float64, int) {
		var bestEntry entry
		var bestScore float64
		bestN := 0
		for n := min(vocab.maxWords, len(tokens)-i); n >= 1; n-- {
			window := cores[i : i+n]
			e, score, ok := vocab.match(strings.Join(window, " "), window, phonThreshold, fuzzyThreshold)
			if ok && score > bestScore {
				bestEntry, bestScore, bestN = e, score, n
			}
		}
		return bestEntry, bestScore, bestN
	}

	var out []string
	var fixes []Correction

	i := 0
	for i < len(tokens) {
		e, score, n := bestAt(i)
		if n == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		// A multi-token window must not shadow a better match starting one
		// token later: "the weather" can clear the bar against "weather"
		// and would otherwise eat the article.
		if n > 1 && i+1 < len(tokens) {
			if _, nextScore, nextN := bestAt(i + 1); nextN > 0 && nextScore > score {
				out = append(out, tokens[i])
				i++
				continue
			}
		}

		replacement := strings.Fields(e.canonical)
		replacement[0] = prefixes[i] + replacement[0]
		last := len(replacement) - 1
		replacement[last] = replacement[last] + suffixes[i+n-1]
		out = append(out, replacement...)

		original := strings.Join(tokens[i:i+n], " ")
		if original != strings.Join(replacement, " ") {
			fixes = append(fixes, Correction{
				Original:   original,
				Corrected:  e.canonical,
				Confidence: score,
			})
		}
		i += n
	}

	// Nothing rewritten: hand back the input byte for byte rather than a
	// rejoined token list.
	if len(fixes) == 0 {
		return text, nil
	}

	corrected := strings.Join(out, " ")
	c.log.Debug("transcript corrected", "fixes", len(fixes), "text", corrected)
	return corrected, fixes
}
