package lexicon

import (
	"fmt"
	"sync"
	"testing"
)

func newCorrector(t *testing.T, terms ...string) *Corrector {
	t.Helper()
	c := New()
	c.SetVocabulary(terms)
	return c
}

func assertOneFix(t *testing.T, fixes []Correction, original, corrected string, minConfidence float64) {
	t.Helper()
	if len(fixes) != 1 {
		t.Fatalf("got %d corrections, want 1: %+v", len(fixes), fixes)
	}
	fix := fixes[0]
	if fix.Original != original {
		t.Errorf("fix.Original = %q, want %q", fix.Original, original)
	}
	if fix.Corrected != corrected {
		t.Errorf("fix.Corrected = %q, want %q", fix.Corrected, corrected)
	}
	if fix.Confidence < minConfidence || fix.Confidence > 1.0 {
		t.Errorf("fix.Confidence = %.3f, want within [%.2f, 1.0]", fix.Confidence, minConfidence)
	}
}

func TestCorrectExactCasing(t *testing.T) {
	t.Parallel()
	c := newCorrector(t, "Loqui")

	got, fixes := c.Correct("tell me about loqui")
	if got != "tell me about Loqui" {
		t.Fatalf("Correct() = %q, want %q", got, "tell me about Loqui")
	}
	assertOneFix(t, fixes, "loqui", "Loqui", 0.99)
}

func TestCorrectMisheardTerm(t *testing.T) {
	t.Parallel()
	c := newCorrector(t, "Loqui")

	got, fixes := c.Correct("is loki ready")
	if got != "is Loqui ready" {
		t.Fatalf("Correct() = %q, want %q", got, "is Loqui ready")
	}
	assertOneFix(t, fixes, "loki", "Loqui", 0.75)
}

func TestCorrectCollapsesSplitTerm(t *testing.T) {
	t.Parallel()
	c := newCorrector(t, "DashScope")

	got, fixes := c.Correct("dash scope is down")
	if got != "DashScope is down" {
		t.Fatalf("Correct() = %q, want %q", got, "DashScope is down")
	}
	assertOneFix(t, fixes, "dash scope", "DashScope", 0.99)
}

func TestCorrectMultiWordTerm(t *testing.T) {
	t.Parallel()
	c := newCorrector(t, "Qwen Realtime", "Loqui")

	got, fixes := c.Correct("switch to quen realtime now")
	if got != "switch to Qwen Realtime now" {
		t.Fatalf("Correct() = %q, want %q", got, "switch to Qwen Realtime now")
	}
	assertOneFix(t, fixes, "quen realtime", "Qwen Realtime", 0.85)
}

func TestCorrectKeepsPunctuation(t *testing.T) {
	t.Parallel()
	c := newCorrector(t, "Loqui")

	got, fixes := c.Correct("are you there, loki?")
	if got != "are you there, Loqui?" {
		t.Fatalf("Correct() = %q, want %q", got, "are you there, Loqui?")
	}
	assertOneFix(t, fixes, "loki?", "Loqui", 0.75)
}

func TestCorrectLeavesCleanTextAlone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		terms []string
		text  string
	}{
		{
			name:  "unrelated words",
			terms: []string{"Loqui", "DashScope"},
			text:  "the quick brown fox",
		},
		{
			// One shared word must not drag the whole term in.
			name:  "partial term overlap",
			terms: []string{"deep research mode"},
			text:  "my research stalled",
		},
		{
			// "the weather" clears the bar too, but the exact word right
			// after it must win; the already-canonical match records no fix.
			name:  "article before exact term",
			terms: []string{"weather"},
			text:  "the weather is nice",
		},
		{
			name:  "irregular spacing survives",
			terms: []string{"weather"},
			text:  "the   weather is  nice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newCorrector(t, tt.terms...)
			got, fixes := c.Correct(tt.text)
			if got != tt.text {
				t.Errorf("Correct(%q) = %q, want input unchanged", tt.text, got)
			}
			if fixes != nil {
				t.Errorf("got %d corrections, want none: %+v", len(fixes), fixes)
			}
		})
	}
}

func TestCorrectEmptyInputs(t *testing.T) {
	t.Parallel()

	t.Run("no vocabulary", func(t *testing.T) {
		t.Parallel()
		c := New()
		got, fixes := c.Correct("hello loki")
		if got != "hello loki" || fixes != nil {
			t.Fatalf("Correct() = %q, %v; want input unchanged, nil", got, fixes)
		}
	})
	t.Run("empty vocabulary", func(t *testing.T) {
		t.Parallel()
		c := newCorrector(t, " ", "")
		got, fixes := c.Correct("hello loki")
		if got != "hello loki" || fixes != nil {
			t.Fatalf("Correct() = %q, %v; want input unchanged, nil", got, fixes)
		}
	})
	t.Run("empty text", func(t *testing.T) {
		t.Parallel()
		c := newCorrector(t, "Loqui")
		got, fixes := c.Correct("")
		if got != "" || fixes != nil {
			t.Fatalf("Correct() = %q, %v; want empty, nil", got, fixes)
		}
	})
	t.Run("whitespace text", func(t *testing.T) {
		t.Parallel()
		c := newCorrector(t, "Loqui")
		got, fixes := c.Correct("   ")
		if got != "   " || fixes != nil {
			t.Fatalf("Correct() = %q, %v; want input unchanged, nil", got, fixes)
		}
	})
}

func TestSetVocabularyDedup(t *testing.T) {
	t.Parallel()
	c := New()
	c.SetVocabulary([]string{"Loqui", " loqui ", "", "DashScope", "dashscope"})

	got := c.Terms()
	want := []string{"Loqui", "DashScope"}
	if len(got) != len(want) {
		t.Fatalf("Terms() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Terms()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSetVocabularyReplacesPrevious(t *testing.T) {
	t.Parallel()
	c := newCorrector(t, "Loqui")
	c.SetVocabulary([]string{"DashScope"})

	if got, _ := c.Correct("ask loki"); got != "ask loki" {
		t.Errorf("Correct() = %q, want old term forgotten", got)
	}
	got, fixes := c.Correct("check dash scope")
	if got != "check DashScope" || len(fixes) != 1 {
		t.Errorf("Correct() = %q (%d fixes), want %q with 1 fix", got, len(fixes), "check DashScope")
	}
}

func TestCorrectorConcurrentUse(t *testing.T) {
	t.Parallel()
	c := newCorrector(t, "Loqui")

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.SetVocabulary([]string{"Loqui", fmt.Sprintf("Term%d", i)})
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				c.Correct("is loki ready")
			}
		}()
	}
	wg.Wait()

	got, _ := c.Correct("is loki ready")
	if got != "is Loqui ready" {
		t.Fatalf("Correct() after concurrent swaps = %q, want %q", got, "is Loqui ready")
	}
}

func TestSplitToken(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tok, prefix, core, suffix string
	}{
		{"hello", "", "hello", ""},
		{"(loki?)", "(", "loki", "?)"},
		{"loki?", "", "loki", "?"},
		{"...", "...", "", ""},
		{"né?", "", "né", "?"},
		{"3pm.", "", "3pm", "."},
		{"", "", "", ""},
	}
	for _, tt := range tests {
		prefix, core, suffix := splitToken(tt.tok)
		if prefix != tt.prefix || core != tt.core || suffix != tt.suffix {
			t.Errorf("splitToken(%q) = %q, %q, %q; want %q, %q, %q",
				tt.tok, prefix, core, suffix, tt.prefix, tt.core, tt.suffix)
		}
	}
}
