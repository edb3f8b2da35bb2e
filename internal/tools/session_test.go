package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loquilabs/loqui/internal/identity"
	"github.com/loquilabs/loqui/internal/skills"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// newSkillSet builds an active set over a library holding the given
// name → description pairs.
func newSkillSet(t *testing.T, defs map[string]string) *skills.ActiveSet {
	t.Helper()
	dir := t.TempDir()
	for name, desc := range defs {
		sub := filepath.Join(dir, name)
		must(t, os.MkdirAll(sub, 0o755))
		content := fmt.Sprintf("---\nname: %s\ndescription: %s\n---\n\nInstructions for %s.\n", name, desc, name)
		must(t, os.WriteFile(filepath.Join(sub, "SKILL.md"), []byte(content), 0o644))
	}
	lib := skills.NewLibrary([]string{dir})
	must(t, lib.Reload())
	return skills.NewActiveSet(lib)
}

func newIdentityStore(t *testing.T) *identity.Store {
	t.Helper()
	store, err := identity.New(t.TempDir())
	must(t, err)
	must(t, store.Load())
	return store
}

// fakeTranscripts is a canned TranscriptSearcher.
type fakeTranscripts struct {
	hits []TurnHit
	err  error
}

func (f *fakeTranscripts) SearchTurns(_ context.Context, _ string, limit int) ([]TurnHit, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Skill tools
// ──────────────────────────────────────────────────────────────────────────────

func TestListSkillsEmpty(t *testing.T) {
	t.Parallel()
	set := newSkillSet(t, nil)

	out, err := callTool(t, NewListSkills(set), "{}")
	must(t, err)
	if out != "No skills are available." {
		t.Errorf("out = %q", out)
	}
}

func TestListSkills(t *testing.T) {
	t.Parallel()
	set := newSkillSet(t, map[string]string{
		"alpha": "First skill",
		"beta":  "Second skill",
	})
	must(t, set.Activate("beta"))

	out, err := callTool(t, NewListSkills(set), "{}")
	must(t, err)

	want := "- alpha [inactive]: First skill\n- beta [active]: Second skill"
	if out != want {
		t.Errorf("out = %q, want %q", out, want)
	}
}

func TestActivateSkill(t *testing.T) {
	t.Parallel()
	set := newSkillSet(t, map[string]string{"alpha": "First skill"})

	out, err := callTool(t, NewActivateSkill(set), `{"skill_name":"alpha"}`)
	must(t, err)
	if out != "Activated skill: alpha (First skill)" {
		t.Errorf("out = %q", out)
	}
	if !set.IsActive("alpha") {
		t.Error("skill not active after tool call")
	}
}

func TestActivateSkillUnknown(t *testing.T) {
	t.Parallel()
	set := newSkillSet(t, map[string]string{"alpha": "First skill"})

	_, err := callTool(t, NewActivateSkill(set), `{"skill_name":"ghost"}`)
	if err == nil {
		t.Fatal("expected error for unknown skill, got nil")
	}
	if !strings.Contains(err.Error(), "not found") || !strings.Contains(err.Error(), "alpha") {
		t.Errorf("err = %v, want not-found with available names", err)
	}
}

func TestActivateSkillEmptyName(t *testing.T) {
	t.Parallel()
	set := newSkillSet(t, nil)

	if _, err := callTool(t, NewActivateSkill(set), "{}"); err == nil || !strings.Contains(err.Error(), "no skill name") {
		t.Errorf("err = %v, want no skill name provided", err)
	}
}

func TestDeactivateSkill(t *testing.T) {
	t.Parallel()
	set := newSkillSet(t, map[string]string{"alpha": "First skill"})

	// Not active yet.
	if _, err := callTool(t, NewDeactivateSkill(set), `{"skill_name":"alpha"}`); err == nil || !strings.Contains(err.Error(), "not active") {
		t.Errorf("err = %v, want not active", err)
	}

	must(t, set.Activate("alpha"))
	out, err := callTool(t, NewDeactivateSkill(set), `{"skill_name":"alpha"}`)
	must(t, err)
	if out != "Deactivated skill: alpha" {
		t.Errorf("out = %q", out)
	}
	if set.IsActive("alpha") {
		t.Error("skill still active after tool call")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Memory tools
// ──────────────────────────────────────────────────────────────────────────────

func TestRecallMemoryEmpty(t *testing.T) {
	t.Parallel()
	store := newIdentityStore(t)

	out, err := callTool(t, NewRecallMemory(store), "{}")
	must(t, err)
	if !strings.Contains(out, "No conversation memory yet") {
		t.Errorf("out = %q", out)
	}
}

func TestRecallMemory(t *testing.T) {
	t.Parallel()
	store := newIdentityStore(t)
	must(t, store.AppendMemory("User likes green tea"))

	out, err := callTool(t, NewRecallMemory(store), "{}")
	must(t, err)
	if !strings.Contains(out, "User likes green tea") {
		t.Errorf("out = %q, want saved memory", out)
	}
}

func TestUpdateUserProfile(t *testing.T) {
	t.Parallel()
	store := newIdentityStore(t)

	out, err := callTool(t, NewUpdateUserProfile(store), `{"info":"Prefers dark mode"}`)
	must(t, err)
	if !strings.Contains(out, "Recorded user info") {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(store.UserProfile(), "Prefers dark mode") {
		t.Errorf("profile = %q, want recorded note", store.UserProfile())
	}
}

func TestUpdateUserProfileEmpty(t *testing.T) {
	t.Parallel()
	store := newIdentityStore(t)

	if _, err := callTool(t, NewUpdateUserProfile(store), "{}"); err == nil || !strings.Contains(err.Error(), "no info") {
		t.Errorf("err = %v, want no info provided", err)
	}
}

func TestSaveNote(t *testing.T) {
	t.Parallel()
	store := newIdentityStore(t)

	out, err := callTool(t, NewSaveNote(store), `{"note":"Ship the release on Friday"}`)
	must(t, err)
	if out != "Note saved to memory." {
		t.Errorf("out = %q", out)
	}

	memory, err := store.Memory(identity.DefaultMemoryMaxChars)
	must(t, err)
	if !strings.Contains(memory, "Ship the release on Friday") {
		t.Errorf("memory = %q, want saved note", memory)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Transcript tool
// ──────────────────────────────────────────────────────────────────────────────

func TestRecallTranscript(t *testing.T) {
	t.Parallel()
	searcher := &fakeTranscripts{hits: []TurnHit{
		{
			StartedAt:     time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
			UserText:      "where were we",
			AssistantText: "we were discussing the trip",
		},
		{
			StartedAt:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
			UserText:      "remind me again",
			AssistantText: "the trip is in May",
		},
	}}

	out, err := callTool(t, NewRecallTranscript(searcher), `{"query":"trip"}`)
	must(t, err)
	if !strings.Contains(out, "[2026-03-01 10:30]") {
		t.Errorf("out = %q, want first timestamp", out)
	}
	if !strings.Contains(out, "user: where were we") || !strings.Contains(out, "assistant: the trip is in May") {
		t.Errorf("out = %q, want both turns", out)
	}
}

func TestRecallTranscriptLimit(t *testing.T) {
	t.Parallel()
	searcher := &fakeTranscripts{hits: []TurnHit{
		{StartedAt: time.Now(), UserText: "a", AssistantText: "1"},
		{StartedAt: time.Now(), UserText: "b", AssistantText: "2"},
	}}

	out, err := callTool(t, NewRecallTranscript(searcher), `{"query":"x","limit":1}`)
	must(t, err)
	if strings.Contains(out, "user: b") {
		t.Errorf("limit not applied:\n%s", out)
	}
}

func TestRecallTranscriptNoMatches(t *testing.T) {
	t.Parallel()
	out, err := callTool(t, NewRecallTranscript(&fakeTranscripts{}), `{"query":"x"}`)
	must(t, err)
	if out != "No archived turns matched the query." {
		t.Errorf("out = %q", out)
	}
}

func TestRecallTranscriptError(t *testing.T) {
	t.Parallel()
	searcher := &fakeTranscripts{err: errors.New("connection refused")}

	_, err := callTool(t, NewRecallTranscript(searcher), `{"query":"x"}`)
	if err == nil || !strings.Contains(err.Error(), "transcript search error") {
		t.Errorf("err = %v, want transcript search error", err)
	}
}

func TestRecallTranscriptEmptyQuery(t *testing.T) {
	t.Parallel()
	if _, err := callTool(t, NewRecallTranscript(&fakeTranscripts{}), "{}"); err == nil || !strings.Contains(err.Error(), "no search query") {
		t.Errorf("err = %v, want no search query", err)
	}
}
