package skills

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// activationHint follows the skill catalog in the system prompt and tells
// the model how to use it.
const activationHint = "You can activate a skill with the activate_skill tool and list them " +
	"with list_skills. When the user's request matches a skill's description, activate it proactively."

// ActiveSet tracks which skills one session has activated. It is safe for
// concurrent use; the underlying [Library] may be shared across sessions.
type ActiveSet struct {
	lib *Library

	mu     sync.Mutex
	active map[string]struct{}
}

// NewActiveSet creates an empty active set over lib.
func NewActiveSet(lib *Library) *ActiveSet {
	return &ActiveSet{
		lib:    lib,
		active: map[string]struct{}{},
	}
}

// Activate switches the named skill on. Activating an already active skill
// is a no-op. Returns [ErrUnknownSkill] when the library has no such skill.
func (s *ActiveSet) Activate(name string) error {
	if _, ok := s.lib.Get(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSkill, name)
	}
	s.mu.Lock()
	s.active[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Deactivate switches the named skill off. Deactivating an inactive skill
// is a no-op. Returns [ErrUnknownSkill] when the library has no such skill.
func (s *ActiveSet) Deactivate(name string) error {
	if _, ok := s.lib.Get(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSkill, name)
	}
	s.mu.Lock()
	delete(s.active, name)
	s.mu.Unlock()
	return nil
}

// IsActive reports whether the named skill is active.
func (s *ActiveSet) IsActive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[name]
	return ok
}

// ActiveNames returns the active skill names, sorted.
func (s *ActiveSet) ActiveNames() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.active))
	for n := range s.active {
		names = append(names, n)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// Active returns the active skills in library discovery order.
func (s *ActiveSet) Active() []Skill {
	s.mu.Lock()
	activeNames := make(map[string]struct{}, len(s.active))
	for n := range s.active {
		activeNames[n] = struct{}{}
	}
	s.mu.Unlock()

	var out []Skill
	for _, sk := range s.lib.List() {
		if _, ok := activeNames[sk.Name]; ok {
			out = append(out, sk)
		}
	}
	return out
}

// Infos returns the client-facing skill list with per-skill active flags.
func (s *ActiveSet) Infos() []Info {
	s.mu.Lock()
	activeNames := make(map[string]struct{}, len(s.active))
	for n := range s.active {
		activeNames[n] = struct{}{}
	}
	s.mu.Unlock()

	list := s.lib.List()
	out := make([]Info, 0, len(list))
	for _, sk := range list {
		_, active := activeNames[sk.Name]
		out = append(out, Info{Name: sk.Name, Description: sk.Description, Active: active})
	}
	return out
}

// PromptSection renders the skill portion of the system prompt: the full
// catalog as an <available_skills> block, then the instructions of every
// active skill inside <active_skill_instructions>. Returns "" when no
// skills are discovered.
func (s *ActiveSet) PromptSection() string {
	list := s.lib.List()
	if len(list) == 0 {
		return ""
	}

	s.mu.Lock()
	activeNames := make(map[string]struct{}, len(s.active))
	for n := range s.active {
		activeNames[n] = struct{}{}
	}
	s.mu.Unlock()

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, sk := range list {
		if _, active := activeNames[sk.Name]; active {
			b.WriteString("<skill active=\"true\">\n")
		} else {
			b.WriteString("<skill>\n")
		}
		fmt.Fprintf(&b, "  <name>%s</name>\n", sk.Name)
		fmt.Fprintf(&b, "  <description>%s</description>\n", sk.Description)
		b.WriteString("</skill>\n")
	}
	b.WriteString("</available_skills>\n\n")
	b.WriteString(activationHint)

	var active []Skill
	for _, sk := range list {
		if _, ok := activeNames[sk.Name]; ok {
			active = append(active, sk)
		}
	}
	if len(active) > 0 {
		b.WriteString("\n\n<active_skill_instructions>")
		for _, sk := range active {
			fmt.Fprintf(&b, "\n\n## Skill: %s\n\n%s", sk.Name, sk.Instructions)
		}
		b.WriteString("\n</active_skill_instructions>")
	}

	return b.String()
}
