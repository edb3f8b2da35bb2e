// Package skills discovers and manages agent skills: directories carrying a
// SKILL.md file whose YAML frontmatter names the skill and whose Markdown
// body holds the instructions injected into the system prompt while the
// skill is active.
//
// A [Library] is the process-wide discovery result; an [ActiveSet] tracks
// which skills one session has switched on. The model sees every discovered
// skill's name and description at all times and pulls full instructions in
// by activating a skill, so prompt cost grows only with what is in use.
package skills

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownSkill is returned when a skill name does not match any
// discovered skill.
var ErrUnknownSkill = errors.New("skills: unknown skill")

// Skill is a single agent skill loaded from a SKILL.md file.
type Skill struct {
	// Name identifies the skill in tool calls and prompt sections.
	Name string

	// Description tells the model when the skill applies.
	Description string

	// Instructions is the Markdown body after the frontmatter, injected
	// into the system prompt while the skill is active.
	Instructions string

	// Dir is the directory containing the SKILL.md file.
	Dir string

	// Metadata carries free-form string pairs from the frontmatter.
	Metadata map[string]string
}

// Info is the client-facing view of a skill for the skills_list event.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// Option is a functional option for configuring a [Library].
type Option func(*Library)

// WithLogger sets the logger used by the library. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(lib *Library) {
		if l != nil {
			lib.log = l
		}
	}
}

// Library holds every discovered skill. It is safe for concurrent use;
// [Library.Reload] swaps the whole set atomically.
type Library struct {
	dirs []string
	log  *slog.Logger

	mu     sync.RWMutex
	byName map[string]Skill
	order  []string
}

// NewLibrary creates a Library scanning the given directories. Call
// [Library.Reload] to populate it.
func NewLibrary(dirs []string, opts ...Option) *Library {
	lib := &Library{
		dirs:   dirs,
		log:    slog.Default(),
		byName: map[string]Skill{},
	}
	for _, o := range opts {
		o(lib)
	}
	return lib
}

// Reload rescans the configured directories, replacing the discovered set.
// Each immediate subdirectory containing a valid SKILL.md contributes one
// skill; invalid files are logged and skipped. When the same name appears
// twice, the later directory wins but keeps the original position.
func (lib *Library) Reload() error {
	byName := map[string]Skill{}
	var order []string

	for _, dir := range lib.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				lib.log.Debug("skills directory does not exist", "dir", dir)
				continue
			}
			return fmt.Errorf("skills: read dir %q: %w", dir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			skillDir := filepath.Join(dir, e.Name())
			skill, err := parseSkillDir(skillDir)
			if err != nil {
				if !errors.Is(err, errNoSkillFile) {
					lib.log.Warn("skipping invalid skill", "dir", skillDir, "err", err)
				}
				continue
			}
			if _, seen := byName[skill.Name]; !seen {
				order = append(order, skill.Name)
			}
			byName[skill.Name] = skill
			lib.log.Info("discovered skill", "name", skill.Name, "dir", skillDir)
		}
	}

	lib.mu.Lock()
	lib.byName = byName
	lib.order = order
	lib.mu.Unlock()

	lib.log.Info("skills reloaded", "count", len(order))
	return nil
}

// List returns all discovered skills in discovery order.
func (lib *Library) List() []Skill {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	out := make([]Skill, 0, len(lib.order))
	for _, name := range lib.order {
		out = append(out, lib.byName[name])
	}
	return out
}

// Get returns the named skill.
func (lib *Library) Get(name string) (Skill, bool) {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	s, ok := lib.byName[name]
	return s, ok
}

// Len returns the number of discovered skills.
func (lib *Library) Len() int {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return len(lib.order)
}

// Names returns all skill names in discovery order.
func (lib *Library) Names() []string {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	out := make([]string, len(lib.order))
	copy(out, lib.order)
	return out
}

// errNoSkillFile marks directories without a SKILL.md; they are silently
// skipped during discovery.
var errNoSkillFile = errors.New("no SKILL.md")

// frontmatterRe splits the YAML frontmatter from the Markdown body.
var frontmatterRe = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n?(.*)$`)

// skillFrontmatter is the YAML schema of the SKILL.md header.
type skillFrontmatter struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Metadata    map[string]string `yaml:"metadata"`
}

// parseSkillDir parses dir/SKILL.md into a [Skill].
func parseSkillDir(dir string) (Skill, error) {
	path := filepath.Join(dir, "SKILL.md")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Skill{}, errNoSkillFile
	}
	if err != nil {
		return Skill{}, fmt.Errorf("read %s: %w", path, err)
	}

	m := frontmatterRe.FindSubmatch(raw)
	if m == nil {
		return Skill{}, fmt.Errorf("%s: missing YAML frontmatter", path)
	}

	var fm skillFrontmatter
	if err := yaml.Unmarshal(m[1], &fm); err != nil {
		return Skill{}, fmt.Errorf("%s: invalid frontmatter: %w", path, err)
	}
	if fm.Name == "" || fm.Description == "" {
		return Skill{}, fmt.Errorf("%s: frontmatter requires name and description", path)
	}

	return Skill{
		Name:         fm.Name,
		Description:  fm.Description,
		Instructions: string(bytes.TrimSpace(m[2])),
		Dir:          dir,
		Metadata:     fm.Metadata,
	}, nil
}
