// Package identity manages the agent's persistent identity artifacts: who
// the agent is (SOUL.md), what it knows about the user (USER.md), how it
// should operate (AGENT.md), and what it remembers across sessions
// (MEMORY.md). All four live as plain Markdown files under one directory so
// they can be edited by hand between runs.
//
// Reads are served from an in-memory snapshot taken by [Store.Load]; writes
// go straight to disk crash-safely (temp file + rename for replacements,
// append + fsync for the memory log) and refresh the snapshot. Writers to
// the same path are serialized process-wide.
package identity

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Artifact file names under the identity directory.
const (
	SoulFile   = "SOUL.md"
	UserFile   = "USER.md"
	AgentFile  = "AGENT.md"
	MemoryFile = "MEMORY.md"
)

// DefaultMemoryMaxChars bounds how much of MEMORY.md a single recall returns.
const DefaultMemoryMaxChars = 4000

// Option is a functional option for configuring a [Store].
type Option func(*Store)

// WithLogger sets the logger used by the store. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store reads and writes the identity artifacts in one directory.
// It is safe for concurrent use.
type Store struct {
	dir string
	log *slog.Logger

	mu    sync.RWMutex
	soul  string
	user  string
	agent string
}

// New creates a Store rooted at dir, creating the directory when absent.
// Call [Store.Load] before reading the snapshot getters.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("identity: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("identity: create dir %q: %w", dir, err)
	}
	s := &Store{
		dir: dir,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Dir returns the identity directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads SOUL.md, USER.md, and AGENT.md into the in-memory snapshot.
// Missing files load as empty strings; only a missing AGENT.md is worth a
// warning since the agent then runs without operating instructions.
func (s *Store) Load() error {
	soul, err := s.readArtifact(SoulFile)
	if err != nil {
		return err
	}
	user, err := s.readArtifact(UserFile)
	if err != nil {
		return err
	}
	agent, err := s.readArtifact(AgentFile)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.soul, s.user, s.agent = soul, user, agent
	s.mu.Unlock()

	s.log.Info("identity loaded",
		"dir", s.dir,
		"soul_chars", len(soul),
		"user_chars", len(user),
		"agent_chars", len(agent),
	)
	if agent == "" {
		s.log.Warn("no AGENT.md found; operating instructions will be empty", "dir", s.dir)
	}
	return nil
}

// readArtifact returns the trimmed content of the named file, or "" when the
// file does not exist.
func (s *Store) readArtifact(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("identity: read %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Persona returns the loaded SOUL.md content.
func (s *Store) Persona() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.soul
}

// UserProfile returns the loaded USER.md content.
func (s *Store) UserProfile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Instructions returns the loaded AGENT.md content.
func (s *Store) Instructions() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agent
}

// SoulPrompt renders the persona and user profile as the tagged blocks the
// system prompt starts with. Empty artifacts produce no block.
func (s *Store) SoulPrompt() string {
	s.mu.RLock()
	soul, user := s.soul, s.user
	s.mu.RUnlock()

	var parts []string
	if soul != "" {
		parts = append(parts, "<agent_soul>", soul, "</agent_soul>")
	}
	if user != "" {
		parts = append(parts, "\n<user_profile>", user, "</user_profile>")
	}
	return strings.Join(parts, "\n")
}

// Memory returns the most recent entries of MEMORY.md, at most maxChars
// characters. When the log is longer, the tail is returned behind an
// omission marker, advanced to the next line boundary when one is near.
// maxChars <= 0 applies [DefaultMemoryMaxChars]. Memory is read on demand;
// it is never auto-injected into the prompt.
func (s *Store) Memory(maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultMemoryMaxChars
	}
	data, err := os.ReadFile(filepath.Join(s.dir, MemoryFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("identity: read %s: %w", MemoryFile, err)
	}

	content := strings.TrimSpace(string(data))
	if len(content) <= maxChars {
		return content, nil
	}

	truncated := content[len(content)-maxChars:]
	if pos := strings.IndexByte(truncated, '\n'); pos > 0 && pos < 200 {
		truncated = truncated[pos+1:]
	}
	return "(older memories omitted)\n\n" + truncated, nil
}

// Info reports artifact status for the session_info event.
type Info struct {
	SoulLoaded    bool `json:"soul_loaded"`
	UserLoaded    bool `json:"user_loaded"`
	AgentLoaded   bool `json:"agent_loaded"`
	MemoryEntries int  `json:"memory_entries"`
	SoulChars     int  `json:"soul_chars"`
	UserChars     int  `json:"user_chars"`
	AgentChars    int  `json:"agent_chars"`
}

// Info returns the current artifact status. Memory entries are counted from
// disk so the number stays accurate across processes sharing the directory.
func (s *Store) Info() Info {
	s.mu.RLock()
	info := Info{
		SoulLoaded:  s.soul != "",
		UserLoaded:  s.user != "",
		AgentLoaded: s.agent != "",
		SoulChars:   len(s.soul),
		UserChars:   len(s.user),
		AgentChars:  len(s.agent),
	}
	s.mu.RUnlock()

	if data, err := os.ReadFile(filepath.Join(s.dir, MemoryFile)); err == nil {
		info.MemoryEntries = strings.Count(string(data), "\n## ")
	}
	return info
}
