package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// userContextHeading is the USER.md section that collects incremental notes
// learned during conversations.
const userContextHeading = "## Context Notes"

// memoryHeader seeds a fresh MEMORY.md before the first entry.
const memoryHeader = "# Conversation Memory\n\n*Maintained automatically; one summary per finished turn.*\n"

// pathLocks serializes writers per absolute path across the whole process,
// so two stores pointed at the same directory cannot interleave writes.
var pathLocks sync.Map // map[string]*sync.Mutex

// lockPath acquires the process-wide lock for path and returns it for
// unlocking by the caller.
func lockPath(path string) *sync.Mutex {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	v, _ := pathLocks.LoadOrStore(abs, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu
}

// ReplaceUserProfile overwrites USER.md with text and refreshes the
// snapshot. The write goes through a temp sibling, fsync, and atomic rename
// so a crash leaves either the old or the new profile, never a torn one.
func (s *Store) ReplaceUserProfile(text string) error {
	path := filepath.Join(s.dir, UserFile)
	mu := lockPath(path)
	defer mu.Unlock()

	text = strings.TrimSpace(text)
	if err := writeFileAtomic(path, []byte(text+"\n")); err != nil {
		return fmt.Errorf("identity: replace %s: %w", UserFile, err)
	}

	s.mu.Lock()
	s.user = text
	s.mu.Unlock()

	s.log.Info("user profile replaced", "chars", len(text))
	return nil
}

// AppendUserNote merges a learned fact into the Context Notes section of
// USER.md, creating the file or the section when absent. The merged content
// is written atomically and the snapshot refreshed.
func (s *Store) AppendUserNote(note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return fmt.Errorf("identity: note must not be empty")
	}

	path := filepath.Join(s.dir, UserFile)
	mu := lockPath(path)
	defer mu.Unlock()

	existing, err := s.readArtifact(UserFile)
	if err != nil {
		return err
	}

	var content string
	switch {
	case existing == "":
		content = "# User Profile\n\n" + userContextHeading + "\n\n- " + note
	case strings.Contains(existing, userContextHeading):
		content = existing + "\n- " + note
	default:
		content = existing + "\n\n" + userContextHeading + "\n\n- " + note
	}

	if err := writeFileAtomic(path, []byte(content+"\n")); err != nil {
		return fmt.Errorf("identity: update %s: %w", UserFile, err)
	}

	s.mu.Lock()
	s.user = content
	s.mu.Unlock()

	s.log.Info("user note appended", "chars", len(note))
	return nil
}

// AppendMemory appends a timestamped summary entry to MEMORY.md, creating
// the file with its header on first use. The append is flushed to stable
// storage before returning.
func (s *Store) AppendMemory(summary string) error {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fmt.Errorf("identity: summary must not be empty")
	}

	path := filepath.Join(s.dir, MemoryFile)
	mu := lockPath(path)
	defer mu.Unlock()

	entry := "\n## " + time.Now().Format(time.RFC3339) + "\n\n" + summary + "\n"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		entry = memoryHeader + entry
	}

	if err := appendFileSync(path, []byte(entry)); err != nil {
		return fmt.Errorf("identity: append %s: %w", MemoryFile, err)
	}

	s.log.Info("memory entry appended", "chars", len(summary))
	return nil
}

// writeFileAtomic writes data to path via a temp sibling, fsync, and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	// Best-effort removal when any later step fails.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// appendFileSync appends data to path and flushes it to stable storage.
func appendFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
