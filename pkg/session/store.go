package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the single current session artifact and its validity
// metadata. A reader never observes a payload and validity flag written
// by different Save calls.
type Store interface {
	// Save replaces the current artifact with a new one. Any prior
	// validity is discarded: the saved artifact is pending validation.
	Save(a *Artifact) error

	// Load returns the current artifact, or nil if none exists.
	Load() (*Artifact, error)

	// MarkValid flags the current artifact as validated without
	// touching its payload.
	MarkValid() error

	// MarkInvalid clears the validity flag without touching the payload.
	MarkInvalid() error

	// Clear removes the artifact entirely.
	Clear() error
}

// FileStore implements Store using a single JSON file. Writes go through
// a temp file and rename so readers never see a half-written artifact.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file-backed store at path. If path is empty it
// defaults to walink-session.json in the user's home directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".walink", "session.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &FileStore{path: path}, nil
}

// Save writes the artifact atomically. The saved copy always has
// Valid=false regardless of the input flag; validity is granted only
// through MarkValid after a probe.
func (s *FileStore) Save(a *Artifact) error {
	if a == nil {
		return fmt.Errorf("nil artifact")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *a
	saved.Valid = false
	return s.write(&saved)
}

// Load reads the current artifact from disk.
func (s *FileStore) Load() (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// MarkValid sets the validity flag on the stored artifact.
func (s *FileStore) MarkValid() error {
	return s.setValidity(true)
}

// MarkInvalid clears the validity flag on the stored artifact.
func (s *FileStore) MarkInvalid() error {
	return s.setValidity(false)
}

// Clear removes the stored artifact.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear session store: %w", err)
	}
	return nil
}

func (s *FileStore) setValidity(valid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read()
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("no session artifact stored")
	}

	a.Valid = valid
	return s.write(a)
}

func (s *FileStore) read() (*Artifact, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session store: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse session store: %w", err)
	}
	return &a, nil
}

func (s *FileStore) write(a *Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize artifact: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit session store: %w", err)
	}
	return nil
}
