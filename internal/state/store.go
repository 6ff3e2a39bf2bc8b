package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"galaxyctl/internal/errdefs"
	"galaxyctl/pkg/logging"
)

const (
	// StateFileName is the name of the state document in the state dir.
	StateFileName = "configstate.yaml"
	// userStateDir is the state dir under $XDG_CONFIG_HOME or ~/.config.
	userStateDir = "galaxy-gravity"
)

// DefaultStateDir returns $XDG_CONFIG_HOME/galaxy-gravity, falling back to
// ~/.config/galaxy-gravity.
func DefaultStateDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, userStateDir), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", userStateDir), nil
}

// Store provides access to the state document.
type Store struct {
	mu       sync.RWMutex
	stateDir string
}

// NewStore creates a Store keeping its document in stateDir.
func NewStore(stateDir string) *Store {
	return &Store{stateDir: stateDir}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.stateDir
}

// Path returns the full path of the state document.
func (s *Store) Path() string {
	return filepath.Join(s.stateDir, StateFileName)
}

// Load reads the state document. A missing document is an empty one; one
// that cannot be parsed is an errdefs.StoreCorruptError.
func (s *Store) Load() (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadLocked()
}

func (s *Store) loadLocked() (*Document, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	doc := NewDocument()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, &errdefs.StoreCorruptError{Path: s.Path(), Err: err}
	}
	doc.normalize()
	if doc.Version > CurrentVersion {
		return nil, &errdefs.StoreCorruptError{
			Path: s.Path(),
			Err:  fmt.Errorf("unsupported state version %d", doc.Version),
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, &errdefs.StoreCorruptError{Path: s.Path(), Err: err}
	}
	return doc, nil
}

// Update loads the document, passes it to fn and writes it back if fn
// returns nil. Either the complete new document is written or nothing is.
func (s *Store) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid state: %w", err)
	}
	return s.saveLocked(doc)
}

// saveLocked writes doc to a temporary file and renames it into place.
func (s *Store) saveLocked(doc *Document) error {
	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(s.stateDir, "."+StateFileName+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	logging.Debug("Store", "Saved state to %s", s.Path())
	return nil
}
