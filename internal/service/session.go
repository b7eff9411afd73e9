package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrSessionNotFound is returned for unknown or malformed session ids.
var ErrSessionNotFound = errors.New("session not found")

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

const (
	sessionFile = "session.json"
	modelFile   = "model.glb"
)

// SessionStore owns the per-job working directories under one root.
type SessionStore struct {
	root string
}

// NewSessionStore creates the root directory if needed.
func NewSessionStore(root string) (*SessionStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	return &SessionStore{root: root}, nil
}

// Create returns the directory of id, creating it.
func (s *SessionStore) Create(id string) (string, error) {
	dir, err := s.dir(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	return dir, nil
}

// ModelPath is where the session's GLB is exported.
func (s *SessionStore) ModelPath(id string) (string, error) {
	dir, err := s.dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, modelFile), nil
}

// WriteSummary stores v as the session's session.json.
func (s *SessionStore) WriteSummary(id string, v any) error {
	dir, err := s.Create(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	tmp := filepath.Join(dir, sessionFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, sessionFile))
}

// ReadSummary returns the raw session.json of id.
func (s *SessionStore) ReadSummary(id string) (json.RawMessage, error) {
	dir, err := s.dir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return data, nil
}

// Model returns the path of an existing session GLB.
func (s *SessionStore) Model(id string) (string, error) {
	path, err := s.ModelPath(id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", ErrSessionNotFound
	}
	return path, nil
}

func (s *SessionStore) dir(id string) (string, error) {
	if !sessionIDRe.MatchString(id) {
		return "", fmt.Errorf("%w: invalid id %q", ErrSessionNotFound, id)
	}
	return filepath.Join(s.root, id), nil
}
