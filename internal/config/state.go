package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// CameraState is the persisted per-camera runtime state: last-used zoom and
// parameter values, keyed by device ref so it survives reconnects under a new
// camera id.
type CameraState struct {
	Zoom   float64            `toml:"zoom"`
	Params map[string]float64 `toml:"params,omitempty"`
	Auto   map[string]bool    `toml:"auto,omitempty"`
}

// StateStore persists camera state to a TOML file. Writes go through a temp
// file plus rename so a crash mid-write cannot corrupt the stored state.
type StateStore struct {
	path string

	mu     sync.Mutex
	states map[string]CameraState
}

// OpenStateStore loads the state file at path, or starts empty if it does not
// exist yet.
func OpenStateStore(path string) (*StateStore, error) {
	s := &StateStore{path: path, states: make(map[string]CameraState)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read camera state %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &s.states); err != nil {
		return nil, fmt.Errorf("parse camera state %s: %w", path, err)
	}
	return s, nil
}

// Get returns the stored state for a device ref.
func (s *StateStore) Get(ref string) (CameraState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[ref]
	return st, ok
}

// Put stores the state for a device ref and writes the file.
func (s *StateStore) Put(ref string, st CameraState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[ref] = st
	return s.save()
}

func (s *StateStore) save() error {
	data, err := toml.Marshal(s.states)
	if err != nil {
		return fmt.Errorf("encode camera state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write camera state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace camera state: %w", err)
	}
	return nil
}
