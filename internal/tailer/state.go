package tailer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"nmtboard.tail/internal/parser"
)

const stateFileName = "state.json"

// OffsetState is the persisted read position of every file, together with
// the parser context at that position and the steps each sink acknowledged.
type OffsetState struct {
	RunTag     string                         `json:"run_tag"`
	UpdatedAt  time.Time                      `json:"updated_at"`
	Offsets    map[string]int64               `json:"offsets"`
	Matchers   map[string]parser.MatcherState `json:"matchers,omitempty"`
	Watermarks map[string]int64               `json:"watermarks,omitempty"`
}

// OffsetStore keeps cursor offsets in a JSON file so that a restarted
// invocation does not republish lines it already processed.
type OffsetStore struct {
	path string
}

func NewOffsetStore(dir string) *OffsetStore {
	return &OffsetStore{path: filepath.Join(dir, stateFileName)}
}

func (s *OffsetStore) Path() string { return s.path }

// Load returns an empty state when nothing was saved yet.
func (s *OffsetStore) Load() (*OffsetState, error) {
	state := &OffsetState{Offsets: make(map[string]int64)}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return state, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", s.path, err)
	}
	if state.Offsets == nil {
		state.Offsets = make(map[string]int64)
	}
	return state, nil
}

// Save writes the state atomically.
func (s *OffsetStore) Save(state *OffsetState) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Apply positions the cursors of set at the saved offsets.
func (st *OffsetState) Apply(set *SourceSet) int {
	applied := 0
	for path, offset := range st.Offsets {
		if c, ok := set.Cursor(path); ok {
			c.SetOffset(offset)
			applied++
		}
	}
	return applied
}
