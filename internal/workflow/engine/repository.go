package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kingrea/lattice-ci/internal/workflow"
)

// ErrStateNotFound is returned when no persisted state exists for a run.
var ErrStateNotFound = errors.New("engine: state not found")

// StateStore persists run state snapshots.
type StateStore interface {
	Load(runID string) (State, error)
	Save(State) error
	List() ([]State, error)
}

// Repository stores each run's state as JSON inside its run directory.
type Repository struct {
	layout *workflow.Layout
}

// NewRepository creates a repository over the .latticeci layout.
func NewRepository(layout *workflow.Layout) *Repository {
	return &Repository{layout: layout}
}

// Load reads the persisted state if present.
func (r *Repository) Load(runID string) (State, error) {
	data, err := os.ReadFile(r.layout.StatePath(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, fmt.Errorf("%w: %s", ErrStateNotFound, runID)
		}
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("engine: decode state %s: %w", runID, err)
	}
	return state, nil
}

// Save writes the state through a temp file and rename so readers never see
// a partial snapshot.
func (r *Repository) Save(state State) error {
	if state.RunID == "" {
		return fmt.Errorf("engine: state has no run id")
	}
	path := r.layout.StatePath(state.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// List returns every persisted run, newest first.
func (r *Repository) List() ([]State, error) {
	entries, err := os.ReadDir(r.layout.RunsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var states []State
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state, err := r.Load(entry.Name())
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	sortNewestFirst(states)
	return states, nil
}

// MemoryStore keeps states in memory; used by tests and the API server.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string]State{}}
}

func (m *MemoryStore) Load(runID string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[runID]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrStateNotFound, runID)
	}
	return state.Clone(), nil
}

func (m *MemoryStore) Save(state State) error {
	if state.RunID == "" {
		return fmt.Errorf("engine: state has no run id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.RunID] = state.Clone()
	return nil
}

func (m *MemoryStore) List() ([]State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make([]State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state.Clone())
	}
	sortNewestFirst(states)
	return states, nil
}

func sortNewestFirst(states []State) {
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].RunID < states[j].RunID
		}
		return states[i].StartedAt.After(states[j].StartedAt)
	})
}
