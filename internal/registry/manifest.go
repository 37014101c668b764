package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// ManifestVersion is the current schema version
	ManifestVersion = 1

	// ManifestFilename is the default manifest filename
	ManifestFilename = "manifest.json"
)

// Manifest persists the bootstrap and index state for all repositories.
type Manifest struct {
	Version  int                  `json:"version"`
	LastSync time.Time            `json:"last_sync"`
	Repos    map[string]RepoState `json:"repos"`
	mu       sync.RWMutex         `json:"-"`
}

// RepoState stores the persisted state for a single repository.
type RepoState struct {
	URL      string            `json:"url,omitempty"`
	ClonedAt time.Time         `json:"cloned_at,omitempty"`
	Indexed  map[string]string `json:"indexed,omitempty"` // branch -> last indexed commit
	Error    string            `json:"error,omitempty"`
}

// NewManifest creates a new empty manifest.
func NewManifest() *Manifest {
	return &Manifest{
		Version: ManifestVersion,
		Repos:   make(map[string]RepoState),
	}
}

// LoadManifest reads a manifest from disk, or creates a new one if it doesn't exist.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewManifest(), nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if manifest.Repos == nil {
		manifest.Repos = make(map[string]RepoState)
	}

	return &manifest, nil
}

// Save writes the manifest to disk atomically using write-to-temp + rename.
func (m *Manifest) Save(path string) error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename manifest file: %w", err)
	}

	return nil
}

// RepoState returns the state for a repository, zero valued if unknown.
func (m *Manifest) RepoState(name string) RepoState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Repos[name]
}

// SetRepoState updates the state for a repository.
func (m *Manifest) SetRepoState(name string, state RepoState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Repos[name] = state
}

// HasRepo returns true if the repository exists in the manifest.
func (m *Manifest) HasRepo(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.Repos[name]
	return ok
}

// SetIndexed records the last indexed commit for a branch.
func (m *Manifest) SetIndexed(name, branch, commit string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.Repos[name]
	if state.Indexed == nil {
		state.Indexed = make(map[string]string)
	}
	state.Indexed[branch] = commit
	m.Repos[name] = state
}

// Indexed returns the last indexed commit for a branch, empty if never indexed.
func (m *Manifest) Indexed(name, branch string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Repos[name].Indexed[branch]
}

// SetRepoError records a bootstrap error for a repository.
func (m *Manifest) SetRepoError(name string, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.Repos[name]
	state.Error = errMsg
	m.Repos[name] = state
}

// ClearRepoError clears the error for a repository.
func (m *Manifest) ClearRepoError(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.Repos[name]; ok {
		state.Error = ""
		m.Repos[name] = state
	}
}

// UpdateLastSync updates the last sync timestamp.
func (m *Manifest) UpdateLastSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastSync = time.Now()
}
