// Package registry tracks the bare repositories hosted by this node and
// publishes their branch heads to concurrent readers.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clevertree/relay-sub003/internal/config"
	"github.com/clevertree/relay-sub003/internal/faults"
	"github.com/clevertree/relay-sub003/internal/store"
)

const (
	// LockFilename is the name of the base-dir ownership lock file
	LockFilename = "relay.lock"

	// MaxParallelClones bounds concurrent bootstrap clones
	MaxParallelClones = 4
)

// Repository is a hosted repository with its published branch heads.
// Heads are swapped copy-on-write so readers never observe a torn map.
type Repository struct {
	name          string
	defaultBranch string
	repo          *store.Repo
	heads         atomic.Pointer[map[string]string]
}

// Name returns the repository's lookup name.
func (r *Repository) Name() string { return r.name }

// DefaultBranch returns the branch used for rule-document resolution.
func (r *Repository) DefaultBranch() string { return r.defaultBranch }

// Store returns the underlying git store handle.
func (r *Repository) Store() *store.Repo { return r.repo }

// Heads returns the current branch-head snapshot. Callers must not mutate it.
func (r *Repository) Heads() map[string]string {
	if m := r.heads.Load(); m != nil {
		return *m
	}
	return nil
}

// Head returns the head commit for a branch, if the branch exists.
func (r *Repository) Head(branch string) (string, bool) {
	heads := r.Heads()
	head, ok := heads[branch]
	return head, ok
}

// SetHead publishes a new head for a branch with a single pointer swap.
func (r *Repository) SetHead(branch, commit string) {
	for {
		old := r.heads.Load()
		next := make(map[string]string, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[branch] = commit
		if r.heads.CompareAndSwap(old, &next) {
			return
		}
	}
}

// reloadHeads refreshes the published heads from the store.
func (r *Repository) reloadHeads() error {
	heads, err := r.repo.Branches()
	if err != nil {
		return err
	}
	r.heads.Store(&heads)
	return nil
}

// Registry owns all Repository records. It is initialized at bootstrap,
// mutated only through the push path, and read by everything else.
type Registry struct {
	settings *config.RepoSettings
	manifest *Manifest
	lock     *FileLock

	mu    sync.RWMutex
	repos map[string]*Repository
}

// NewRegistry prepares the base directory layout and loads the manifest.
func NewRegistry(settings *config.RepoSettings) (*Registry, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings cannot be nil")
	}

	if err := os.MkdirAll(filepath.Join(settings.BaseDir, "repos"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create repos directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(settings.BaseDir, "indexes"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create indexes directory: %w", err)
	}

	manifest, err := LoadManifest(filepath.Join(settings.BaseDir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	return &Registry{
		settings: settings,
		manifest: manifest,
		lock:     NewFileLock(filepath.Join(settings.BaseDir, LockFilename)),
		repos:    make(map[string]*Repository),
	}, nil
}

// Bootstrap acquires the base-dir lock, materializes every configured
// clone URL as a bare local repository and loads branch heads. An empty
// URL list is valid: the node starts hosting zero repositories.
func (g *Registry) Bootstrap(ctx context.Context) error {
	acquired, err := g.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire base-dir lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("base directory %s is in use by another process", g.settings.BaseDir)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(MaxParallelClones)

	var mu sync.Mutex
	opened := make(map[string]*Repository)

	for _, url := range g.settings.URLs {
		name := RepoNameFromURL(url)
		eg.Go(func() error {
			repo, err := g.materialize(ctx, name, url)
			if err != nil {
				slog.Error("Failed to materialize repository", "repo", name, "url", url, "error", err)
				g.manifest.SetRepoError(name, err.Error())
				return nil // other repositories still bootstrap
			}
			g.manifest.ClearRepoError(name)

			mu.Lock()
			opened[name] = repo
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	g.mu.Lock()
	g.repos = opened
	g.mu.Unlock()

	g.manifest.UpdateLastSync()
	if err := g.saveManifest(); err != nil {
		slog.Error("Failed to save manifest", "error", err)
	}

	slog.Info("Registry ready", "repositories", len(opened))
	return nil
}

// materialize opens an already-cloned repository or clones it fresh.
func (g *Registry) materialize(ctx context.Context, name, url string) (*Repository, error) {
	dir := filepath.Join(g.settings.BaseDir, "repos", DirNameFor(name))

	var repo *store.Repo
	if _, statErr := os.Stat(dir); statErr == nil {
		opened, err := store.Open(dir)
		if err != nil {
			return nil, err
		}
		repo = opened
	} else {
		slog.Info("Cloning repository", "repo", name, "url", url)
		cloned, err := store.Clone(ctx, url, dir)
		if err != nil {
			return nil, err
		}
		repo = cloned
		g.manifest.SetRepoState(name, RepoState{URL: url, ClonedAt: time.Now()})
	}

	return g.wrap(name, repo)
}

// wrap builds the Repository record and loads its published heads.
func (g *Registry) wrap(name string, repo *store.Repo) (*Repository, error) {
	defaultBranch, err := repo.DefaultBranch()
	if err != nil {
		// Freshly created repositories have no commits yet.
		defaultBranch = g.settings.DefaultBranch
	}

	r := &Repository{
		name:          name,
		defaultBranch: defaultBranch,
		repo:          repo,
	}
	empty := make(map[string]string)
	r.heads.Store(&empty)
	if err := r.reloadHeads(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the repository with the given name.
func (g *Registry) Get(name string) (*Repository, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	repo, ok := g.repos[name]
	if !ok {
		return nil, faults.NotFoundf("repository not found: " + name)
	}
	return repo, nil
}

// Names returns all repository names in sorted order.
func (g *Registry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.repos))
	for name := range g.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// First returns the first repository by name order, used as the
// last-resort resolution fallback.
func (g *Registry) First() (*Repository, bool) {
	names := g.Names()
	if len(names) == 0 {
		return nil, false
	}
	repo, err := g.Get(names[0])
	if err != nil {
		return nil, false
	}
	return repo, true
}

// Ensure returns the named repository, creating an empty bare one when it
// does not exist yet. This backs repository creation on first push.
func (g *Registry) Ensure(name string) (*Repository, error) {
	if repo, err := g.Get(name); err == nil {
		return repo, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if repo, ok := g.repos[name]; ok {
		return repo, nil
	}

	dir := filepath.Join(g.settings.BaseDir, "repos", DirNameFor(name))
	created, err := store.Init(dir, g.settings.DefaultBranch)
	if err != nil {
		return nil, err
	}
	repo, err := g.wrap(name, created)
	if err != nil {
		return nil, err
	}
	g.repos[name] = repo
	g.manifest.SetRepoState(name, RepoState{ClonedAt: time.Now()})
	slog.Info("Created repository", "repo", name)
	return repo, nil
}

// Manifest exposes the persisted state shared with the index pipeline.
func (g *Registry) Manifest() *Manifest {
	return g.manifest
}

// SaveManifest persists the manifest to disk.
func (g *Registry) SaveManifest() error {
	return g.saveManifest()
}

func (g *Registry) saveManifest() error {
	return g.manifest.Save(filepath.Join(g.settings.BaseDir, ManifestFilename))
}

// Close releases the base-dir lock.
func (g *Registry) Close() error {
	return g.lock.Unlock()
}
