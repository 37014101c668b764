package rules

import (
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/clevertree/relay-sub003/internal/faults"
	"github.com/clevertree/relay-sub003/internal/registry"
)

// Loader reads rule documents from repository default branches, caching
// the parsed result per (repository, commit). Commits are immutable, so
// a cached entry never goes stale; a new default-branch head simply
// resolves to a different cache key.
type Loader struct {
	mu    sync.Mutex
	cache map[string]cachedDoc
}

type cachedDoc struct {
	doc *Document
	err error
}

func NewLoader() *Loader {
	return &Loader{cache: make(map[string]cachedDoc)}
}

// Load returns the rule document at the current head of the repository's
// default branch. A repository with no commits has no rule document.
func (l *Loader) Load(repo *registry.Repository) (*Document, error) {
	head, ok := repo.Head(repo.DefaultBranch())
	if !ok {
		return nil, faults.New(faults.RulesMissing, "no rule document: repository has no commits on "+repo.DefaultBranch(), nil)
	}
	return l.LoadAt(repo, plumbing.NewHash(head))
}

// LoadAt returns the rule document as of a specific commit. The push
// gate uses this to validate against the state a push would produce.
func (l *Loader) LoadAt(repo *registry.Repository, commit plumbing.Hash) (*Document, error) {
	key := repo.Name() + "@" + commit.String()

	l.mu.Lock()
	if entry, ok := l.cache[key]; ok {
		l.mu.Unlock()
		return entry.doc, entry.err
	}
	l.mu.Unlock()

	doc, err := l.read(repo, commit)

	// I/O errors are not cached: the same commit may read fine on retry.
	if err == nil || !faults.IsCategory(err, faults.StoreIO) {
		l.mu.Lock()
		l.cache[key] = cachedDoc{doc: doc, err: err}
		l.mu.Unlock()
	}
	return doc, err
}

func (l *Loader) read(repo *registry.Repository, commit plumbing.Hash) (*Document, error) {
	data, err := repo.Store().ReadFile(commit, RuleFilePath)
	if err != nil {
		if faults.IsCategory(err, faults.NotFound) {
			return nil, faults.New(faults.RulesMissing, "no rule document at "+RuleFilePath+" on "+repo.DefaultBranch(), nil)
		}
		return nil, err
	}
	return Parse(data)
}
