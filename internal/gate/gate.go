// Package gate serializes and validates pushes. A push lands atomically:
// either the branch head advances with the index already up to date, or
// nothing observable changes.
package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/clevertree/relay-sub003/internal/config"
	"github.com/clevertree/relay-sub003/internal/faults"
	"github.com/clevertree/relay-sub003/internal/indexer"
	"github.com/clevertree/relay-sub003/internal/registry"
	"github.com/clevertree/relay-sub003/internal/rules"
	"github.com/clevertree/relay-sub003/internal/store"
)

// Machine-readable rejection reasons surfaced to clients.
const (
	ReasonRulesMissing = "rules-missing"
	ReasonRulesInvalid = "rules-invalid"
)

// Request describes one incoming push.
type Request struct {
	Branch  string
	Message string
	Author  string
	Email   string
	Files   store.ChangeSet
}

// Result reports the outcome of a push. Violations are index-time
// uniqueness conflicts on an accepted push; they never reject it.
type Result struct {
	Accepted bool           `json:"accepted"`
	Reason   string         `json:"reason,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Branch   string         `json:"branch,omitempty"`
	Commit   string         `json:"commit,omitempty"`
	Delta    *indexer.Delta `json:"delta,omitempty"`
}

// Gate accepts or rejects pushes. Pushes to the same repository are
// serialized; pushes to different repositories proceed concurrently.
type Gate struct {
	registry *registry.Registry
	loader   *rules.Loader
	pipeline *indexer.Pipeline

	ioRetries int
	ioTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewGate(reg *registry.Registry, loader *rules.Loader, pipeline *indexer.Pipeline, settings *config.RepoSettings) *Gate {
	return &Gate{
		registry:  reg,
		loader:    loader,
		pipeline:  pipeline,
		ioRetries: settings.IORetries,
		ioTimeout: settings.IOTimeout,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (g *Gate) repoLock(name string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[name] = lock
	}
	return lock
}

// Push validates and applies one push to the named repository, creating
// the repository on first push. Once validation starts the push runs to
// completion; the caller's context no longer cancels it.
func (g *Gate) Push(ctx context.Context, repoName string, req Request) (*Result, error) {
	if err := req.Files.Validate(); err != nil {
		return nil, err
	}

	repo, err := g.registry.Ensure(repoName)
	if err != nil {
		return nil, err
	}

	lock := g.repoLock(repoName)
	lock.Lock()
	defer lock.Unlock()

	branch := req.Branch
	if branch == "" {
		branch = repo.DefaultBranch()
	}

	parent := plumbing.ZeroHash
	if head, ok := repo.Head(branch); ok {
		parent = plumbing.NewHash(head)
	}

	candidate, err := repo.Store().BuildCommit(parent, req.Files, store.CommitInfo{
		Message: req.Message,
		Author:  req.Author,
		Email:   req.Email,
		When:    time.Now(),
	})
	if err != nil {
		return nil, err
	}

	doc, err := g.loadRulesFor(repo, branch, candidate)
	if err != nil {
		if reason, ok := rejectionReason(err); ok {
			// The candidate commit was never referenced; nothing to undo.
			slog.Info("Push rejected", "repo", repoName, "branch", branch, "reason", reason)
			return &Result{Accepted: false, Reason: reason, Detail: err.Error(), Branch: branch}, nil
		}
		return nil, err
	}

	// The index must reflect the push before it is reported accepted,
	// and the head must not move until the index does.
	indexCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.ioTimeout)
	defer cancel()

	var delta *indexer.Delta
	err = store.WithRetry(indexCtx, g.ioRetries, 100*time.Millisecond, func() error {
		var rerr error
		delta, rerr = g.pipeline.Reindex(indexCtx, repo, branch, parent, candidate, doc)
		return rerr
	})
	if err != nil {
		return nil, err
	}

	if err := repo.Store().SetBranchHead(branch, candidate); err != nil {
		return nil, err
	}
	repo.SetHead(branch, candidate.String())

	g.registry.Manifest().SetIndexed(repoName, branch, candidate.String())
	if err := g.registry.SaveManifest(); err != nil {
		slog.Error("Failed to save manifest", "repo", repoName, "error", err)
	}

	slog.Info("Push accepted", "repo", repoName, "branch", branch, "commit", candidate.String(),
		"indexed", delta.Indexed, "deleted", delta.Deleted, "violations", len(delta.Violations))

	return &Result{
		Accepted: true,
		Branch:   branch,
		Commit:   candidate.String(),
		Delta:    delta,
	}, nil
}

// loadRulesFor validates against the default branch as it would be
// after the push lands: the candidate state when the push targets the
// default branch itself, the current state otherwise.
func (g *Gate) loadRulesFor(repo *registry.Repository, branch string, candidate plumbing.Hash) (*rules.Document, error) {
	if branch == repo.DefaultBranch() {
		return g.loader.LoadAt(repo, candidate)
	}
	return g.loader.Load(repo)
}

func rejectionReason(err error) (string, bool) {
	switch faults.CategoryOf(err) {
	case faults.RulesMissing:
		return ReasonRulesMissing, true
	case faults.RulesInvalid:
		return ReasonRulesInvalid, true
	}
	return "", false
}
