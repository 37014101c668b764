package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// NewTestRepo creates an empty bare repository under a test temp dir.
// This is exported for use by other packages' tests.
func NewTestRepo(t *testing.T, defaultBranch string) *Repo {
	t.Helper()
	repo, err := Init(filepath.Join(t.TempDir(), "repo.git"), defaultBranch)
	if err != nil {
		t.Fatalf("failed to init test repository: %v", err)
	}
	return repo
}

// MustCommit applies changes on top of branch, advances the branch head
// and returns the new commit hash.
func MustCommit(t *testing.T, r *Repo, branch string, changes ChangeSet, message string) plumbing.Hash {
	t.Helper()

	parent, err := r.BranchHead(branch)
	if err != nil {
		parent = plumbing.ZeroHash
	}

	hash, err := r.BuildCommit(parent, changes, CommitInfo{
		Message: message,
		Author:  "test",
		Email:   "test@local",
		When:    time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to build test commit: %v", err)
	}
	if err := r.SetBranchHead(branch, hash); err != nil {
		t.Fatalf("failed to advance test branch: %v", err)
	}
	return hash
}
