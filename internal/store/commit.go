package store

import (
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/clevertree/relay-sub003/internal/faults"
)

// ChangeSet maps repository-relative file paths to their new content.
// A nil value deletes the file.
type ChangeSet map[string][]byte

// Validate rejects paths that cannot name a tree entry.
func (c ChangeSet) Validate() error {
	if len(c) == 0 {
		return faults.New(faults.MalformedRequest, "change set is empty", nil)
	}
	for p := range c {
		trimmed := strings.Trim(p, "/")
		if trimmed == "" {
			return faults.New(faults.MalformedRequest, "empty path in change set", nil)
		}
		for _, segment := range strings.Split(trimmed, "/") {
			if segment == "" || segment == "." || segment == ".." {
				return faults.New(faults.MalformedRequest, "invalid path in change set: "+p, nil)
			}
		}
	}
	return nil
}

// normalized returns the change set keyed by trimmed paths.
func (c ChangeSet) normalized() map[string][]byte {
	out := make(map[string][]byte, len(c))
	for p, content := range c {
		out[strings.Trim(p, "/")] = content
	}
	return out
}

// CommitInfo carries commit metadata for BuildCommit.
type CommitInfo struct {
	Message string
	Author  string
	Email   string
	When    time.Time
}

// BuildCommit writes the blobs, trees and commit object for applying
// changes on top of parent and returns the new commit hash. No ref is
// moved: until SetBranchHead is called the commit is unreachable, which
// is what makes push rejection free of rollback.
func (r *Repo) BuildCommit(parent plumbing.Hash, changes ChangeSet, info CommitInfo) (plumbing.Hash, error) {
	if err := changes.Validate(); err != nil {
		return plumbing.ZeroHash, err
	}

	var baseTree *object.Tree
	var parents []plumbing.Hash
	if parent != plumbing.ZeroHash {
		tree, err := r.TreeAt(parent)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		baseTree = tree
		parents = []plumbing.Hash{parent}
	}

	treeHash, _, err := r.applyTreeChanges(baseTree, changes.normalized())
	if err != nil {
		return plumbing.ZeroHash, err
	}

	when := info.When
	if when.IsZero() {
		when = time.Now()
	}
	sig := object.Signature{Name: info.Author, Email: info.Email, When: when}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      info.Message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}

	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, faults.New(faults.StoreIO, "failed to encode commit", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, faults.New(faults.StoreIO, "failed to store commit", err)
	}
	return hash, nil
}

// applyTreeChanges rebuilds one tree level with changes applied and
// returns the new tree hash and its entry count. Changes are keyed
// relative to this level; entries for emptied subtrees are dropped.
func (r *Repo) applyTreeChanges(base *object.Tree, changes map[string][]byte) (plumbing.Hash, int, error) {
	entries := make(map[string]object.TreeEntry)
	if base != nil {
		for _, e := range base.Entries {
			entries[e.Name] = e
		}
	}

	direct := make(map[string][]byte)
	subdirs := make(map[string]map[string][]byte)
	for p, content := range changes {
		name, rest, nested := strings.Cut(p, "/")
		if !nested {
			direct[name] = content
			continue
		}
		if subdirs[name] == nil {
			subdirs[name] = make(map[string][]byte)
		}
		subdirs[name][rest] = content
	}

	for name, content := range direct {
		if content == nil {
			delete(entries, name)
			continue
		}
		hash, err := r.writeBlob(content)
		if err != nil {
			return plumbing.ZeroHash, 0, err
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: hash}
	}

	for name, sub := range subdirs {
		var baseSub *object.Tree
		if e, ok := entries[name]; ok && e.Mode == filemode.Dir {
			tree, err := r.repo.TreeObject(e.Hash)
			if err != nil {
				return plumbing.ZeroHash, 0, faults.New(faults.StoreIO, "failed to load subtree "+name, err)
			}
			baseSub = tree
		}
		hash, count, err := r.applyTreeChanges(baseSub, sub)
		if err != nil {
			return plumbing.ZeroHash, 0, err
		}
		if count == 0 {
			delete(entries, name)
			continue
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash}
	}

	sorted := make([]object.TreeEntry, 0, len(entries))
	for _, e := range entries {
		sorted = append(sorted, e)
	}
	sortTreeEntries(sorted)

	hash, err := r.writeTree(sorted)
	if err != nil {
		return plumbing.ZeroHash, 0, err
	}
	return hash, len(sorted), nil
}

// sortTreeEntries sorts entries the way git canonicalizes trees:
// byte-wise by name, with directories compared as if suffixed by "/".
func sortTreeEntries(entries []object.TreeEntry) {
	key := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool {
		return key(entries[i]) < key(entries[j])
	})
}

func (r *Repo) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, faults.New(faults.StoreIO, "failed to open blob writer", err)
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, faults.New(faults.StoreIO, "failed to write blob", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, faults.New(faults.StoreIO, "failed to finalize blob", err)
	}

	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, faults.New(faults.StoreIO, "failed to store blob", err)
	}
	return hash, nil
}

func (r *Repo) writeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	tree := &object.Tree{Entries: entries}
	obj := r.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, faults.New(faults.StoreIO, "failed to encode tree", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, faults.New(faults.StoreIO, "failed to store tree", err)
	}
	return hash, nil
}
