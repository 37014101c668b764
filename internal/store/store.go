// Package store wraps the underlying git object store: bare repositories,
// ref resolution, tree walks, blob reads and commit construction. Nothing
// outside this package touches go-git plumbing directly.
package store

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/clevertree/relay-sub003/internal/faults"
)

// Repo is a handle to a single bare repository.
type Repo struct {
	repo *gogit.Repository
	path string
}

// Open opens an existing bare repository at path.
func Open(path string) (*Repo, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, faults.NotFoundf("repository does not exist at " + path)
		}
		return nil, faults.New(faults.StoreIO, "failed to open repository", err)
	}
	return &Repo{repo: repo, path: path}, nil
}

// Init creates a new empty bare repository at path with HEAD pointing at
// defaultBranch.
func Init(path, defaultBranch string) (*Repo, error) {
	repo, err := gogit.PlainInit(path, true)
	if err != nil {
		return nil, faults.New(faults.StoreIO, "failed to initialize repository", err)
	}

	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(defaultBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, faults.New(faults.StoreIO, "failed to set HEAD", err)
	}
	return &Repo{repo: repo, path: path}, nil
}

// Clone materializes a remote repository as a bare local one.
func Clone(ctx context.Context, url, path string) (*Repo, error) {
	repo, err := gogit.PlainCloneContext(ctx, path, true, &gogit.CloneOptions{
		URL: url,
	})
	if err != nil {
		return nil, faults.New(faults.StoreIO, "failed to clone "+url, err)
	}
	return &Repo{repo: repo, path: path}, nil
}

// Path returns the on-disk location of the repository.
func (r *Repo) Path() string {
	return r.path
}

// DefaultBranch resolves the branch HEAD points at, falling back to main
// and then master when HEAD is unset or dangling.
func (r *Repo) DefaultBranch() (string, error) {
	head, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err == nil && head.Type() == plumbing.SymbolicReference {
		target := head.Target()
		if target.IsBranch() {
			return target.Short(), nil
		}
	}

	for _, candidate := range []string{"main", "master"} {
		if _, err := r.BranchHead(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", faults.NotFoundf("could not determine default branch")
}

// BranchHead returns the commit hash a branch currently points at.
func (r *Repo) BranchHead(branch string) (plumbing.Hash, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, faults.NotFoundf("branch not found: " + branch)
		}
		return plumbing.ZeroHash, faults.New(faults.StoreIO, "failed to resolve branch "+branch, err)
	}
	return ref.Hash(), nil
}

// Branches returns all branch names mapped to their head hashes.
func (r *Repo) Branches() (map[string]string, error) {
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, faults.New(faults.StoreIO, "failed to list branches", err)
	}
	defer iter.Close()

	heads := make(map[string]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		heads[ref.Name().Short()] = ref.Hash().String()
		return nil
	})
	if err != nil {
		return nil, faults.New(faults.StoreIO, "failed to iterate branches", err)
	}
	return heads, nil
}

// SetBranchHead moves a branch ref to the given commit. This is the single
// mutation point of the store; callers are responsible for serialization.
func (r *Repo) SetBranchHead(branch string, hash plumbing.Hash) error {
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return faults.New(faults.StoreIO, "failed to update branch "+branch, err)
	}
	return nil
}

// Commit loads a commit object by hash.
func (r *Repo) Commit(hash plumbing.Hash) (*object.Commit, error) {
	commit, err := r.repo.CommitObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, faults.NotFoundf("commit not found: " + hash.String())
		}
		return nil, faults.New(faults.StoreIO, "failed to load commit", err)
	}
	return commit, nil
}

// TreeAt loads the root tree of the commit at hash.
func (r *Repo) TreeAt(hash plumbing.Hash) (*object.Tree, error) {
	commit, err := r.Commit(hash)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, faults.New(faults.StoreIO, "failed to load tree for commit", err)
	}
	return tree, nil
}

// Entry is a resolved tree entry: either a blob with content, or a
// directory with its direct children.
type Entry struct {
	IsDir    bool
	Content  []byte
	Size     int64
	Children []Child
}

// Child is one direct child of a directory entry.
type Child struct {
	Name  string
	IsDir bool
}

// ResolveEntry walks the tree of the commit at head along path and returns
// the terminal entry. An empty path resolves to the root directory.
// Malformed or missing paths yield NotFound, never a fault.
func (r *Repo) ResolveEntry(head plumbing.Hash, path string) (*Entry, error) {
	tree, err := r.TreeAt(head)
	if err != nil {
		return nil, err
	}

	path = strings.Trim(path, "/")
	if path == "" {
		return directoryEntry(tree), nil
	}
	if strings.Contains(path, "//") || strings.Contains(path, "..") {
		return nil, faults.NotFoundf("path not found: " + path)
	}

	entry, err := tree.FindEntry(path)
	if err != nil {
		// go-git reports several distinct traversal errors; all of them
		// mean "nothing at this path" to a caller.
		return nil, faults.NotFoundf("path not found: " + path)
	}

	if entry.Mode == filemode.Dir {
		subtree, err := tree.Tree(path)
		if err != nil {
			return nil, faults.NotFoundf("path not found: " + path)
		}
		return directoryEntry(subtree), nil
	}

	file, err := tree.File(path)
	if err != nil {
		return nil, faults.NotFoundf("path not found: " + path)
	}
	content, err := file.Contents()
	if err != nil {
		return nil, faults.New(faults.StoreIO, "failed to read blob at "+path, err)
	}
	return &Entry{Content: []byte(content), Size: file.Size}, nil
}

// ReadFile returns the raw bytes of the blob at path in the commit at head.
func (r *Repo) ReadFile(head plumbing.Hash, path string) ([]byte, error) {
	entry, err := r.ResolveEntry(head, path)
	if err != nil {
		return nil, err
	}
	if entry.IsDir {
		return nil, faults.NotFoundf("path is a directory: " + path)
	}
	return entry.Content, nil
}

func directoryEntry(tree *object.Tree) *Entry {
	children := make([]Child, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		children = append(children, Child{Name: e.Name, IsDir: e.Mode == filemode.Dir})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return &Entry{IsDir: true, Children: children}
}

// FileChange describes one changed path between two commits.
type FileChange struct {
	Path    string
	Deleted bool
}

// ChangedFiles returns the paths that differ between the trees of old and
// new. A zero old hash means everything in new is reported as added.
func (r *Repo) ChangedFiles(ctx context.Context, old, new plumbing.Hash) ([]FileChange, error) {
	newTree, err := r.TreeAt(new)
	if err != nil {
		return nil, err
	}

	if old == plumbing.ZeroHash {
		var changes []FileChange
		err := newTree.Files().ForEach(func(f *object.File) error {
			changes = append(changes, FileChange{Path: f.Name})
			return nil
		})
		if err != nil {
			return nil, faults.New(faults.StoreIO, "failed to walk tree", err)
		}
		return changes, nil
	}

	oldTree, err := r.TreeAt(old)
	if err != nil {
		return nil, err
	}

	diff, err := object.DiffTreeContext(ctx, oldTree, newTree)
	if err != nil {
		return nil, faults.New(faults.StoreIO, "failed to diff trees", err)
	}

	changes := make([]FileChange, 0, len(diff))
	for _, change := range diff {
		action, err := change.Action()
		if err != nil {
			return nil, faults.New(faults.StoreIO, "failed to classify tree change", err)
		}
		switch action {
		case merkletrie.Insert, merkletrie.Modify:
			changes = append(changes, FileChange{Path: change.To.Name})
		case merkletrie.Delete:
			changes = append(changes, FileChange{Path: change.From.Name, Deleted: true})
		}
	}
	return changes, nil
}

// WalkFiles invokes fn for every file reachable from the commit at head,
// stopping early when ctx is canceled.
func (r *Repo) WalkFiles(ctx context.Context, head plumbing.Hash, fn func(path string, read func() ([]byte, error)) error) error {
	tree, err := r.TreeAt(head)
	if err != nil {
		return err
	}

	iter := tree.Files()
	defer iter.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		file, err := iter.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return faults.New(faults.StoreIO, "failed to walk tree", err)
		}
		read := func() ([]byte, error) {
			content, err := file.Contents()
			if err != nil {
				return nil, faults.New(faults.StoreIO, "failed to read blob at "+file.Name, err)
			}
			return []byte(content), nil
		}
		if err := fn(file.Name, read); err != nil {
			return err
		}
	}
}
