package resolve

import (
	"context"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/clevertree/relay-sub003/internal/faults"
	"github.com/clevertree/relay-sub003/internal/registry"
)

// ObjectKind discriminates the outcomes of a path resolution.
type ObjectKind int

const (
	// KindFile is a blob with content bytes.
	KindFile ObjectKind = iota
	// KindListing is a tree with its direct children.
	KindListing
	// KindEmptyRoot is the root of a repository branch with no commits:
	// the scope exists, but there is nothing to list.
	KindEmptyRoot
)

// ListingEntry describes one direct child of a directory.
type ListingEntry struct {
	Type string `json:"type"` // "file" or "dir"
	Path string `json:"path"`
}

// Object is the result of resolving a path at a branch head.
type Object struct {
	Kind        ObjectKind
	Content     []byte
	ContentType string
	Size        int64
	Listing     map[string]ListingEntry
}

// ResolvePath walks the tree at the head of (repo, branch) along the
// given path. Missing or malformed paths are NotFound, never a fault.
func ResolvePath(ctx context.Context, repo *registry.Repository, branch, reqPath string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reqPath = strings.Trim(reqPath, "/")

	head, ok := repo.Head(branch)
	if !ok {
		if reqPath == "" {
			return &Object{Kind: KindEmptyRoot}, nil
		}
		return nil, faults.NotFoundf("branch not found: " + branch)
	}

	entry, err := repo.Store().ResolveEntry(plumbing.NewHash(head), reqPath)
	if err != nil {
		return nil, err
	}

	if !entry.IsDir {
		return &Object{
			Kind:        KindFile,
			Content:     entry.Content,
			ContentType: contentTypeFor(reqPath, entry.Content),
			Size:        entry.Size,
		}, nil
	}

	listing := make(map[string]ListingEntry, len(entry.Children))
	for _, child := range entry.Children {
		kind := "file"
		if child.IsDir {
			kind = "dir"
		}
		listing[child.Name] = ListingEntry{
			Type: kind,
			Path: "/" + path.Join(reqPath, child.Name),
		}
	}
	return &Object{Kind: KindListing, Listing: listing}, nil
}

// contentTypeFor infers a MIME type from the file extension, sniffing
// the content when the extension is unknown.
func contentTypeFor(reqPath string, content []byte) string {
	if ct := mime.TypeByExtension(path.Ext(reqPath)); ct != "" {
		return ct
	}
	if len(content) > 0 {
		return http.DetectContentType(content)
	}
	return "application/octet-stream"
}
