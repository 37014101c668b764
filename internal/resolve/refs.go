// Package resolve maps request hints to a concrete (repository, branch)
// pair and resolves tree paths to file content or directory listings.
package resolve

import (
	"net/http"

	"github.com/clevertree/relay-sub003/internal/config"
	"github.com/clevertree/relay-sub003/internal/faults"
	"github.com/clevertree/relay-sub003/internal/registry"
)

// Request inputs carrying repository/branch hints, in precedence order.
const (
	ParamRepo    = "repo"
	ParamBranch  = "branch"
	HeaderRepo   = "X-Relay-Repo"
	HeaderBranch = "X-Relay-Branch"
	CookieRepo   = "relay-repo"
	CookieBranch = "relay-branch"
)

// Selection carries the raw repository/branch hints extracted from a
// request. Empty fields mean "no hint given".
type Selection struct {
	Repo   string
	Branch string
}

// SelectionFromRequest extracts hints with query parameters winning over
// headers, and headers winning over cookies.
func SelectionFromRequest(r *http.Request) Selection {
	return Selection{
		Repo:   firstHint(r, ParamRepo, HeaderRepo, CookieRepo),
		Branch: firstHint(r, ParamBranch, HeaderBranch, CookieBranch),
	}
}

func firstHint(r *http.Request, param, header, cookie string) string {
	if v := r.URL.Query().Get(param); v != "" {
		return v
	}
	if v := r.Header.Get(header); v != "" {
		return v
	}
	if c, err := r.Cookie(cookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// Resolver turns a Selection into a concrete repository and branch.
// Resolution is pure: the same inputs always produce the same pair.
type Resolver struct {
	registry      *registry.Registry
	defaultRepo   string
	defaultBranch string
}

func NewResolver(reg *registry.Registry, settings *config.RepoSettings) *Resolver {
	return &Resolver{
		registry:      reg,
		defaultRepo:   settings.DefaultRepo,
		defaultBranch: settings.DefaultBranch,
	}
}

// Resolve applies the precedence order: explicit hint, configured
// default, then the first repository by name as a last-resort fallback.
// An explicit hint naming an unknown repository or branch is NotFound.
func (r *Resolver) Resolve(sel Selection) (*registry.Repository, string, error) {
	repo, err := r.resolveRepo(sel.Repo)
	if err != nil {
		return nil, "", err
	}
	branch, err := resolveBranch(repo, sel.Branch)
	if err != nil {
		return nil, "", err
	}
	return repo, branch, nil
}

func (r *Resolver) resolveRepo(hint string) (*registry.Repository, error) {
	if hint != "" {
		return r.registry.Get(hint)
	}
	if r.defaultRepo != "" {
		return r.registry.Get(r.defaultRepo)
	}
	if repo, ok := r.registry.First(); ok {
		return repo, nil
	}
	return nil, faults.NotFoundf("no repositories available")
}

func resolveBranch(repo *registry.Repository, hint string) (string, error) {
	if hint != "" {
		if _, ok := repo.Head(hint); !ok {
			return "", faults.NotFoundf("branch not found: " + hint)
		}
		return hint, nil
	}
	// The repository's own default branch is valid even before its first
	// commit; reads against it resolve to "exists, empty" downstream.
	return repo.DefaultBranch(), nil
}
