// Package capability answers discovery requests: what the server
// supports, which repositories it hosts, and where their branches point.
package capability

import (
	"sort"

	"github.com/clevertree/relay-sub003/internal/registry"
	"github.com/clevertree/relay-sub003/internal/rules"
)

// SupportedVerbs lists the operations the wire surface accepts.
var SupportedVerbs = []string{"GET", "HEAD", "OPTIONS", "POST", "QUERY"}

// Reserved response keys that repository extensions may not override.
var reservedKeys = map[string]bool{
	"ok":            true,
	"capabilities":  true,
	"repos":         true,
	"currentRepo":   true,
	"currentBranch": true,
}

// RepoInfo is one hosted repository and its branch heads.
type RepoInfo struct {
	Name     string            `json:"name"`
	Branches map[string]string `json:"branches"`
}

// Negotiator builds capability responses.
type Negotiator struct {
	registry *registry.Registry
	loader   *rules.Loader
}

func NewNegotiator(reg *registry.Registry, loader *rules.Loader) *Negotiator {
	return &Negotiator{registry: reg, loader: loader}
}

// Negotiate returns the capability body for the resolved scope. current
// may be nil when the server hosts no repositories; the call still
// returns a complete body. Extensions declared in the current
// repository's rule document are merged verbatim at the top level.
func (n *Negotiator) Negotiate(current *registry.Repository, branch string) map[string]any {
	repos := make([]RepoInfo, 0)
	for _, name := range n.registry.Names() {
		repo, err := n.registry.Get(name)
		if err != nil {
			continue
		}
		branches := repo.Heads()
		if branches == nil {
			branches = map[string]string{}
		}
		repos = append(repos, RepoInfo{Name: name, Branches: branches})
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })

	body := map[string]any{
		"ok":            true,
		"capabilities":  map[string]any{"supports": SupportedVerbs},
		"repos":         repos,
		"currentRepo":   "",
		"currentBranch": branch,
	}

	if current == nil {
		return body
	}
	body["currentRepo"] = current.Name()

	// Extensions are advisory; a missing or broken rule document must
	// not make discovery fail.
	doc, err := n.loader.Load(current)
	if err != nil || doc == nil {
		return body
	}
	for key, value := range doc.Extensions {
		if !reservedKeys[key] {
			body[key] = value
		}
	}
	return body
}
