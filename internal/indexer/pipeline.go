package indexer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"

	"github.com/clevertree/relay-sub003/internal/domain"
	"github.com/clevertree/relay-sub003/internal/faults"
	"github.com/clevertree/relay-sub003/internal/registry"
	"github.com/clevertree/relay-sub003/internal/rules"
)

// Violation describes one document that could not be indexed. It is
// reported alongside an otherwise-successful reindex and never aborts
// the rest of the batch.
type Violation struct {
	Path    string `json:"path"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Delta summarizes the index changes produced by one reindex run.
type Delta struct {
	Indexed    int         `json:"indexed"`
	Deleted    int         `json:"deleted"`
	Violations []Violation `json:"violations,omitempty"`
}

// Pipeline applies commit diffs to the index store.
type Pipeline struct {
	store       *Store
	maxFileSize int64
}

func NewPipeline(store *Store, maxFileSize int64) *Pipeline {
	return &Pipeline{store: store, maxFileSize: maxFileSize}
}

// Reindex brings the (repository, branch) indexes from the state at old
// to the state at new, restricted to paths matched by the rule mapping.
// A zero old hash indexes the full tree. All deletions are applied
// before any upsert so a document moved within one commit never
// collides with the vacated entry; within each group documents are
// processed in path order, each independently. Re-running with the same
// pair of commits reproduces the same end state because all injected
// timestamps derive from commit metadata, not the wall clock.
func (p *Pipeline) Reindex(ctx context.Context, repo *registry.Repository, branch string, old, new plumbing.Hash, doc *rules.Document) (*Delta, error) {
	changes, err := repo.Store().ChangedFiles(ctx, old, new)
	if err != nil {
		return nil, err
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Deleted != changes[j].Deleted {
			return changes[i].Deleted
		}
		return changes[i].Path < changes[j].Path
	})

	commit, err := repo.Store().Commit(new)
	if err != nil {
		return nil, err
	}
	stamp := commit.Committer.When.UTC().Format(time.RFC3339)

	delta := &Delta{}
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		collection, ok := doc.CollectionFor(change.Path)
		if !ok {
			continue
		}
		identity := domain.DeriveIdentity(change.Path)

		if change.Deleted {
			deleted, err := p.deleteEntry(repo.Name(), branch, collection, identity)
			if err != nil {
				return nil, err
			}
			if deleted {
				delta.Deleted++
			}
			continue
		}

		violation, err := p.indexEntry(repo, branch, collection, change.Path, identity, new, stamp, doc)
		if err != nil {
			return nil, err
		}
		if violation != nil {
			delta.Violations = append(delta.Violations, *violation)
			continue
		}
		delta.Indexed++
	}
	return delta, nil
}

func (p *Pipeline) deleteEntry(repoID, branch, collection, identity string) (bool, error) {
	index, ok, err := p.store.Lookup(repoID, branch, collection)
	if err != nil || !ok {
		return false, err
	}
	_, found, err := existingField(index, identity, domain.FieldPath)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := index.Delete(identity); err != nil {
		return false, faults.New(faults.StoreIO, "failed to delete index entry "+identity, err)
	}
	return true, nil
}

func (p *Pipeline) indexEntry(repo *registry.Repository, branch, collection, filePath, identity string, head plumbing.Hash, stamp string, doc *rules.Document) (*Violation, error) {
	content, err := repo.Store().ReadFile(head, filePath)
	if err != nil {
		return nil, err
	}
	if p.maxFileSize > 0 && int64(len(content)) > p.maxFileSize {
		return &Violation{Path: filePath, Message: "document exceeds the maximum indexable size"}, nil
	}

	entry, err := parseMetaDocument(filePath, content)
	if err != nil {
		return &Violation{Path: filePath, Message: err.Error()}, nil
	}

	index, err := p.store.Open(repo.Name(), branch, collection)
	if err != nil {
		return nil, err
	}

	// First sighting keeps the current commit's timestamp forever.
	created := stamp
	existing, ok, err := existingField(index, identity, domain.FieldCreated)
	if err != nil {
		return nil, err
	}
	if ok {
		created = existing
	}

	entry[domain.FieldBranch] = branch
	entry[domain.FieldPath] = identity
	entry[domain.FieldCreated] = created
	entry[domain.FieldUpdated] = stamp

	for _, field := range doc.DB.Unique {
		value, ok := entry[field].(string)
		if !ok || domain.IsSystemField(field) {
			continue
		}
		conflict, err := uniqueConflict(index, field, value, identity)
		if err != nil {
			return nil, err
		}
		if conflict != "" {
			return &Violation{
				Path:    filePath,
				Field:   field,
				Message: fmt.Sprintf("unique field %q value %q already used by %s", field, value, conflict),
			}, nil
		}
	}

	if err := index.Index(identity, map[string]any(entry)); err != nil {
		return nil, faults.New(faults.StoreIO, "failed to index "+filePath, err)
	}
	return nil, nil
}

// parseMetaDocument parses a mapped file as structured data. YAML is a
// superset of JSON, so one parser covers both document flavors.
func parseMetaDocument(filePath string, content []byte) (domain.Entry, error) {
	var entry map[string]any
	if err := yaml.Unmarshal(content, &entry); err != nil {
		return nil, fmt.Errorf("not a structured document: %v", err)
	}
	if entry == nil {
		entry = map[string]any{}
	}
	return domain.Entry(entry), nil
}

// existingField returns a stored string field of an indexed entry. A
// failed lookup is a store fault, never mistaken for an absent entry.
func existingField(index bleve.Index, id, field string) (string, bool, error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id}))
	req.Fields = []string{field}
	res, err := index.Search(req)
	if err != nil {
		return "", false, faults.New(faults.StoreIO, "failed to look up index entry "+id, err)
	}
	if len(res.Hits) == 0 {
		return "", false, nil
	}
	value, ok := res.Hits[0].Fields[field].(string)
	return value, ok, nil
}

// uniqueConflict returns the identity of a different entry already
// holding value in field, or "" when the value is free.
func uniqueConflict(index bleve.Index, field, value, selfID string) (string, error) {
	tq := bleve.NewTermQuery(value)
	tq.SetField(field)
	req := bleve.NewSearchRequest(tq)
	req.Size = 2
	res, err := index.Search(req)
	if err != nil {
		return "", faults.New(faults.StoreIO, "failed to check uniqueness of "+field, err)
	}
	for _, hit := range res.Hits {
		if hit.ID != selfID {
			return hit.ID, nil
		}
	}
	return "", nil
}
