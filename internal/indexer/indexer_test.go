package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/clevertree/relay-sub003/internal/config"
	"github.com/clevertree/relay-sub003/internal/domain"
	"github.com/clevertree/relay-sub003/internal/faults"
	"github.com/clevertree/relay-sub003/internal/registry"
	"github.com/clevertree/relay-sub003/internal/rules"
	"github.com/clevertree/relay-sub003/internal/store"
)

const testRuleDoc = `db:
  engine: bleve
  mapping:
    "**/meta.json": items
  unique:
    - title
`

type testEnv struct {
	repo     *registry.Repository
	doc      *rules.Document
	pipeline *Pipeline
	store    *Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg, err := registry.NewRegistry(&config.RepoSettings{
		BaseDir:       t.TempDir(),
		DefaultBranch: "main",
		IOTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	if err := reg.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	repo, err := reg.Ensure("demo")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	doc, err := rules.Parse([]byte(testRuleDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	idx := NewStore(t.TempDir())
	t.Cleanup(func() {
		// Scorch panics on double close, and some tests close their
		// index handle deliberately; don't let that fail cleanup.
		defer func() { _ = recover() }()
		_ = idx.Close()
	})

	return &testEnv{
		repo:     repo,
		doc:      doc,
		pipeline: NewPipeline(idx, 8*1024*1024),
		store:    idx,
	}
}

// commit applies changes on main and returns (parent, new) hashes.
func (e *testEnv) commit(t *testing.T, changes store.ChangeSet) (plumbing.Hash, plumbing.Hash) {
	t.Helper()
	parent, err := e.repo.Store().BranchHead("main")
	if err != nil {
		parent = plumbing.ZeroHash
	}
	hash := store.MustCommit(t, e.repo.Store(), "main", changes, "test commit")
	e.repo.SetHead("main", hash.String())
	return parent, hash
}

func (e *testEnv) reindex(t *testing.T, old, new plumbing.Hash) *Delta {
	t.Helper()
	delta, err := e.pipeline.Reindex(context.Background(), e.repo, "main", old, new, e.doc)
	if err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	return delta
}

// entryFields fetches the stored fields of one indexed entry.
func entryFields(t *testing.T, idx bleve.Index, id string) map[string]any {
	t.Helper()
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id}))
	req.Fields = []string{"*"}
	res, err := idx.Search(req)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("Search(%q) hits = %d, want 1", id, len(res.Hits))
	}
	return res.Hits[0].Fields
}

func countEntries(t *testing.T, idx bleve.Index) uint64 {
	t.Helper()
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	res, err := idx.Search(req)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	return res.Total
}

func TestReindexInjectsSystemFields(t *testing.T) {
	env := newTestEnv(t)
	old, head := env.commit(t, store.ChangeSet{
		"a/meta.json": []byte(`{"title":"X","branch":"spoofed"}`),
		"a/other.txt": []byte("ignored"),
	})

	delta := env.reindex(t, old, head)
	if delta.Indexed != 1 || delta.Deleted != 0 || len(delta.Violations) != 0 {
		t.Fatalf("Delta = %+v, want 1 indexed only", delta)
	}

	idx, err := env.store.Open("demo", "main", "items")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	fields := entryFields(t, idx, "a")
	if fields["title"] != "X" {
		t.Errorf("title = %v, want X", fields["title"])
	}
	if fields[domain.FieldBranch] != "main" {
		t.Errorf("branch = %v, want main (user value must not win)", fields[domain.FieldBranch])
	}
	if fields[domain.FieldPath] != "a" {
		t.Errorf("path = %v, want a", fields[domain.FieldPath])
	}

	commit, err := env.repo.Store().Commit(head)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	wantStamp := commit.Committer.When.UTC().Format(time.RFC3339)
	if fields[domain.FieldCreated] != wantStamp {
		t.Errorf("created_at = %v, want %v", fields[domain.FieldCreated], wantStamp)
	}
	if fields[domain.FieldUpdated] != wantStamp {
		t.Errorf("updated_at = %v, want %v", fields[domain.FieldUpdated], wantStamp)
	}
}

func TestReindexIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	old, head := env.commit(t, store.ChangeSet{"a/meta.json": []byte(`{"title":"X"}`)})

	env.reindex(t, old, head)
	idx, _ := env.store.Open("demo", "main", "items")
	first := entryFields(t, idx, "a")

	env.reindex(t, old, head)
	second := entryFields(t, idx, "a")

	for _, field := range domain.SystemFields {
		if first[field] != second[field] {
			t.Errorf("%s changed across identical reindex runs: %v != %v", field, first[field], second[field])
		}
	}
	if got := countEntries(t, idx); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
}

func TestReindexUpdatePreservesCreatedAt(t *testing.T) {
	env := newTestEnv(t)
	old1, head1 := env.commit(t, store.ChangeSet{"a/meta.json": []byte(`{"title":"X"}`)})
	env.reindex(t, old1, head1)

	idx, _ := env.store.Open("demo", "main", "items")
	before := entryFields(t, idx, "a")

	old2, head2 := env.commit(t, store.ChangeSet{"a/meta.json": []byte(`{"title":"Y"}`)})
	delta := env.reindex(t, old2, head2)
	if delta.Indexed != 1 {
		t.Fatalf("Delta = %+v, want 1 indexed", delta)
	}

	after := entryFields(t, idx, "a")
	if after["title"] != "Y" {
		t.Errorf("title = %v, want Y", after["title"])
	}
	if after[domain.FieldCreated] != before[domain.FieldCreated] {
		t.Errorf("created_at changed on update: %v != %v", after[domain.FieldCreated], before[domain.FieldCreated])
	}
	if got := countEntries(t, idx); got != 1 {
		t.Errorf("entries = %d, want 1 (update in place)", got)
	}
}

func TestReindexDeletesRemovedDocuments(t *testing.T) {
	env := newTestEnv(t)
	old1, head1 := env.commit(t, store.ChangeSet{
		"a/meta.json": []byte(`{"title":"X"}`),
		"b/meta.json": []byte(`{"title":"Y"}`),
	})
	env.reindex(t, old1, head1)

	old2, head2 := env.commit(t, store.ChangeSet{"a/meta.json": nil})
	delta := env.reindex(t, old2, head2)
	if delta.Deleted != 1 {
		t.Fatalf("Delta = %+v, want 1 deleted", delta)
	}

	idx, _ := env.store.Open("demo", "main", "items")
	if got := countEntries(t, idx); got != 1 {
		t.Errorf("entries = %d, want 1 after delete", got)
	}
}

func TestReindexUniquenessViolation(t *testing.T) {
	env := newTestEnv(t)
	old, head := env.commit(t, store.ChangeSet{
		"a/meta.json": []byte(`{"title":"X"}`),
		"b/meta.json": []byte(`{"title":"X"}`),
	})

	delta := env.reindex(t, old, head)
	if delta.Indexed != 1 {
		t.Errorf("Indexed = %d, want 1", delta.Indexed)
	}
	if len(delta.Violations) != 1 {
		t.Fatalf("Violations = %v, want exactly 1", delta.Violations)
	}
	v := delta.Violations[0]
	if v.Field != "title" || v.Path != "b/meta.json" {
		t.Errorf("Violation = %+v, want field title at b/meta.json", v)
	}

	idx, _ := env.store.Open("demo", "main", "items")
	if got := countEntries(t, idx); got != 1 {
		t.Errorf("entries = %d, want 1 (loser rejected at index layer)", got)
	}
}

func TestReindexMoveKeepingUniqueKey(t *testing.T) {
	env := newTestEnv(t)
	old1, head1 := env.commit(t, store.ChangeSet{"z/meta.json": []byte(`{"title":"X"}`)})
	env.reindex(t, old1, head1)

	// Move to an earlier-sorting directory in a single commit. The
	// vacated entry must be gone before the new one is checked for
	// uniqueness.
	old2, head2 := env.commit(t, store.ChangeSet{
		"z/meta.json": nil,
		"a/meta.json": []byte(`{"title":"X"}`),
	})
	delta := env.reindex(t, old2, head2)
	if delta.Indexed != 1 || delta.Deleted != 1 || len(delta.Violations) != 0 {
		t.Fatalf("Delta = %+v, want 1 indexed, 1 deleted, no violations", delta)
	}

	idx, _ := env.store.Open("demo", "main", "items")
	if got := countEntries(t, idx); got != 1 {
		t.Fatalf("entries = %d, want 1 after move", got)
	}
	fields := entryFields(t, idx, "a")
	if fields["title"] != "X" {
		t.Errorf("title = %v, want X", fields["title"])
	}

	// The same pair of commits must reproduce the same end state.
	again := env.reindex(t, old2, head2)
	if again.Indexed != 1 || again.Deleted != 0 || len(again.Violations) != 0 {
		t.Errorf("repeat Delta = %+v, want 1 indexed and no violations", again)
	}
	if got := countEntries(t, idx); got != 1 {
		t.Errorf("entries = %d, want 1 after repeat run", got)
	}
}

func TestReindexSameValueUpdateIsNotAViolation(t *testing.T) {
	env := newTestEnv(t)
	old1, head1 := env.commit(t, store.ChangeSet{"a/meta.json": []byte(`{"title":"X"}`)})
	env.reindex(t, old1, head1)

	old2, head2 := env.commit(t, store.ChangeSet{"a/meta.json": []byte(`{"title":"X","rev":"2"}`)})
	delta := env.reindex(t, old2, head2)
	if len(delta.Violations) != 0 {
		t.Errorf("Violations = %v, want none for same-identity update", delta.Violations)
	}
}

func TestReindexUnparseableDocument(t *testing.T) {
	env := newTestEnv(t)
	old, head := env.commit(t, store.ChangeSet{
		"a/meta.json": []byte("{not json or yaml: ["),
		"b/meta.json": []byte(`{"title":"ok"}`),
	})

	delta := env.reindex(t, old, head)
	if delta.Indexed != 1 {
		t.Errorf("Indexed = %d, want 1", delta.Indexed)
	}
	if len(delta.Violations) != 1 || delta.Violations[0].Path != "a/meta.json" {
		t.Errorf("Violations = %v, want one for a/meta.json", delta.Violations)
	}
}

func TestEntryLookupFailureIsStoreFault(t *testing.T) {
	env := newTestEnv(t)
	old, head := env.commit(t, store.ChangeSet{"a/meta.json": []byte(`{"title":"X"}`)})
	env.reindex(t, old, head)

	idx, err := env.store.Open("demo", "main", "items")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, _, err = existingField(idx, "a", domain.FieldCreated)
	if err == nil {
		t.Fatal("existingField() on a closed index: error = nil, want StoreIO")
	}
	if !faults.IsCategory(err, faults.StoreIO) {
		t.Errorf("existingField() error = %v, want StoreIO category", err)
	}
}

func TestReindexDiffOnlyTouchesChangedPaths(t *testing.T) {
	env := newTestEnv(t)
	old1, head1 := env.commit(t, store.ChangeSet{"a/meta.json": []byte(`{"title":"X"}`)})
	env.reindex(t, old1, head1)

	old2, head2 := env.commit(t, store.ChangeSet{"b/meta.json": []byte(`{"title":"Y"}`)})
	delta := env.reindex(t, old2, head2)
	if delta.Indexed != 1 {
		t.Errorf("Indexed = %d, want only the new document", delta.Indexed)
	}
}
