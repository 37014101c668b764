package rules

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/clevertree/relay-sub003/internal/config"
	"github.com/clevertree/relay-sub003/internal/faults"
	"github.com/clevertree/relay-sub003/internal/registry"
	"github.com/clevertree/relay-sub003/internal/store"
)

const validRuleDoc = `db:
  engine: bleve
  mapping:
    "**/meta.json": items
  unique:
    - title
  indexes:
    - title
    - tags
extensions:
  theme: dark
`

func TestParseValidDocument(t *testing.T) {
	doc, err := Parse([]byte(validRuleDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if doc.DB.Engine != EngineBleve {
		t.Errorf("Engine = %q, want %q", doc.DB.Engine, EngineBleve)
	}
	if got := doc.DB.Unique; len(got) != 1 || got[0] != "title" {
		t.Errorf("Unique = %v, want [title]", got)
	}
	if doc.Extensions["theme"] != "dark" {
		t.Errorf("Extensions = %v, want theme: dark", doc.Extensions)
	}

	collection, ok := doc.CollectionFor("a/meta.json")
	if !ok || collection != "items" {
		t.Errorf("CollectionFor(a/meta.json) = %q, %v; want items, true", collection, ok)
	}
	if _, ok := doc.CollectionFor("a/other.json"); ok {
		t.Error("CollectionFor(a/other.json) should not match")
	}
}

func TestParseInvalidDocuments(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantField string
	}{
		{
			name:      "missing engine",
			doc:       "db:\n  mapping:\n    \"*.json\": items\n",
			wantField: "db.engine",
		},
		{
			name:      "unsupported engine",
			doc:       "db:\n  engine: sqlite\n  mapping:\n    \"*.json\": items\n",
			wantField: "db.engine",
		},
		{
			name:      "empty mapping",
			doc:       "db:\n  engine: bleve\n",
			wantField: "db.mapping",
		},
		{
			name:      "empty collection name",
			doc:       "db:\n  engine: bleve\n  mapping:\n    \"*.json\": \"\"\n",
			wantField: "db.mapping",
		},
		{
			name:      "empty unique field",
			doc:       "db:\n  engine: bleve\n  mapping:\n    \"*.json\": items\n  unique:\n    - \"\"\n",
			wantField: "db.unique[0]",
		},
		{
			name:      "not yaml",
			doc:       "{db: [unclosed",
			wantField: "YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !faults.IsCategory(err, faults.RulesInvalid) {
				t.Fatalf("Parse() error = %v, want RulesInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantField) {
				t.Errorf("Parse() error = %q, want mention of %q", err, tt.wantField)
			}
		})
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"**/meta.json", "meta.json", true},
		{"**/meta.json", "a/meta.json", true},
		{"**/meta.json", "a/b/c/meta.json", true},
		{"**/meta.json", "a/meta.yaml", false},
		{"**/meta.json", "a/meta.json/extra", false},
		{"docs/**", "docs/a.json", true},
		{"docs/**", "docs/sub/a.json", true},
		{"docs/**", "docsx/a.json", false},
		{"*.json", "top.json", true},
		{"*.json", "a/top.json", false},
		{"a/*.json", "a/top.json", true},
		{"a/*.json", "a/b/top.json", false},
		{"meta.json", "meta.json", true},
		{"meta.json", "a/meta.json", false},
	}

	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.path); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestCollectionsAndRuleOrder(t *testing.T) {
	doc, err := Parse([]byte("db:\n  engine: bleve\n  mapping:\n    \"**/b.json\": second\n    \"**/a.json\": first\n    \"**/c.json\": second\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	rules := doc.Rules()
	if len(rules) != 3 || rules[0].Pattern != "**/a.json" {
		t.Errorf("Rules() = %v, want ordered by pattern", rules)
	}

	collections := doc.Collections()
	if len(collections) != 2 || collections[0] != "first" || collections[1] != "second" {
		t.Errorf("Collections() = %v, want [first second]", collections)
	}
}

func seedRuleRepo(t *testing.T, ruleDoc string) *registry.Repository {
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
	if ruleDoc != "" {
		hash := store.MustCommit(t, repo.Store(), "main", store.ChangeSet{
			RuleFilePath: []byte(ruleDoc),
		}, "add rules")
		repo.SetHead("main", hash.String())
	}
	return repo
}

func TestLoaderLoadsFromDefaultBranch(t *testing.T) {
	repo := seedRuleRepo(t, validRuleDoc)

	loader := NewLoader()
	doc, err := loader.Load(repo)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := doc.CollectionFor("x/meta.json"); !ok {
		t.Error("loaded document should map x/meta.json")
	}

	// Second load hits the cache and returns the same parsed document.
	again, err := loader.Load(repo)
	if err != nil {
		t.Fatalf("Load() second call error = %v", err)
	}
	if again != doc {
		t.Error("Load() should return the cached document for the same head")
	}
}

func TestLoaderMissingDocument(t *testing.T) {
	t.Run("no rule file", func(t *testing.T) {
		repo := seedRuleRepo(t, "")
		hash := store.MustCommit(t, repo.Store(), "main", store.ChangeSet{
			"README.md": []byte("no rules here"),
		}, "seed")
		repo.SetHead("main", hash.String())

		_, err := NewLoader().Load(repo)
		if !faults.IsCategory(err, faults.RulesMissing) {
			t.Errorf("Load() error = %v, want RulesMissing", err)
		}
	})

	t.Run("empty repository", func(t *testing.T) {
		repo := seedRuleRepo(t, "")
		_, err := NewLoader().Load(repo)
		if !faults.IsCategory(err, faults.RulesMissing) {
			t.Errorf("Load() error = %v, want RulesMissing", err)
		}
	})
}

func TestLoaderInvalidDocument(t *testing.T) {
	repo := seedRuleRepo(t, "db:\n  engine: bleve\n")

	_, err := NewLoader().Load(repo)
	if !faults.IsCategory(err, faults.RulesInvalid) {
		t.Errorf("Load() error = %v, want RulesInvalid", err)
	}
}

func TestLoaderSeesNewHead(t *testing.T) {
	repo := seedRuleRepo(t, "db:\n  engine: bleve\n")
	loader := NewLoader()

	if _, err := loader.Load(repo); !faults.IsCategory(err, faults.RulesInvalid) {
		t.Fatalf("Load() error = %v, want RulesInvalid", err)
	}

	hash := store.MustCommit(t, repo.Store(), "main", store.ChangeSet{
		RuleFilePath: []byte(validRuleDoc),
	}, "fix rules")
	repo.SetHead("main", hash.String())

	if _, err := loader.Load(repo); err != nil {
		t.Errorf("Load() after fixing rules error = %v", err)
	}
}
