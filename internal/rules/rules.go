// Package rules loads and validates the per-repository rule document
// that gates pushes and drives the index pipeline.
package rules

import (
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/clevertree/relay-sub003/internal/faults"
)

// RuleFilePath is the well-known location of the rule document. It is
// read from the repository's default branch only.
const RuleFilePath = ".relay-rules.yaml"

// EngineBleve is the only index engine this server implements.
const EngineBleve = "bleve"

// Document is the parsed, validated rule document.
type Document struct {
	DB         DB             `yaml:"db"`
	Extensions map[string]any `yaml:"extensions"`

	rules []MappingRule
}

// DB declares the index engine, the path mapping and its constraints.
type DB struct {
	Engine  string            `yaml:"engine"`
	Mapping map[string]string `yaml:"mapping"` // path pattern -> collection
	Unique  []string          `yaml:"unique"`
	Indexes []string          `yaml:"indexes"`
}

// MappingRule is one (pattern, collection) pair. Rules are ordered by
// pattern so matching is deterministic regardless of YAML map order.
type MappingRule struct {
	Pattern    string
	Collection string
}

// Parse unmarshals and validates a rule document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, faults.New(faults.RulesInvalid, "rule document is not valid YAML", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}

	doc.rules = make([]MappingRule, 0, len(doc.DB.Mapping))
	for pattern, collection := range doc.DB.Mapping {
		doc.rules = append(doc.rules, MappingRule{Pattern: pattern, Collection: collection})
	}
	sort.Slice(doc.rules, func(i, j int) bool { return doc.rules[i].Pattern < doc.rules[j].Pattern })

	return &doc, nil
}

func (d *Document) validate() error {
	if d.DB.Engine == "" {
		return invalidf("db.engine: required")
	}
	if d.DB.Engine != EngineBleve {
		return invalidf("db.engine: unsupported engine " + d.DB.Engine)
	}
	if len(d.DB.Mapping) == 0 {
		return invalidf("db.mapping: at least one pattern is required")
	}
	for pattern, collection := range d.DB.Mapping {
		if pattern == "" {
			return invalidf("db.mapping: empty pattern")
		}
		if collection == "" {
			return invalidf("db.mapping." + pattern + ": empty collection name")
		}
	}
	for i, field := range d.DB.Unique {
		if field == "" {
			return invalidf("db.unique[" + strconv.Itoa(i) + "]: empty field name")
		}
	}
	for i, field := range d.DB.Indexes {
		if field == "" {
			return invalidf("db.indexes[" + strconv.Itoa(i) + "]: empty field name")
		}
	}
	return nil
}

// Rules returns the ordered mapping rules.
func (d *Document) Rules() []MappingRule {
	return d.rules
}

// CollectionFor returns the collection the given repository path maps to.
func (d *Document) CollectionFor(path string) (string, bool) {
	for _, rule := range d.rules {
		if MatchPattern(rule.Pattern, path) {
			return rule.Collection, true
		}
	}
	return "", false
}

// Collections returns the distinct collection names, sorted.
func (d *Document) Collections() []string {
	seen := make(map[string]bool, len(d.rules))
	names := make([]string, 0, len(d.rules))
	for _, rule := range d.rules {
		if !seen[rule.Collection] {
			seen[rule.Collection] = true
			names = append(names, rule.Collection)
		}
	}
	sort.Strings(names)
	return names
}

func invalidf(msg string) error {
	return faults.New(faults.RulesInvalid, msg, nil)
}
