// Package indexer maintains the per-repository bleve indexes that back
// structured queries, and keeps them in sync with accepted pushes.
package indexer

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/clevertree/relay-sub003/internal/domain"
	"github.com/clevertree/relay-sub003/internal/faults"
)

// IndexSuffix is the suffix for index directories
const IndexSuffix = ".bleve"

// Store manages one bleve index per (repository, branch, collection).
// Handles are opened lazily and kept open for the process lifetime.
type Store struct {
	baseDir string

	mu      sync.Mutex
	indexes map[string]bleve.Index
}

// NewStore creates a store rooted at baseDir/indexes.
func NewStore(baseDir string) *Store {
	return &Store{
		baseDir: filepath.Join(baseDir, "indexes"),
		indexes: make(map[string]bleve.Index),
	}
}

// CreateIndexMapping builds the bleve mapping for meta documents. All
// fields use the keyword analyzer: queries filter on exact values, and
// the system fields must compare verbatim.
func CreateIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	for _, field := range domain.SystemFields {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		fm.Store = true
		docMapping.AddFieldMappingsAt(field, fm)
	}

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = keyword.Name
	return indexMapping
}

// indexKey identifies one collection index.
func indexKey(repoID, branch, collection string) string {
	return repoID + "/" + branch + "/" + collection
}

// indexPath returns the on-disk location for a collection index.
func (s *Store) indexPath(repoID, branch, collection string) string {
	return filepath.Join(s.baseDir, sanitize(repoID), sanitize(branch), sanitize(collection)+IndexSuffix)
}

func sanitize(name string) string {
	name = strings.ReplaceAll(name, "/", "__")
	name = strings.ReplaceAll(name, "..", "_")
	return name
}

// Open returns the index for (repoID, branch, collection), creating it
// on first use.
func (s *Store) Open(repoID, branch, collection string) (bleve.Index, error) {
	key := indexKey(repoID, branch, collection)

	s.mu.Lock()
	defer s.mu.Unlock()

	if index, ok := s.indexes[key]; ok {
		return index, nil
	}

	path := s.indexPath(repoID, branch, collection)
	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(path, CreateIndexMapping())
	}
	if err != nil {
		return nil, faults.New(faults.StoreIO, fmt.Sprintf("failed to open index %s", key), err)
	}

	s.indexes[key] = index
	return index, nil
}

// Lookup returns the index for (repoID, branch, collection) without
// creating it. Absence means nothing was ever indexed there.
func (s *Store) Lookup(repoID, branch, collection string) (bleve.Index, bool, error) {
	key := indexKey(repoID, branch, collection)

	s.mu.Lock()
	defer s.mu.Unlock()

	if index, ok := s.indexes[key]; ok {
		return index, true, nil
	}

	path := s.indexPath(repoID, branch, collection)
	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, faults.New(faults.StoreIO, fmt.Sprintf("failed to open index %s", key), err)
	}

	s.indexes[key] = index
	return index, true, nil
}

// Close releases all open index handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for key, index := range s.indexes {
		if err := index.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close index %s: %w", key, err)
		}
		delete(s.indexes, key)
	}
	return firstErr
}
