// Package query answers structured query requests against the index
// store, scoped to a resolved (repository, branch, collection).
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/clevertree/relay-sub003/internal/config"
	"github.com/clevertree/relay-sub003/internal/faults"
	"github.com/clevertree/relay-sub003/internal/indexer"
)

// Request is the generic query envelope. Page numbering is 1-based.
type Request struct {
	Collection string         `json:"collection,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
	Sort       []string       `json:"sort,omitempty"` // "field" ascending, "-field" descending
	Page       int            `json:"page,omitempty"`
	PageSize   int            `json:"page_size,omitempty"`
}

// Response carries one page of results plus the total match count.
type Response struct {
	Items    []map[string]any `json:"items"`
	Total    uint64           `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// Engine translates query envelopes into index-store searches. It never
// mutates state, regardless of how it is invoked.
type Engine struct {
	store    *indexer.Store
	settings config.QuerySettings
}

func NewEngine(store *indexer.Store, settings config.QuerySettings) *Engine {
	return &Engine{store: store, settings: settings}
}

// Query runs one paginated search. Sort order is made stable by always
// appending the document identity as the final tie-break, so walking
// pages of an unchanged index never skips or repeats an item.
func (e *Engine) Query(ctx context.Context, repoID, branch, collection string, req Request) (*Response, error) {
	page, pageSize, err := e.normalizePaging(req.Page, req.PageSize)
	if err != nil {
		return nil, err
	}

	index, ok, err := e.store.Lookup(repoID, branch, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Nothing was ever indexed for this scope.
		return &Response{Items: []map[string]any{}, Total: 0, Page: page, PageSize: pageSize}, nil
	}

	filter, err := buildFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	sortOrder, err := buildSort(req.Sort)
	if err != nil {
		return nil, err
	}

	searchReq := bleve.NewSearchRequest(filter)
	searchReq.Fields = []string{"*"}
	searchReq.SortBy(sortOrder)
	searchReq.Size = pageSize
	searchReq.From = (page - 1) * pageSize

	res, err := index.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, faults.New(faults.StoreIO, "index search failed", err)
	}

	items := make([]map[string]any, 0, len(res.Hits))
	for _, hit := range res.Hits {
		items = append(items, hit.Fields)
	}
	return &Response{Items: items, Total: res.Total, Page: page, PageSize: pageSize}, nil
}

func (e *Engine) normalizePaging(page, pageSize int) (int, int, error) {
	if page < 0 || pageSize < 0 {
		return 0, 0, faults.New(faults.MalformedRequest, "page and page_size must be positive", nil)
	}
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = e.settings.DefaultPageSize
	}
	if pageSize > e.settings.MaxPageSize {
		pageSize = e.settings.MaxPageSize
	}
	return page, pageSize, nil
}

// buildFilter turns the filter map into a conjunction of exact-value
// predicates. An empty filter matches everything.
func buildFilter(filter map[string]any) (query.Query, error) {
	if len(filter) == 0 {
		return bleve.NewMatchAllQuery(), nil
	}

	must := make([]query.Query, 0, len(filter))
	for field, value := range filter {
		if field == "" {
			return nil, faults.New(faults.MalformedRequest, "filter: empty field name", nil)
		}
		switch v := value.(type) {
		case string:
			tq := bleve.NewTermQuery(v)
			tq.SetField(field)
			must = append(must, tq)
		case float64:
			nq := bleve.NewNumericRangeInclusiveQuery(&v, &v, boolPtr(true), boolPtr(true))
			nq.SetField(field)
			must = append(must, nq)
		case bool:
			bq := bleve.NewBoolFieldQuery(v)
			bq.SetField(field)
			must = append(must, bq)
		default:
			return nil, faults.New(faults.MalformedRequest, fmt.Sprintf("filter.%s: unsupported value type %T", field, value), nil)
		}
	}
	return bleve.NewConjunctionQuery(must...), nil
}

// buildSort validates the sort fields and appends the identity tie-break.
func buildSort(sort []string) ([]string, error) {
	order := make([]string, 0, len(sort)+1)
	for _, field := range sort {
		name := strings.TrimPrefix(field, "-")
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, faults.New(faults.MalformedRequest, "sort: invalid field "+field, nil)
		}
		order = append(order, field)
	}
	return append(order, "_id"), nil
}

func boolPtr(b bool) *bool { return &b }
