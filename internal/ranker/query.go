// Package ranker implements the Hybrid Ranker: dense vector retrieval,
// BM25 lexical re-scoring, LLM re-ranking, rule-based constraint overlay,
// and a final AI-dominant score fusion.
package ranker

import "github.com/tytac116/PropMatch/internal/listing"

// SortField selects the field a result page is ordered by. Relevance is
// the ranker's own final_score; price/date bypass ranking and sort the
// hydrated listings directly.
type SortField string

const (
	SortRelevance SortField = "relevance"
	SortPrice     SortField = "price"
	SortDate      SortField = "date"
)

// SortDir is ascending or descending.
type SortDir string

const (
	Asc  SortDir = "asc"
	Desc SortDir = "desc"
)

// Filters narrows candidates by typed fields translated into vector-index
// metadata filters (property_type, bedrooms, city as equality; price as a
// range). Bathrooms, area, neighborhood and status are carried here but are
// not applied: the index filter grammar doesn't carry them and the ranker
// does not filter hydrated listings on them.
type Filters struct {
	PropertyType string
	MinPrice     int64
	MaxPrice     int64
	Bedrooms     int
	HasBedrooms  bool
	Bathrooms    float64
	HasBathrooms bool
	MinArea      int
	MaxArea      int
	City         string
	Neighborhood string
	Status       listing.Status
	HasStatus    bool
}

// Query is a single search request.
type Query struct {
	Text     string
	Filters  Filters
	Page     int
	PageSize int
	Sort     SortField
	SortDir  SortDir
}
