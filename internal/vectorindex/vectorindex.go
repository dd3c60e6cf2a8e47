// Package vectorindex implements the Vector Index Adapter: upsert and
// approximate-nearest-neighbor query over listing embeddings, with a
// metadata filter grammar restricted to equality and range comparisons on a
// small set of typed fields.
package vectorindex

import (
	"context"
	"fmt"
)

// FilterOp is one of the three comparison operators the adapter contract
// supports. Anything richer belongs to the (out of scope) provider itself.
type FilterOp string

const (
	OpEq  FilterOp = "$eq"
	OpGte FilterOp = "$gte"
	OpLte FilterOp = "$lte"
)

// Filter constrains a single metadata field. Value is either a string (for
// $eq on property_type/city) or a float64 (for $eq/$gte/$lte on
// price/bedrooms).
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Match is a single candidate returned by a similarity query; Query
// returns matches in Score-descending order.
type Match struct {
	ListingKey int64
	Score      float64 // in [0,1]
	Metadata   map[string]string
}

// Index is the narrow contract the Hybrid Ranker depends on. Concrete
// backends (Qdrant, in-memory) implement it; nothing above this package
// knows which backend is in use.
type Index interface {
	Upsert(ctx context.Context, listingKey int64, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, listingKey int64) error
	Query(ctx context.Context, vector []float32, topK int, filters []Filter) ([]Match, error)
	Dimension() int
	Close() error
}

// ErrEmbedDimensionMismatch is returned when a caller upserts or queries
// with a vector whose length does not match the index's configured
// dimension.
var ErrEmbedDimensionMismatch = fmt.Errorf("vectorindex: embedding dimension mismatch")

// ValidateFilters rejects any filter referencing a field or operator outside
// the fixed grammar the adapter contract allows (price, property_type,
// bedrooms, city).
func ValidateFilters(filters []Filter) error {
	allowed := map[string]map[FilterOp]bool{
		"price":         {OpEq: true, OpGte: true, OpLte: true},
		"property_type": {OpEq: true},
		"bedrooms":      {OpEq: true, OpGte: true, OpLte: true},
		"city":          {OpEq: true},
	}
	for _, f := range filters {
		ops, ok := allowed[f.Field]
		if !ok {
			return fmt.Errorf("vectorindex: unsupported filter field %q", f.Field)
		}
		if !ops[f.Op] {
			return fmt.Errorf("vectorindex: unsupported operator %q on field %q", f.Op, f.Field)
		}
	}
	return nil
}
