// Package store implements the Listing Store Adapter (C1): fetch one,
// fetch-batch, and fetch-sample of listings by key. Listings are never
// mutated by this system, so the adapter surface is read-only.
package store

import (
	"context"
	"errors"

	"github.com/tytac116/PropMatch/internal/listing"
)

// ErrStore is the opaque failure kind the adapter contract names.
var ErrStore = errors.New("store: opaque store error")

// Store is the narrow contract the Hybrid Ranker and Explanation Engine
// depend on.
type Store interface {
	// GetByKey returns the listing for k, or (Listing{}, false, nil) if not
	// present.
	GetByKey(ctx context.Context, k int64) (listing.Listing, bool, error)
	// GetBatch returns found listings in the order of keys; missing keys are
	// omitted rather than erroring the whole call.
	GetBatch(ctx context.Context, keys []int64) ([]listing.Listing, error)
	// GetSample returns up to n listings, chosen deterministically (a
	// stable ascending stride over listing keys) so repeated BM25 corpus
	// builds over an unchanged store are reproducible.
	GetSample(ctx context.Context, n int) ([]listing.Listing, error)
}
