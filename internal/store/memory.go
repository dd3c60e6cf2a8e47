package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tytac116/PropMatch/internal/listing"
)

// Memory is an in-process Store backed by a map, keyed by listing_key. Used
// in tests and as a development fallback when no Postgres DSN is configured.
type Memory struct {
	mu       sync.RWMutex
	listings map[int64]listing.Listing
}

// NewMemory constructs an empty in-memory store, or one pre-seeded with the
// given listings.
func NewMemory(seed ...listing.Listing) *Memory {
	m := &Memory{listings: map[int64]listing.Listing{}}
	for _, l := range seed {
		m.listings[l.Key] = l
	}
	return m
}

// Put inserts or replaces a listing.
func (m *Memory) Put(l listing.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.Key] = l
}

func (m *Memory) GetByKey(_ context.Context, k int64) (listing.Listing, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[k]
	return l, ok, nil
}

func (m *Memory) GetBatch(_ context.Context, keys []int64) ([]listing.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]listing.Listing, 0, len(keys))
	for _, k := range keys {
		if l, ok := m.listings[k]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetSample returns up to n listings, in stable listing_key order, taking
// every stride-th entry — mirroring the Postgres implementation's
// deterministic-sample contract so BM25 corpus construction behaves
// identically against either backend.
func (m *Memory) GetSample(_ context.Context, n int) ([]listing.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]int64, 0, len(m.listings))
	for k := range m.listings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	stride := 1
	if n > 0 && len(keys) > n {
		stride = len(keys) / n
		if stride < 1 {
			stride = 1
		}
	}

	out := make([]listing.Listing, 0, n)
	for i := 0; i < len(keys) && len(out) < n; i += stride {
		out = append(out, m.listings[keys[i]])
	}
	return out, nil
}
