package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tytac116/PropMatch/internal/listing"
)

func seedListings(n int) []listing.Listing {
	out := make([]listing.Listing, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, listing.Listing{Key: int64(i + 1), Title: "listing", Price: int64(1_000_000 + i)})
	}
	return out
}

func TestMemoryGetByKey(t *testing.T) {
	m := NewMemory(seedListings(3)...)
	l, ok, err := m.GetByKey(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), l.Key)

	_, ok, err = m.GetByKey(context.Background(), 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryGetBatchOmitsMissing(t *testing.T) {
	m := NewMemory(seedListings(3)...)
	out, err := m.GetBatch(context.Background(), []int64{1, 3, 999})
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestMemoryGetSampleIsDeterministic(t *testing.T) {
	m := NewMemory(seedListings(100)...)
	first, err := m.GetSample(context.Background(), 10)
	require.NoError(t, err)
	second, err := m.GetSample(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.LessOrEqual(t, len(first), 10)
}
