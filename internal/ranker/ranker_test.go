package ranker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tytac116/PropMatch/internal/bm25"
	"github.com/tytac116/PropMatch/internal/config"
	"github.com/tytac116/PropMatch/internal/constraints"
	"github.com/tytac116/PropMatch/internal/embedding"
	"github.com/tytac116/PropMatch/internal/listing"
	"github.com/tytac116/PropMatch/internal/llm"
	"github.com/tytac116/PropMatch/internal/store"
	"github.com/tytac116/PropMatch/internal/vectorindex"
)

func TestFuseOneExcellentTrusted(t *testing.T) {
	final, method := fuseOne(90, 60)
	assert.Equal(t, 90.0, final)
	assert.Equal(t, "ai_excellent_trusted", method)
}

func TestFuseOneExcellentWithHybridBoost(t *testing.T) {
	final, method := fuseOne(90, 80)
	assert.Equal(t, 92.0, final)
	assert.Equal(t, "ai_excellent_with_hybrid_boost", method)
}

func TestFuseOnePoorTrusted(t *testing.T) {
	final, method := fuseOne(20, 35)
	assert.Equal(t, 20.0, final)
	assert.Equal(t, "ai_poor_trusted", method)
}

func TestFuseOneClampsToTenFloor(t *testing.T) {
	final, _ := fuseOne(5, 10)
	assert.GreaterOrEqual(t, final, 10.0)
}

func TestDeclumpOffsetRange(t *testing.T) {
	for i := 0; i < 20; i++ {
		off := declumpOffset(i)
		assert.GreaterOrEqual(t, off, -2)
		assert.LessOrEqual(t, off, 3)
	}
}

func TestIsClumpedMultipleOfFiveExcludesNamedBands(t *testing.T) {
	assert.True(t, isClumpedMultipleOfFive(80))
	assert.False(t, isClumpedMultipleOfFive(15))
	assert.False(t, isClumpedMultipleOfFive(25))
	assert.False(t, isClumpedMultipleOfFive(35))
	assert.False(t, isClumpedMultipleOfFive(82))
}

func TestParseLLMScoresExtractsFirstArray(t *testing.T) {
	content := "Here is the result:\n[{\"id\": 0, \"score\": 88}, {\"id\": 1, \"score\": 42}]\nthanks"
	scores := parseLLMScores(content)
	require.Len(t, scores, 2)
	assert.Equal(t, 88.0, scores[0])
	assert.Equal(t, 42.0, scores[1])
}

func TestParseLLMScoresIgnoresMissingFields(t *testing.T) {
	content := `[{"id": 0, "score": 70}, {"id": 1}]`
	scores := parseLLMScores(content)
	assert.Len(t, scores, 1)
}

func TestParseLLMScoresNoArrayReturnsNil(t *testing.T) {
	assert.Nil(t, parseLLMScores("not json at all"))
}

// fakeProvider returns a fixed score for every listing in a batch, used to
// drive the ranker's pipeline end to end without a live LLM.
type fakeProvider struct {
	score float64
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, model string, temperature float64) (llm.Message, llm.Usage, error) {
	var content string
	for _, m := range msgs {
		if m.Role == "user" {
			content = m.Content
		}
	}
	_ = content
	// scores every id 0..11 the same fixed score
	var b []byte
	b = append(b, '[')
	for i := 0; i < 12; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, []byte(fmt.Sprintf(`{"id":%d,"score":%v}`, i, f.score))...)
	}
	b = append(b, ']')
	return llm.Message{Role: "assistant", Content: string(b)}, llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, model string, temperature float64, h llm.StreamHandler) (llm.Usage, error) {
	return llm.Usage{}, nil
}

func seedRankerListings() []listing.Listing {
	return []listing.Listing{
		{Key: 1, Title: "Sea Point apartment", Description: "bright", Type: listing.Apartment, Bedrooms: 2, Bathrooms: 1, Price: 1_800_000,
			Location: listing.Location{Neighborhood: "Sea Point", City: "Cape Town", Province: "Western Cape"}},
		{Key: 2, Title: "Constantia house", Description: "spacious", Type: listing.House, Bedrooms: 4, Bathrooms: 3, Price: 6_500_000,
			Location: listing.Location{Neighborhood: "Constantia", City: "Cape Town", Province: "Western Cape"}},
	}
}

func newTestRanker(t *testing.T, fixedScore float64) (*Ranker, *vectorindex.Memory) {
	t.Helper()
	dim := 4
	emb := embedding.NewDeterministic(dim)
	idx := vectorindex.NewMemory(dim)
	st := store.NewMemory(seedRankerListings()...)
	corpus := bm25.New(config.BM25{K1: 1.5, B: 0.75, SampleSize: 1000})
	cascade := llm.NewCascade(llm.Tier{Provider: &fakeProvider{score: fixedScore}, Model: "fake-model"})
	patterns, err := config.LoadPatterns("")
	require.NoError(t, err)
	enforcer := constraints.New(patterns)

	ctx := context.Background()
	for _, l := range seedRankerListings() {
		vec, err := emb.Embed(ctx, l.Title+" "+l.Description)
		require.NoError(t, err)
		require.NoError(t, idx.Upsert(ctx, l.Key, vec, map[string]string{
			"city":          l.Location.City,
			"property_type": string(l.Type),
		}))
	}

	r := New(emb, idx, st, corpus,
		cascade, enforcer,
		config.Ranker{VectorTopKMultiplier: 6, VectorTopKCap: 60},
		config.LLM{BatchSize: 12, Temperature: 0.05, MaxConcurrency: 4},
		config.BM25{K1: 1.5, B: 0.75, SampleSize: 1000},
	)
	return r, idx
}

func TestRankReturnsScoresWithinBoundsAndOneDecimal(t *testing.T) {
	r, _ := newTestRanker(t, 80)
	result, err := r.Rank(context.Background(), Query{Text: "apartment in Cape Town", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.NotEmpty(t, result.Ranked)
	for _, rl := range result.Ranked {
		assert.GreaterOrEqual(t, rl.Score, 15.0)
		assert.LessOrEqual(t, rl.Score, 100.0)
		scaled := rl.Score * 10
		assert.InDelta(t, scaled, float64(int(scaled+0.5)), 0.001)
	}
}

func TestRankIsNotDegradedWhenLLMSucceeds(t *testing.T) {
	r, _ := newTestRanker(t, 80)
	result, err := r.Rank(context.Background(), Query{Text: "apartment", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.Equal(t, "fake-model", result.ModelUsed)
}

func TestRankDegradesOnLLMFailure(t *testing.T) {
	emb := embedding.NewDeterministic(4)
	idx := vectorindex.NewMemory(4)
	st := store.NewMemory(seedRankerListings()...)
	corpus := bm25.New(config.BM25{K1: 1.5, B: 0.75, SampleSize: 1000})

	failing := &fakeFailingProvider{}
	cascade := llm.NewCascade(llm.Tier{Provider: failing, Model: "broken-model"})
	patterns, err := config.LoadPatterns("")
	require.NoError(t, err)
	enforcer := constraints.New(patterns)

	ctx := context.Background()
	for _, l := range seedRankerListings() {
		vec, _ := emb.Embed(ctx, l.Title)
		require.NoError(t, idx.Upsert(ctx, l.Key, vec, map[string]string{"city": l.Location.City}))
	}

	r := New(emb, idx, st, corpus, cascade, enforcer,
		config.Ranker{VectorTopKMultiplier: 6, VectorTopKCap: 60},
		config.LLM{BatchSize: 12, Temperature: 0.05, MaxConcurrency: 4},
		config.BM25{K1: 1.5, B: 0.75, SampleSize: 1000})

	result, err := r.Rank(ctx, Query{Text: "apartment", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	for _, rl := range result.Ranked {
		assert.GreaterOrEqual(t, rl.Score, 15.0)
	}
}

type fakeFailingProvider struct{}

func (f *fakeFailingProvider) Name() string { return "failing" }
func (f *fakeFailingProvider) Chat(ctx context.Context, msgs []llm.Message, model string, temperature float64) (llm.Message, llm.Usage, error) {
	return llm.Message{}, llm.Usage{}, fmt.Errorf("upstream timeout")
}
func (f *fakeFailingProvider) ChatStream(ctx context.Context, msgs []llm.Message, model string, temperature float64, h llm.StreamHandler) (llm.Usage, error) {
	return llm.Usage{}, fmt.Errorf("upstream timeout")
}

func TestRankEmptyVectorCandidatesReturnsEmptyResult(t *testing.T) {
	r, _ := newTestRanker(t, 80)
	// A city filter that no upserted point carries forces zero candidates.
	result, err := r.Rank(context.Background(), Query{
		Text:     "apartment",
		Filters:  Filters{City: "Nowhereville"},
		Page:     1,
		PageSize: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Ranked)
	assert.Equal(t, 0, result.TotalResults)
}

func TestRankPageBeyondTotalPagesReturnsEmptyPage(t *testing.T) {
	r, _ := newTestRanker(t, 80)
	result, err := r.Rank(context.Background(), Query{Text: "apartment", Page: 99, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, result.Ranked)
	assert.Greater(t, result.TotalResults, 0)
}

func sortCandidates() []*candidate {
	return []*candidate{
		{key: 1, final: 50, listing: listing.Listing{Key: 1, Price: 3_000_000, ListedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}},
		{key: 2, final: 90, listing: listing.Listing{Key: 2, Price: 1_000_000, ListedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}},
		{key: 3, final: 70, listing: listing.Listing{Key: 3, Price: 2_000_000, ListedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}},
	}
}

func keysOf(candidates []*candidate) []int64 {
	keys := make([]int64, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	return keys
}

func TestApplySortRelevanceDescendingIsDefault(t *testing.T) {
	c := sortCandidates()
	applySort(c, effectiveSort(""), effectiveSortDir(""))
	assert.Equal(t, []int64{2, 3, 1}, keysOf(c))
}

func TestApplySortRelevanceAscending(t *testing.T) {
	c := sortCandidates()
	applySort(c, SortRelevance, Asc)
	assert.Equal(t, []int64{1, 3, 2}, keysOf(c))
}

func TestApplySortPriceAscending(t *testing.T) {
	c := sortCandidates()
	applySort(c, SortPrice, Asc)
	assert.Equal(t, []int64{2, 3, 1}, keysOf(c))
}

func TestApplySortPriceDescending(t *testing.T) {
	c := sortCandidates()
	applySort(c, SortPrice, Desc)
	assert.Equal(t, []int64{1, 3, 2}, keysOf(c))
}

func TestApplySortDateAscending(t *testing.T) {
	c := sortCandidates()
	applySort(c, SortDate, Asc)
	assert.Equal(t, []int64{3, 1, 2}, keysOf(c))
}

func TestApplySortDateDescending(t *testing.T) {
	c := sortCandidates()
	applySort(c, SortDate, Desc)
	assert.Equal(t, []int64{2, 1, 3}, keysOf(c))
}

func TestApplySortTiesBreakByListingKeyAscending(t *testing.T) {
	c := []*candidate{
		{key: 5, final: 40, listing: listing.Listing{Key: 5, Price: 1_000_000}},
		{key: 2, final: 40, listing: listing.Listing{Key: 2, Price: 1_000_000}},
	}
	applySort(c, SortPrice, Asc)
	assert.Equal(t, []int64{2, 5}, keysOf(c))
}

func TestRankHonorsSortPriceEndToEnd(t *testing.T) {
	r, _ := newTestRanker(t, 80)
	result, err := r.Rank(context.Background(), Query{
		Text: "Cape Town home", Page: 1, PageSize: 10, Sort: SortPrice, SortDir: Asc,
	})
	require.NoError(t, err)
	require.Len(t, result.Ranked, 2)
	assert.LessOrEqual(t, result.Ranked[0].Listing.Price, result.Ranked[1].Listing.Price)
}
