package explain

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tytac116/PropMatch/internal/cache"
	"github.com/tytac116/PropMatch/internal/listing"
	"github.com/tytac116/PropMatch/internal/llm"
)

const fixedResponse = `{"positive_points":[{"point":"Great location","details":"Close to campus"}],` +
	`"negative_points":[{"point":"Small yard","details":"No outdoor space"}],` +
	`"overall_summary":"A strong match for the query."}`

// fakeProvider returns a fixed JSON body for Chat and streams it one
// character at a time for ChatStream, so tests can exercise both the
// cached/non-streaming and streaming contracts without a live LLM.
type fakeProvider struct {
	body string
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, model string, temperature float64) (llm.Message, llm.Usage, error) {
	if f.err != nil {
		return llm.Message{}, llm.Usage{}, f.err
	}
	return llm.Message{Role: "assistant", Content: f.body}, llm.Usage{TotalTokens: 42}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, model string, temperature float64, h llm.StreamHandler) (llm.Usage, error) {
	if f.err != nil {
		return llm.Usage{}, f.err
	}
	for _, r := range f.body {
		h.OnDelta(string(r))
	}
	return llm.Usage{TotalTokens: 42}, nil
}

func testListing() listing.Listing {
	return listing.Listing{
		Key:         7,
		Title:       "Rondebosch studio",
		Description: "Quiet studio near UCT",
		Price:       1_200_000,
		Type:        listing.Apartment,
		Bedrooms:    1,
		Bathrooms:   1,
		FloorAreaM2: 40,
		Location:    listing.Location{Neighborhood: "Rondebosch", City: "Cape Town"},
		Features:    []string{"fibre", "parking"},
		POIs: []listing.PointOfInterest{
			{Name: "UCT Upper Campus", Category: "university", DistanceKM: 0.8},
		},
	}
}

func newTestEngine(body string, err error) (*Engine, cache.Cache) {
	c := cache.NewMemory()
	cascade := llm.NewCascade(llm.Tier{Provider: &fakeProvider{body: body, err: err}, Model: "fake-model"})
	return New(c, cascade, 604800), c
}

func TestGenerateCacheMiss(t *testing.T) {
	e, _ := newTestEngine(fixedResponse, nil)
	rec, err := e.Generate(context.Background(), "walking distance to UCT", testListing(), 88.5)
	require.NoError(t, err)
	assert.False(t, rec.Cached)
	assert.Equal(t, "A strong match for the query.", rec.Summary)
	require.Len(t, rec.PositivePoints, 1)
	assert.Equal(t, "Great location", rec.PositivePoints[0].Point)
	require.Len(t, rec.NegativePoints, 1)
}

func TestGenerateCacheHitReturnsIdenticalRecord(t *testing.T) {
	e, _ := newTestEngine(fixedResponse, nil)
	ctx := context.Background()
	l := testListing()

	first, err := e.Generate(ctx, "walking distance to UCT", l, 88.5)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := e.Generate(ctx, "Walking Distance To UCT  ", l, 12.0)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.PositivePoints, second.PositivePoints)
	assert.Equal(t, first.NegativePoints, second.NegativePoints)
}

func TestGenerateRejectsEmptyQuery(t *testing.T) {
	e, _ := newTestEngine(fixedResponse, nil)
	_, err := e.Generate(context.Background(), "   ", testListing(), 50)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGenerateStripsCodeFences(t *testing.T) {
	fenced := "```json\n" + fixedResponse + "\n```"
	e, _ := newTestEngine(fenced, nil)
	rec, err := e.Generate(context.Background(), "near the waterfront", testListing(), 70)
	require.NoError(t, err)
	assert.Equal(t, "A strong match for the query.", rec.Summary)
}

func TestGeneratePropagatesLLMFailure(t *testing.T) {
	e, _ := newTestEngine("", fmt.Errorf("upstream timeout"))
	_, err := e.Generate(context.Background(), "near the waterfront", testListing(), 70)
	assert.Error(t, err)
}

// recordingSink captures every event emitted by Stream for assertion.
type recordingSink struct {
	events []Event
	done   bool
}

func (s *recordingSink) OnEvent(e Event) { s.events = append(s.events, e) }
func (s *recordingSink) OnDone()         { s.done = true }

func TestStreamCacheHitEmitsSingleCachedEvent(t *testing.T) {
	e, _ := newTestEngine(fixedResponse, nil)
	ctx := context.Background()
	l := testListing()

	_, err := e.Generate(ctx, "walking distance to UCT", l, 88.5)
	require.NoError(t, err)

	sink := &recordingSink{}
	e.Stream(ctx, "walking distance to UCT", l, 88.5, sink)

	require.True(t, sink.done)
	require.Len(t, sink.events, 1)
	assert.Equal(t, EventCached, sink.events[0].Type)
	assert.True(t, sink.events[0].Record.Cached)
}

func TestStreamEmitsStartChunksThenComplete(t *testing.T) {
	e, _ := newTestEngine(fixedResponse, nil)
	sink := &recordingSink{}
	e.Stream(context.Background(), "near the waterfront", testListing(), 70, sink)

	require.True(t, sink.done)
	require.NotEmpty(t, sink.events)
	assert.Equal(t, EventStart, sink.events[0].Type)
	assert.Equal(t, EventComplete, sink.events[len(sink.events)-1].Type)

	var chunkCount int
	for _, ev := range sink.events[1 : len(sink.events)-1] {
		require.Equal(t, EventChunk, ev.Type)
		chunkCount++
	}
	assert.Greater(t, chunkCount, 0)
	assert.Equal(t, "A strong match for the query.", sink.events[len(sink.events)-1].Record.Summary)
}

func TestStreamZeroChunksThenFailureEmitsErrorEvent(t *testing.T) {
	e, _ := newTestEngine("", fmt.Errorf("upstream timeout"))
	sink := &recordingSink{}
	e.Stream(context.Background(), "near the waterfront", testListing(), 70, sink)

	require.True(t, sink.done)
	require.Len(t, sink.events, 2)
	assert.Equal(t, EventStart, sink.events[0].Type)
	assert.Equal(t, EventError, sink.events[1].Type)
	assert.Error(t, sink.events[1].Err)
}

func TestStreamInvalidQueryEmitsErrorWithoutStart(t *testing.T) {
	e, _ := newTestEngine(fixedResponse, nil)
	sink := &recordingSink{}
	e.Stream(context.Background(), "", testListing(), 70, sink)

	require.True(t, sink.done)
	require.Len(t, sink.events, 1)
	assert.Equal(t, EventError, sink.events[0].Type)
}

func TestCacheKeyIsCaseAndWhitespaceInsensitive(t *testing.T) {
	a := CacheKey("Near The Waterfront", 7)
	b := CacheKey("  near the waterfront  ", 7)
	assert.Equal(t, a, b)
}

func TestCacheKeyDiffersByListing(t *testing.T) {
	a := CacheKey("near the waterfront", 7)
	b := CacheKey("near the waterfront", 8)
	assert.NotEqual(t, a, b)
}
