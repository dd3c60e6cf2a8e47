// Package explain implements the Explanation Engine (C9): a
// content-addressed, cached generator of structured match explanations,
// with both a synchronous and a streaming contract.
package explain

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tytac116/PropMatch/internal/cache"
	"github.com/tytac116/PropMatch/internal/listing"
	"github.com/tytac116/PropMatch/internal/llm"
	"github.com/tytac116/PropMatch/internal/observability"
)

// Point is a single headline+detail pair within an explanation.
type Point struct {
	Point   string `json:"point"`
	Details string `json:"details"`
}

// Record is the structured explanation the engine returns, cached by
// (query text, listing key).
type Record struct {
	SearchText     string  `json:"search_text"`
	ListingKey     int64   `json:"listing_key"`
	PropertyTitle  string  `json:"property_title"`
	MatchScore     float64 `json:"match_score"`
	PositivePoints []Point `json:"positive_points"`
	NegativePoints []Point `json:"negative_points"`
	Summary        string  `json:"summary"`
	Cached         bool    `json:"cached"`
}

// llmResponse is the strict JSON shape the prompt instructs the model to
// return; overall_summary maps onto Record.Summary.
type llmResponse struct {
	PositivePoints []Point `json:"positive_points"`
	NegativePoints []Point `json:"negative_points"`
	OverallSummary string  `json:"overall_summary"`
}

const (
	maxQueryChars  = 500
	cacheKeyPrefix = "propmatch:explanation:"
)

var (
	// ErrInvalidInput is returned when the query text fails validation.
	ErrInvalidInput = fmt.Errorf("explain: invalid input")
	codeFenceRe     = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
)

// Engine generates and caches explanations.
type Engine struct {
	cache   cache.Cache
	cascade *llm.Cascade
	ttl     time.Duration
}

// New constructs an Engine. ttlSeconds is the cache entry lifetime (seven
// days by default per configuration).
func New(c cache.Cache, cascade *llm.Cascade, ttlSeconds int) *Engine {
	if ttlSeconds <= 0 {
		ttlSeconds = 7 * 24 * 3600
	}
	return &Engine{cache: c, cascade: cascade, ttl: time.Duration(ttlSeconds) * time.Second}
}

// CacheKey computes MD5(lowercased-trimmed query + ":" + listing key), the
// cache key's content-addressing scheme. Idempotent under trim/lowercase.
func CacheKey(queryText string, listingKey int64) string {
	norm := strings.ToLower(strings.TrimSpace(queryText))
	sum := md5.Sum([]byte(norm + ":" + strconv.FormatInt(listingKey, 10)))
	return hex.EncodeToString(sum[:])
}

func storageKey(key string) string {
	return cacheKeyPrefix + key
}

func validateQuery(queryText string) error {
	trimmed := strings.TrimSpace(queryText)
	if trimmed == "" {
		return ErrInvalidInput
	}
	if len(trimmed) > maxQueryChars {
		return ErrInvalidInput
	}
	return nil
}

// Generate returns the cached explanation for (queryText, listing.Key) if
// present, otherwise calls the LLM Adapter, validates and caches the
// result, and returns it with Cached=false.
func (e *Engine) Generate(ctx context.Context, queryText string, l listing.Listing, matchScore float64) (Record, error) {
	if err := validateQuery(queryText); err != nil {
		return Record{}, err
	}

	key := CacheKey(queryText, l.Key)
	if rec, ok := e.lookup(ctx, key); ok {
		rec.Cached = true
		return rec, nil
	}

	rec, err := e.call(ctx, queryText, l, matchScore)
	if err != nil {
		return Record{}, err
	}
	e.write(ctx, key, rec)
	return rec, nil
}

func (e *Engine) lookup(ctx context.Context, key string) (Record, bool) {
	raw, err := e.cache.Get(ctx, storageKey(key))
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

func (e *Engine) write(ctx context.Context, key string, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := e.cache.SetWithTTL(ctx, storageKey(key), string(data), e.ttl); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("explain: cache write failed, continuing without caching")
	}
}

// EventType tags the kind of event emitted during a streaming explanation.
type EventType string

const (
	EventCached   EventType = "cached"
	EventStart    EventType = "start"
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is a single message in a streaming explanation. Chunk is set only
// for EventChunk; Record is set only for EventCached and EventComplete; Err
// is set only for EventError.
type Event struct {
	Type   EventType
	Chunk  string
	Record Record
	Err    error
}

// EventSink receives Stream's events. It is decoupled from any wire format
// (SSE, websocket, ...); rendering that belongs to the transport layer.
type EventSink interface {
	OnEvent(Event)
	OnDone()
}

// Stream generates an explanation the same way Generate does, but emits
// incremental chunks as they arrive from the LLM Adapter instead of
// returning only the final Record. A cache hit short-circuits straight to
// a single EventCached event.
func (e *Engine) Stream(ctx context.Context, queryText string, l listing.Listing, matchScore float64, sink EventSink) {
	defer sink.OnDone()

	if err := validateQuery(queryText); err != nil {
		sink.OnEvent(Event{Type: EventError, Err: err})
		return
	}

	key := CacheKey(queryText, l.Key)
	if rec, ok := e.lookup(ctx, key); ok {
		rec.Cached = true
		sink.OnEvent(Event{Type: EventCached, Record: rec})
		return
	}

	sink.OnEvent(Event{Type: EventStart})

	msgs := buildMessages(queryText, l)
	forwarder := &chunkForwarder{sink: sink}
	_, _, err := e.cascade.ChatStream(ctx, msgs, 0.2, forwarder)
	if err != nil {
		sink.OnEvent(Event{Type: EventError, Err: err})
		return
	}

	rec, err := parseRecord(forwarder.buf.String(), queryText, l, matchScore)
	if err != nil {
		sink.OnEvent(Event{Type: EventError, Err: err})
		return
	}
	e.write(ctx, key, rec)
	sink.OnEvent(Event{Type: EventComplete, Record: rec})
}

// chunkForwarder implements llm.StreamHandler, relaying each delta to the
// sink as an EventChunk while also accumulating the full response for
// parsing once the stream completes.
type chunkForwarder struct {
	sink EventSink
	buf  strings.Builder
}

func (f *chunkForwarder) OnDelta(content string) {
	f.buf.WriteString(content)
	f.sink.OnEvent(Event{Type: EventChunk, Chunk: content})
}

func (e *Engine) call(ctx context.Context, queryText string, l listing.Listing, matchScore float64) (Record, error) {
	msgs := buildMessages(queryText, l)
	msg, _, _, err := e.cascade.Chat(ctx, msgs, 0.2)
	if err != nil {
		return Record{}, fmt.Errorf("explain: llm call: %w", err)
	}
	return parseRecord(msg.Content, queryText, l, matchScore)
}

func parseRecord(content, queryText string, l listing.Listing, matchScore float64) (Record, error) {
	stripped := stripCodeFences(content)
	var resp llmResponse
	if err := json.Unmarshal([]byte(stripped), &resp); err != nil {
		return Record{}, fmt.Errorf("explain: parse response: %w", err)
	}
	if strings.TrimSpace(resp.OverallSummary) == "" {
		return Record{}, fmt.Errorf("explain: response missing overall_summary")
	}
	return Record{
		SearchText:     queryText,
		ListingKey:     l.Key,
		PropertyTitle:  l.Title,
		MatchScore:     matchScore,
		PositivePoints: resp.PositivePoints,
		NegativePoints: resp.NegativePoints,
		Summary:        resp.OverallSummary,
		Cached:         false,
	}, nil
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if m := codeFenceRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

func buildMessages(queryText string, l listing.Listing) []llm.Message {
	system := "You explain why a property listing matches (or doesn't match) a search query. " +
		"Return strict JSON with exactly these fields: positive_points (array of {point, details}), " +
		"negative_points (array of {point, details}), and overall_summary (string). " +
		"Output only the JSON object, no surrounding text or code fences."

	description := l.Description
	if len(description) > 500 {
		description = description[:500]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", l.Title)
	fmt.Fprintf(&b, "Type: %s\n", l.Type)
	fmt.Fprintf(&b, "Location: %s, %s\n", l.Location.Neighborhood, l.Location.City)
	fmt.Fprintf(&b, "Price: %d\n", l.Price)
	fmt.Fprintf(&b, "Bedrooms: %d, Bathrooms: %.1f\n", l.Bedrooms, l.Bathrooms)
	fmt.Fprintf(&b, "Area: %d m2\n", l.FloorAreaM2)
	fmt.Fprintf(&b, "Features: %s\n", strings.Join(l.Features, ", "))
	fmt.Fprintf(&b, "Nearby: %s\n", poiContextByCategory(l.POIs))
	fmt.Fprintf(&b, "Description: %s\n", description)
	fmt.Fprintf(&b, "\nSearch query: %s\n", queryText)

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}

func poiContextByCategory(pois []listing.PointOfInterest) string {
	byCategory := map[string][]listing.PointOfInterest{}
	for _, p := range pois {
		byCategory[p.Category] = append(byCategory[p.Category], p)
	}
	var parts []string
	for category, list := range byCategory {
		sort.Slice(list, func(i, j int) bool { return list[i].DistanceKM < list[j].DistanceKM })
		n := len(list)
		if n > 3 {
			n = 3
		}
		var names []string
		for _, p := range list[:n] {
			names = append(names, fmt.Sprintf("%s (%s)", p.Name, p.DistanceLabel()))
		}
		parts = append(parts, fmt.Sprintf("%s: %s", category, strings.Join(names, ", ")))
	}
	return strings.Join(parts, "; ")
}
