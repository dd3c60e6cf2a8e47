package ranker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tytac116/PropMatch/internal/bm25"
	"github.com/tytac116/PropMatch/internal/config"
	"github.com/tytac116/PropMatch/internal/constraints"
	"github.com/tytac116/PropMatch/internal/embedding"
	"github.com/tytac116/PropMatch/internal/listing"
	"github.com/tytac116/PropMatch/internal/llm"
	"github.com/tytac116/PropMatch/internal/observability"
	"github.com/tytac116/PropMatch/internal/store"
	"github.com/tytac116/PropMatch/internal/vectorindex"
)

// Ranker owns the BM25Corpus for the lifetime of the process and wires
// together every adapter the hybrid pipeline depends on.
type Ranker struct {
	embedder embedding.Embedder
	index    vectorindex.Index
	listings store.Store
	corpus   *bm25.Corpus
	cascade  *llm.Cascade
	enforcer *constraints.Enforcer

	rankerCfg config.Ranker
	llmCfg    config.LLM
	bm25Cfg   config.BM25

	buildMu sync.Mutex
	sem     *semaphore.Weighted
}

// New constructs a Ranker. The BM25Corpus is built lazily on first use.
func New(
	embedder embedding.Embedder,
	index vectorindex.Index,
	listings store.Store,
	corpus *bm25.Corpus,
	cascade *llm.Cascade,
	enforcer *constraints.Enforcer,
	rankerCfg config.Ranker,
	llmCfg config.LLM,
	bm25Cfg config.BM25,
) *Ranker {
	concurrency := llmCfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Ranker{
		embedder:  embedder,
		index:     index,
		listings:  listings,
		corpus:    corpus,
		cascade:   cascade,
		enforcer:  enforcer,
		rankerCfg: rankerCfg,
		llmCfg:    llmCfg,
		bm25Cfg:   bm25Cfg,
		sem:       semaphore.NewWeighted(int64(concurrency)),
	}
}

type candidate struct {
	key        int64
	vectorSim  float64
	listing    listing.Listing
	hydrated   bool
	bm25Raw    float64
	bm25Contrib float64
	hybridBase float64
	llmScore   float64
	llmSet     bool
	final      float64
	method     string
}

// Rank executes the full retrieval → hydration → lexical → LLM re-ranking
// → fusion → constraint overlay → pagination pipeline for a single query.
func (r *Ranker) Rank(ctx context.Context, q Query) (Result, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	pageSize := q.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	ctx, span := observability.StartSpan(ctx, "ranker.retrieve")
	candidates, err := r.retrieve(ctx, q, pageSize)
	span.End()
	if err != nil {
		return Result{}, fmt.Errorf("ranker: retrieve: %w", err)
	}
	if len(candidates) == 0 {
		return emptyResult(page, pageSize), nil
	}

	ctx, span = observability.StartSpan(ctx, "ranker.hydrate")
	candidates = r.hydrate(ctx, candidates)
	span.End()
	if len(candidates) == 0 {
		return emptyResult(page, pageSize), nil
	}

	ctx, span = observability.StartSpan(ctx, "ranker.lexical")
	r.applyLexicalScores(ctx, q.Text, candidates)
	span.End()

	r.applyHybridBase(candidates)

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].hybridBase > candidates[j].hybridBase })
	keepN := pageSize * 2
	if keepN > len(candidates) {
		keepN = len(candidates)
	}
	candidates = candidates[:keepN]

	ctx, span = observability.StartSpan(ctx, "ranker.llm_rerank")
	usage, modelUsed, degraded := r.llmRerank(ctx, q.Text, candidates)
	span.End()

	ctx, span = observability.StartSpan(ctx, "ranker.fuse")
	r.fuse(candidates)
	span.End()

	_, span = observability.StartSpan(ctx, "ranker.constraints")
	for _, c := range candidates {
		c.final = r.enforcer.Adjust(c.listing, q.Text, c.final)
	}
	span.End()

	applySort(candidates, effectiveSort(q.Sort), effectiveSortDir(q.SortDir))

	return paginate(candidates, page, pageSize, degraded, usage, modelUsed), nil
}

func emptyResult(page, pageSize int) Result {
	return Result{Page: page, PageSize: pageSize, TotalResults: 0, TotalPages: 0}
}

// retrieve embeds a retrieval string built from the query text plus typed
// filter hints, then queries the vector index for similarity candidates.
func (r *Ranker) retrieve(ctx context.Context, q Query, pageSize int) ([]*candidate, error) {
	retrievalText := buildRetrievalText(q)
	vec, err := r.embedder.Embed(ctx, retrievalText)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	topK := pageSize * r.rankerCfg.VectorTopKMultiplier
	if r.rankerCfg.VectorTopKMultiplier <= 0 {
		topK = pageSize * 6
	}
	topKCap := r.rankerCfg.VectorTopKCap
	if topKCap <= 0 {
		topKCap = 60
	}
	if topK > topKCap {
		topK = topKCap
	}
	if topK <= 0 {
		topK = topKCap
	}

	filters := filtersToIndexFilters(q.Filters)
	matches, err := r.index.Query(ctx, vec, topK, filters)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	out := make([]*candidate, 0, len(matches))
	for _, m := range matches {
		out = append(out, &candidate{key: m.ListingKey, vectorSim: m.Score})
	}
	return out, nil
}

func buildRetrievalText(q Query) string {
	var b strings.Builder
	b.WriteString(q.Text)
	if q.Filters.PropertyType != "" {
		fmt.Fprintf(&b, " property type %s", q.Filters.PropertyType)
	}
	if q.Filters.HasBedrooms {
		fmt.Fprintf(&b, " %d bedrooms", q.Filters.Bedrooms)
	}
	if q.Filters.City != "" {
		fmt.Fprintf(&b, " in city %s", q.Filters.City)
	}
	return b.String()
}

func filtersToIndexFilters(f Filters) []vectorindex.Filter {
	var out []vectorindex.Filter
	if f.MinPrice > 0 {
		out = append(out, vectorindex.Filter{Field: "price", Op: vectorindex.OpGte, Value: float64(f.MinPrice)})
	}
	if f.MaxPrice > 0 {
		out = append(out, vectorindex.Filter{Field: "price", Op: vectorindex.OpLte, Value: float64(f.MaxPrice)})
	}
	if f.PropertyType != "" {
		out = append(out, vectorindex.Filter{Field: "property_type", Op: vectorindex.OpEq, Value: f.PropertyType})
	}
	if f.HasBedrooms {
		out = append(out, vectorindex.Filter{Field: "bedrooms", Op: vectorindex.OpEq, Value: float64(f.Bedrooms)})
	}
	if f.City != "" {
		out = append(out, vectorindex.Filter{Field: "city", Op: vectorindex.OpEq, Value: f.City})
	}
	return out
}

// hydrate batch-fetches listings for every candidate key. Listings that
// fail to hydrate are dropped silently; the request still succeeds with
// the hydrated subset.
func (r *Ranker) hydrate(ctx context.Context, candidates []*candidate) []*candidate {
	keys := make([]int64, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	listings, err := r.listings.GetBatch(ctx, keys)
	if err != nil {
		return nil
	}
	byKey := make(map[int64]listing.Listing, len(listings))
	for _, l := range listings {
		byKey[l.Key] = l
	}
	out := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		if l, ok := byKey[c.key]; ok {
			c.listing = l
			c.hydrated = true
			out = append(out, c)
		}
	}
	return out
}

// applyLexicalScores builds the corpus on first use (single-writer,
// multi-reader) and scores every candidate's synthetic document.
func (r *Ranker) applyLexicalScores(ctx context.Context, queryText string, candidates []*candidate) {
	if !r.corpus.Built() {
		r.buildMu.Lock()
		if !r.corpus.Built() {
			if err := r.corpus.Build(ctx, r.listings, r.bm25Cfg.SampleSize); err != nil {
				r.buildMu.Unlock()
				// BM25 build failure: skip the lexical stage entirely.
				return
			}
		}
		r.buildMu.Unlock()
	}

	var maxRaw float64
	for _, c := range candidates {
		c.bm25Raw = r.corpus.ScoreListing(c.listing, queryText)
		if c.bm25Raw > maxRaw {
			maxRaw = c.bm25Raw
		}
	}
	if maxRaw <= 0 {
		return
	}
	for _, c := range candidates {
		contrib := 20 * c.bm25Raw / maxRaw
		if contrib > 20 {
			contrib = 20
		}
		c.bm25Contrib = contrib
	}
}

func (r *Ranker) applyHybridBase(candidates []*candidate) {
	for _, c := range candidates {
		vector100 := c.vectorSim * 100
		base := vector100 + 0.5*c.bm25Contrib
		c.hybridBase = clamp(base, 10, 100)
	}
}

// llmRerank partitions candidates into batches of at most llmCfg.BatchSize
// and scores each batch concurrently, bounded by a semaphore sized to
// llm_max_concurrency. Returns accumulated usage, the last model used, and
// whether the stage degraded (any batch failed non-fallback).
func (r *Ranker) llmRerank(ctx context.Context, queryText string, candidates []*candidate) (llm.Usage, string, bool) {
	batchSize := r.llmCfg.BatchSize
	if batchSize <= 0 {
		batchSize = 12
	}
	temperature := r.llmCfg.Temperature
	if temperature <= 0 || temperature > 0.1 {
		temperature = 0.05
	}

	var batches [][]*candidate
	for i := 0; i < len(candidates); i += batchSize {
		end := i + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batches = append(batches, candidates[i:end])
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		total     llm.Usage
		modelUsed string
		degraded  bool
	)

	for _, batch := range batches {
		batch := batch
		if err := r.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			degraded = true
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer r.sem.Release(1)
			defer wg.Done()

			msgs := buildBatchMessages(queryText, batch)
			msg, usage, model, err := r.cascade.Chat(ctx, msgs, temperature)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				degraded = true
				return
			}
			total.PromptTokens += usage.PromptTokens
			total.CompletionTokens += usage.CompletionTokens
			total.TotalTokens += usage.TotalTokens
			modelUsed = model
			scores := parseLLMScores(msg.Content)
			for i, c := range batch {
				s, ok := scores[i]
				if !ok {
					continue
				}
				if isClumpedMultipleOfFive(s) {
					s += float64(declumpOffset(i))
				}
				c.llmScore = clamp(s, 15, 100)
				c.llmSet = true
			}
		}()
	}
	wg.Wait()

	return total, modelUsed, degraded
}

// declumpOffset is the deterministic de-clumping offset for LLM scores
// that land on a multiple of 5: ((i*7) % 6) - 2, yielding an integer in
// [-2, 3], where i is the listing's zero-based index within its batch.
func declumpOffset(i int) int {
	return ((i * 7) % 6) - 2
}

func isClumpedMultipleOfFive(s float64) bool {
	rounded := math.Round(s)
	if math.Abs(s-rounded) > 1e-9 {
		return false
	}
	n := int(rounded)
	if n%5 != 0 {
		return false
	}
	return n != 15 && n != 25 && n != 35
}

type listingSummary struct {
	ID       int                `json:"id"`
	Type     string              `json:"type"`
	Bedrooms int                 `json:"bedrooms"`
	Bathrooms float64            `json:"bathrooms"`
	Price    int64               `json:"price"`
	PricePerM2 float64           `json:"price_per_m2,omitempty"`
	AreaM2   int                 `json:"area_m2"`
	Neighborhood string          `json:"neighborhood"`
	City     string              `json:"city"`
	Features []string            `json:"features,omitempty"`
	POISummary string            `json:"poi_summary,omitempty"`
	Walkability string           `json:"walkability"`
}

func buildBatchMessages(queryText string, batch []*candidate) []llm.Message {
	summaries := make([]listingSummary, len(batch))
	for i, c := range batch {
		summaries[i] = summarize(i, c.listing)
	}
	payload, _ := json.Marshal(summaries)

	system := "You score residential listings against a user's search query. " +
		"Return strict JSON: a single array of objects [{\"id\": i, \"score\": s}, ...], " +
		"one entry per listing id given. Scores are integers 15-100 calibrated into bands: " +
		"15-29 unsuitable, 30-59 poor, 60-74 adequate, 75-84 good, 85-94 very good, 95-100 excellent. " +
		"Never output a score that is a multiple of 5 (except 15, 25, or 35). " +
		"Output only the JSON array, nothing else."

	user := fmt.Sprintf("Query: %s\n\nListings:\n%s", queryText, string(payload))

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func summarize(id int, l listing.Listing) listingSummary {
	var pricePerM2 float64
	if l.FloorAreaM2 > 0 {
		pricePerM2 = float64(l.Price) / float64(l.FloorAreaM2)
	}
	within1km := 0
	for _, p := range l.POIs {
		if p.DistanceKM <= 1.0 {
			within1km++
		}
	}
	return listingSummary{
		ID:           id,
		Type:         string(l.Type),
		Bedrooms:     l.Bedrooms,
		Bathrooms:    l.Bathrooms,
		Price:        l.Price,
		PricePerM2:   pricePerM2,
		AreaM2:       l.FloorAreaM2,
		Neighborhood: l.Location.Neighborhood,
		City:         l.Location.City,
		Features:     l.Features,
		POISummary:   poiSummary(l.POIs),
		Walkability:  walkabilityLabel(within1km),
	}
}

func poiSummary(pois []listing.PointOfInterest) string {
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

func walkabilityLabel(within1km int) string {
	switch {
	case within1km >= 5:
		return "excellent"
	case within1km >= 3:
		return "good"
	case within1km >= 1:
		return "fair"
	default:
		return "poor"
	}
}

var jsonArrayRe = regexp.MustCompile(`(?s)\[.*\]`)

// parseLLMScores extracts the first `[ ... ]` substring and parses it into
// a map of batch index → score. Entries with missing fields are ignored.
func parseLLMScores(content string) map[int]float64 {
	match := jsonArrayRe.FindString(content)
	if match == "" {
		return nil
	}
	var raw []map[string]any
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return nil
	}
	out := make(map[int]float64, len(raw))
	for _, entry := range raw {
		idVal, idOK := entry["id"]
		scoreVal, scoreOK := entry["score"]
		if !idOK || !scoreOK {
			continue
		}
		id, ok := asInt(idVal)
		if !ok {
			continue
		}
		score, ok := asFloat(scoreVal)
		if !ok {
			continue
		}
		out[id] = score
	}
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// fuse applies the AI-dominant final fusion. Candidates the LLM stage
// never scored keep their hybrid_base, tagged ai_hybrid_balanced since no
// LLM opinion is available to trust or blend against.
func (r *Ranker) fuse(candidates []*candidate) {
	for _, c := range candidates {
		if !c.llmSet {
			c.final = clamp(c.hybridBase, 10, 100)
			c.method = "ai_hybrid_balanced"
			continue
		}
		final, method := fuseOne(c.llmScore, c.hybridBase)
		c.final = final
		c.method = method
	}
}

func fuseOne(llmScore, hybridBase float64) (float64, string) {
	var final float64
	var method string
	switch {
	case llmScore >= 85:
		if hybridBase >= 75 {
			final, method = llmScore+2, "ai_excellent_with_hybrid_boost"
		} else {
			final, method = llmScore, "ai_excellent_trusted"
		}
	case llmScore >= 70:
		if hybridBase >= 70 {
			final, method = 0.7*llmScore+0.3*hybridBase+3, "ai_good_hybrid_confirmed"
		} else {
			final, method = 0.8*llmScore+0.2*hybridBase, "ai_good_mostly_trusted"
		}
	case llmScore >= 50:
		final, method = 0.6*llmScore+0.4*hybridBase, "ai_hybrid_balanced"
	case llmScore > 30:
		final, method = 0.65*llmScore+0.35*hybridBase, "ai_moderate_blend"
	default:
		if hybridBase <= 40 {
			final, method = llmScore, "ai_poor_trusted"
		} else {
			final, method = 0.8*llmScore+0.2*hybridBase, "ai_poor_mostly_trusted"
		}
	}
	return clampRound(clamp(final, 10, 100)), method
}

// effectiveSort defaults an unset Sort to relevance.
func effectiveSort(s SortField) SortField {
	if s == "" {
		return SortRelevance
	}
	return s
}

// effectiveSortDir defaults an unset SortDir to descending, matching the
// ranker's original hardcoded order (highest relevance, or most expensive,
// or most recent, first).
func effectiveSortDir(d SortDir) SortDir {
	if d == "" {
		return Desc
	}
	return d
}

// applySort orders candidates by field and dir. Price and date sort the
// hydrated listing directly, bypassing the fused score entirely; relevance
// sorts by final score, the pipeline's only prior behavior. listing_key
// ascending breaks every tie so pagination stays stable across pages.
func applySort(candidates []*candidate, field SortField, dir SortDir) {
	asc := dir == Asc
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch field {
		case SortPrice:
			if a.listing.Price != b.listing.Price {
				if asc {
					return a.listing.Price < b.listing.Price
				}
				return a.listing.Price > b.listing.Price
			}
		case SortDate:
			if !a.listing.ListedAt.Equal(b.listing.ListedAt) {
				if asc {
					return a.listing.ListedAt.Before(b.listing.ListedAt)
				}
				return a.listing.ListedAt.After(b.listing.ListedAt)
			}
		default:
			if a.final != b.final {
				if asc {
					return a.final < b.final
				}
				return a.final > b.final
			}
		}
		return a.key < b.key
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampRound(v float64) float64 {
	return math.Round(v*10) / 10
}

func paginate(candidates []*candidate, page, pageSize int, degraded bool, usage llm.Usage, modelUsed string) Result {
	total := len(candidates)
	totalPages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	ranked := make([]RankedListing, 0, end-start)
	for _, c := range candidates[start:end] {
		ranked = append(ranked, RankedListing{
			Listing: c.listing,
			Score:   c.final,
			Diagnostics: Diagnostics{
				VectorRaw:        c.vectorSim,
				VectorNormalized: c.vectorSim * 100,
				BM25Raw:          c.bm25Raw,
				BM25Contribution: c.bm25Contrib,
				HybridBase:       c.hybridBase,
				LLMScore:         c.llmScore,
				FinalScore:       c.final,
				MethodLabel:      c.method,
			},
		})
	}

	return Result{
		Ranked:       ranked,
		TotalResults: total,
		Page:         page,
		PageSize:     pageSize,
		TotalPages:   totalPages,
		HasNext:      page < totalPages,
		HasPrevious:  page > 1,
		Degraded:     degraded,
		Usage:        usage,
		ModelUsed:    modelUsed,
	}
}
