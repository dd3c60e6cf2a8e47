// Package bm25 implements the lexical half of the Hybrid Ranker: a
// synthetic per-listing document built from structured fields, scored
// against a query with classical Okapi BM25 (k1=1.5, b=0.75 by default).
//
// The corpus's term statistics (document frequency, average document
// length, IDF cache) are estimated once from a deterministic sample, then
// used to score any candidate listing's synthetic document — not only the
// listings the sample happened to include. This module doesn't implement a
// generic full-text index; it implements the specific scoring law the
// ranker depends on, so the k1/b formula and the IDF edge cases it's tested
// against stay in direct, auditable control rather than behind a
// general-purpose search library's own ranking internals.
package bm25

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/tytac116/PropMatch/internal/config"
	"github.com/tytac116/PropMatch/internal/listing"
	"github.com/tytac116/PropMatch/internal/store"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Tokenize lowercases text, splits on runs of non-alphanumeric characters,
// and drops tokens shorter than two characters.
func Tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if len(t) >= 2 {
			out = append(out, t)
		}
	}
	return out
}

// priceBucket tags a listing's price into a coarse synthetic term.
func priceBucket(price int64) string {
	switch {
	case price < 1_500_000:
		return "affordable budget"
	case price < 4_000_000:
		return "mid range"
	default:
		return "luxury premium"
	}
}

// BuildDocument renders a listing into the flat text the corpus indexes:
// title, description, type, "K bedroom", "B bathroom", neighborhood, city,
// province, country, features, the names of the first ten POIs in stored
// order, and a price-bucket tag.
func BuildDocument(l listing.Listing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s ", l.Title, l.Description)
	fmt.Fprintf(&b, "%s ", l.Type)
	fmt.Fprintf(&b, "%d bedroom %d bedrooms ", l.Bedrooms, l.Bedrooms)
	fmt.Fprintf(&b, "%.0f bathroom %.0f bathrooms ", l.Bathrooms, l.Bathrooms)
	fmt.Fprintf(&b, "%s %s %s %s ", l.Location.Neighborhood, l.Location.City, l.Location.Province, l.Location.Country)
	b.WriteString(strings.Join(l.Features, " "))
	b.WriteString(" ")
	n := len(l.POIs)
	if n > 10 {
		n = 10
	}
	for _, p := range l.POIs[:n] {
		b.WriteString(p.Name)
		b.WriteString(" ")
	}
	b.WriteString(priceBucket(l.Price))
	return b.String()
}

// Corpus holds the aggregate term statistics (document frequency, average
// document length, per-term IDF) estimated once from a sample, plus the
// k1/b constants used to score against them.
//
// Build is single-writer: callers that observe !Built() should race to
// build and let only one proceed (e.g. guarded by a mutex held across the
// check-and-build), then read Built() again; ScoreListing itself only reads, so
// many goroutines may call it concurrently once a build has completed.
type Corpus struct {
	k1 float64
	b  float64

	mu        sync.RWMutex
	built     bool
	docCount  int
	idf       map[string]float64
	avgDocLen float64
}

// New constructs an unbuilt corpus using the configured k1/b constants.
func New(cfg config.BM25) *Corpus {
	k1, b := cfg.K1, cfg.B
	if k1 == 0 {
		k1 = 1.5
	}
	if b == 0 {
		b = 0.75
	}
	return &Corpus{k1: k1, b: b, idf: map[string]float64{}}
}

// Build fetches a deterministic sample from s (bounded by sampleSize) and
// estimates term statistics from it.
func (c *Corpus) Build(ctx context.Context, s store.Store, sampleSize int) error {
	listings, err := s.GetSample(ctx, sampleSize)
	if err != nil {
		return fmt.Errorf("bm25: sample store: %w", err)
	}
	return c.BuildFromListings(listings)
}

// BuildFromListings indexes an already-fetched listing slice directly,
// useful in tests and for callers that already hold the sample. Rebuilding
// replaces prior state wholesale; it is idempotent given the same sample.
func (c *Corpus) BuildFromListings(listings []listing.Listing) error {
	docFreq := map[string]int{}
	var totalLen int

	for _, l := range listings {
		tokens := Tokenize(BuildDocument(l))
		totalLen += len(tokens)
		seen := map[string]bool{}
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				docFreq[t]++
			}
		}
	}

	n := len(listings)
	idf := make(map[string]float64, len(docFreq))
	for term, df := range docFreq {
		idf[term] = idfScore(n, df)
	}
	avgLen := 0.0
	if n > 0 {
		avgLen = float64(totalLen) / float64(n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.docCount = n
	c.idf = idf
	c.avgDocLen = avgLen
	c.built = true
	return nil
}

// idfScore computes ln((D - df + 0.5)/(df + 0.5)); unknown terms (df==0)
// score 0, and a negative value (a term in more than half the documents)
// is clamped to 0.
func idfScore(d, df int) float64 {
	if df <= 0 {
		return 0
	}
	v := math.Log((float64(d) - float64(df) + 0.5) / (float64(df) + 0.5))
	if v < 0 {
		return 0
	}
	return v
}

// Built reports whether Build has completed at least once.
func (c *Corpus) Built() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.built
}

// DocumentCount reports the sample size the corpus was last built from.
func (c *Corpus) DocumentCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docCount
}

// ScoreListing computes the BM25 score of queryText against l's synthetic
// document, using the corpus's sample-derived IDF cache and average
// document length. l need not have been part of the sample the corpus was
// built from — the corpus only supplies term statistics, not a fixed
// document set. Terms absent from the IDF cache contribute 0; an empty
// query or a zero-length document scores 0.
func (c *Corpus) ScoreListing(l listing.Listing, queryText string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	queryTerms := Tokenize(queryText)
	docTokens := Tokenize(BuildDocument(l))
	if len(queryTerms) == 0 || len(docTokens) == 0 {
		return 0
	}

	termTF := map[string]int{}
	for _, t := range docTokens {
		termTF[t]++
	}
	docLen := float64(len(docTokens))
	avgLen := c.avgDocLen
	if avgLen <= 0 {
		avgLen = docLen
	}

	var score float64
	seen := map[string]bool{}
	for _, term := range queryTerms {
		if seen[term] {
			continue
		}
		seen[term] = true
		tf, ok := termTF[term]
		if !ok {
			continue
		}
		idf := c.idf[term]
		num := float64(tf) * (c.k1 + 1)
		den := float64(tf) + c.k1*(1-c.b+c.b*docLen/avgLen)
		score += idf * num / den
	}
	if score < 0 {
		score = 0
	}
	return score
}
