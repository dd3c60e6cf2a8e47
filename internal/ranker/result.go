package ranker

import (
	"github.com/tytac116/PropMatch/internal/listing"
	"github.com/tytac116/PropMatch/internal/llm"
)

// Diagnostics records every intermediate score a listing passed through, so
// callers can audit why a listing landed where it did.
type Diagnostics struct {
	VectorRaw        float64
	VectorNormalized float64
	BM25Raw          float64
	BM25Contribution float64
	HybridBase       float64
	LLMScore         float64
	FinalScore       float64
	MethodLabel      string
}

// RankedListing pairs a hydrated Listing with its final score and the
// diagnostic trail that produced it.
type RankedListing struct {
	Listing     listing.Listing
	Score       float64
	Diagnostics Diagnostics
}

// Result is a single page of ranked listings plus pagination metadata and
// diagnostics about the ranking run itself.
type Result struct {
	Ranked       []RankedListing
	TotalResults int
	Page         int
	PageSize     int
	TotalPages   int
	HasNext      bool
	HasPrevious  bool

	// Degraded is true when the LLM re-ranking stage failed and the result
	// reflects hybrid-base scoring only; the request still succeeds.
	Degraded bool

	Usage     llm.Usage
	ModelUsed string
}
