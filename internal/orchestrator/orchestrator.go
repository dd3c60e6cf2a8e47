// Package orchestrator implements the Request Orchestrator (C11): a thin
// layer that validates input, calls the Security Gate, routes to the
// Hybrid Ranker or Explanation Engine, shapes pagination metadata, and
// translates domain errors into a stable error taxonomy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tytac116/PropMatch/internal/explain"
	"github.com/tytac116/PropMatch/internal/ranker"
	"github.com/tytac116/PropMatch/internal/security"
	"github.com/tytac116/PropMatch/internal/store"
)

// Sentinel errors. Callers translate these into transport-level responses;
// no other error value should leak out of this package's exported methods.
var (
	ErrInvalidInput        = errors.New("orchestrator: invalid input")
	ErrNotFound            = errors.New("orchestrator: not found")
	ErrRateLimited         = errors.New("orchestrator: rate limited")
	ErrAccessDenied        = errors.New("orchestrator: access denied")
	ErrUpstreamUnavailable = errors.New("orchestrator: upstream unavailable")
	ErrInternal            = errors.New("orchestrator: internal error")
)

// RetryAfterError wraps ErrRateLimited with the number of seconds a client
// should wait before retrying.
type RetryAfterError struct {
	RetryAfterSeconds int
}

func (e *RetryAfterError) Error() string { return ErrRateLimited.Error() }
func (e *RetryAfterError) Unwrap() error { return ErrRateLimited }

// SearchRequest is the orchestrator's entry point for a ranked search.
type SearchRequest struct {
	Text      string
	Filters   ranker.Filters
	Page      int
	PageSize  int
	Sort      ranker.SortField
	SortDir   ranker.SortDir
	IP        string
	UserAgent string
}

// SearchResponse shapes pagination metadata alongside the ranked page.
type SearchResponse struct {
	Results      []ranker.RankedListing
	TotalResults int
	Page         int
	PageSize     int
	TotalPages   int
	HasNext      bool
	HasPrevious  bool
	Degraded     bool
}

// ExplainRequest is the orchestrator's entry point for a single-listing
// explanation. MatchScore carries the listing's last-known final_score
// from a prior ranked search when available; it is 0 for a direct lookup.
type ExplainRequest struct {
	QueryText  string
	ListingKey int64
	MatchScore float64
	IP         string
	UserAgent  string
}

// Orchestrator wires the Security Gate to the Hybrid Ranker and
// Explanation Engine.
type Orchestrator struct {
	gate    *security.Gate
	rank    *ranker.Ranker
	explain *explain.Engine
	store   store.Store
}

// New constructs an Orchestrator from its four collaborators.
func New(gate *security.Gate, rank *ranker.Ranker, explainEngine *explain.Engine, listingStore store.Store) *Orchestrator {
	return &Orchestrator{gate: gate, rank: rank, explain: explainEngine, store: listingStore}
}

// Search validates req, runs it through the Security Gate, and delegates
// to the Hybrid Ranker, shaping the result into pagination metadata.
func (o *Orchestrator) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if d := o.gate.CheckRequest(ctx, req.IP, req.UserAgent, len(req.Text), security.TierSearch); !d.Allowed {
		return SearchResponse{}, translateDecision(d)
	}
	if d := o.gate.CheckText(ctx, req.IP, req.Text); !d.Allowed {
		return SearchResponse{}, translateDecision(d)
	}

	result, err := o.rank.Rank(ctx, ranker.Query{
		Text:     req.Text,
		Filters:  req.Filters,
		Page:     req.Page,
		PageSize: req.PageSize,
		Sort:     req.Sort,
		SortDir:  req.SortDir,
	})
	if err != nil {
		return SearchResponse{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	return SearchResponse{
		Results:      result.Ranked,
		TotalResults: result.TotalResults,
		Page:         result.Page,
		PageSize:     result.PageSize,
		TotalPages:   result.TotalPages,
		HasNext:      result.HasNext,
		HasPrevious:  result.HasPrevious,
		Degraded:     result.Degraded,
	}, nil
}

// Explain validates req, runs it through the Security Gate (explanation
// tier, plus the free-text screen), fetches the listing, and delegates to
// the Explanation Engine.
func (o *Orchestrator) Explain(ctx context.Context, req ExplainRequest) (explain.Record, error) {
	if d := o.gate.CheckRequest(ctx, req.IP, req.UserAgent, len(req.QueryText), security.TierExplanation); !d.Allowed {
		return explain.Record{}, translateDecision(d)
	}
	if d := o.gate.CheckText(ctx, req.IP, req.QueryText); !d.Allowed {
		return explain.Record{}, translateDecision(d)
	}

	l, ok, err := o.store.GetByKey(ctx, req.ListingKey)
	if err != nil {
		return explain.Record{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if !ok {
		return explain.Record{}, ErrNotFound
	}

	rec, err := o.explain.Generate(ctx, req.QueryText, l, req.MatchScore)
	if err != nil {
		if errors.Is(err, explain.ErrInvalidInput) {
			return explain.Record{}, ErrInvalidInput
		}
		return explain.Record{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return rec, nil
}

// ExplainStream runs the same validation and lookup as Explain, then
// streams the explanation to sink. The Security Gate checks happen before
// any event is emitted; a rejected request never calls the engine.
func (o *Orchestrator) ExplainStream(ctx context.Context, req ExplainRequest, sink explain.EventSink) error {
	if d := o.gate.CheckRequest(ctx, req.IP, req.UserAgent, len(req.QueryText), security.TierExplanation); !d.Allowed {
		return translateDecision(d)
	}
	if d := o.gate.CheckText(ctx, req.IP, req.QueryText); !d.Allowed {
		return translateDecision(d)
	}

	l, ok, err := o.store.GetByKey(ctx, req.ListingKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if !ok {
		return ErrNotFound
	}

	o.explain.Stream(ctx, req.QueryText, l, req.MatchScore, sink)
	return nil
}

func translateDecision(d security.Decision) error {
	switch d.Reason {
	case "rate_limited":
		return &RetryAfterError{RetryAfterSeconds: int(d.RetryAfter.Seconds())}
	case "access_denied":
		return ErrAccessDenied
	case "invalid_input":
		return ErrInvalidInput
	default:
		return ErrInternal
	}
}
