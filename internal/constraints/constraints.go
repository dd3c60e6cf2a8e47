// Package constraints applies deterministic, rule-based penalties and
// bonuses to a ranked listing's score based on facts the query text
// asserts — price bounds, bedroom count, property type, geography, and
// proximity to a handful of named Cape Town landmarks.
package constraints

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tytac116/PropMatch/internal/config"
	"github.com/tytac116/PropMatch/internal/listing"
)

var (
	priceCapRe   = regexp.MustCompile(`(?i)\b(?:under|below|less than)\s+r?\s*(\d+(?:\.\d+)?)\s*(?:million|mil|m)\b`)
	priceFloorRe = regexp.MustCompile(`(?i)\b(?:over|above|more than)\s+r?\s*(\d+(?:\.\d+)?)\s*(?:million|mil|m)\b`)
	bedroomRe    = regexp.MustCompile(`(?i)\b(\d+)\s*(?:beds?|bedrooms?)\b`)
	propertyRe   = regexp.MustCompile(`(?i)\b(apartment|flat|house|townhouse|villa|condo)\b`)
)

// Enforcer adjusts scores against a fixed set of pattern lists loaded once
// at startup. Adjust itself is a pure function of its arguments.
type Enforcer struct {
	patterns config.PatternLists
}

// New constructs an Enforcer bound to the given pattern lists.
func New(patterns config.PatternLists) *Enforcer {
	return &Enforcer{patterns: patterns}
}

type parsedQuery struct {
	priceCap         float64
	priceFloor       float64
	bedrooms         int
	hasBedrooms      bool
	propertyType     string
	impossibleLoc    bool
	uctIntent        bool
	waterfrontIntent bool
	cbdIntent        bool
	walking          bool
}

func (e *Enforcer) parse(queryText string) parsedQuery {
	text := strings.ToLower(strings.TrimSpace(queryText))
	var pq parsedQuery

	if m := priceCapRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			pq.priceCap = v * 1_000_000
		}
	}
	if m := priceFloorRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			pq.priceFloor = v * 1_000_000
		}
	}
	if m := bedroomRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			pq.bedrooms = n
			pq.hasBedrooms = true
		}
	}
	pq.propertyType = propertyRe.FindString(text)

	for _, loc := range e.patterns.ImpossibleLocations {
		if strings.Contains(text, loc) {
			pq.impossibleLoc = true
			break
		}
	}

	pq.uctIntent = containsUCTTerm(text)
	pq.waterfrontIntent = containsWaterfrontTerm(text)
	pq.cbdIntent = strings.Contains(text, "cbd") ||
		strings.Contains(text, "city centre") ||
		strings.Contains(text, "city center") ||
		strings.Contains(text, "city bowl") ||
		strings.Contains(text, "foreshore") ||
		strings.Contains(text, "downtown")
	pq.walking = strings.Contains(text, "walking")

	return pq
}

func containsUCTTerm(text string) bool {
	if strings.Contains(text, "uct") {
		return true
	}
	return strings.Contains(text, "university") && strings.Contains(text, "cape town")
}

func containsWaterfrontTerm(text string) bool {
	return strings.Contains(text, "waterfront") || strings.Contains(text, "v&a")
}

func (e *Enforcer) synonymSetFor(token string) []string {
	for _, set := range e.patterns.PropertyTypeSynonyms {
		for _, t := range set {
			if t == token {
				return set
			}
		}
	}
	return []string{token}
}

// Adjust applies every adjustment in order and returns the clamped,
// rounded final score. Calling it twice with identical inputs always
// returns the same value.
func (e *Enforcer) Adjust(l listing.Listing, queryText string, baseScore float64) float64 {
	pq := e.parse(queryText)
	score := baseScore

	if pq.priceCap > 0 && float64(l.Price) > pq.priceCap {
		score *= 0.3
	}
	if pq.priceFloor > 0 && float64(l.Price) < pq.priceFloor {
		score *= 0.3
	}
	if pq.impossibleLoc {
		score *= 0.2
	}
	if pq.hasBedrooms && l.Bedrooms != pq.bedrooms {
		score *= 0.7
	}
	if pq.propertyType != "" {
		set := e.synonymSetFor(pq.propertyType)
		if !containsString(set, string(l.Type)) {
			score *= 0.85
		}
	}
	if pq.uctIntent {
		if d, ok := minPOIDistance(l.POIs, containsUCTTerm); ok {
			score *= uctMultiplier(d, pq.walking)
		}
	}
	if pq.waterfrontIntent {
		if d, ok := minPOIDistance(l.POIs, containsWaterfrontTerm); ok && d <= 2.0 {
			score *= 1.15
		}
	}
	if pq.cbdIntent && isCBDNeighborhood(e.patterns.CBDNeighborhoods, l.Location.Neighborhood) {
		score *= 1.1
	}

	score = e.applyImpossibleContent(queryText, score)

	return clampRound(score)
}

// applyImpossibleContent is a supplemented, lower-priority adjustment: it
// only fires on physically-impossible terms the adjustments above never
// reference, so it never changes their quantified multipliers in isolation.
func (e *Enforcer) applyImpossibleContent(queryText string, score float64) float64 {
	text := strings.ToLower(queryText)
	for _, ct := range e.patterns.ImpossibleContentTerms {
		if strings.Contains(text, ct.Term) {
			score *= config.SeverityMultiplier(ct.Severity)
		}
	}
	return score
}

func minPOIDistance(pois []listing.PointOfInterest, match func(string) bool) (float64, bool) {
	min := math.Inf(1)
	found := false
	for _, p := range pois {
		if match(strings.ToLower(p.Name)) {
			found = true
			if p.DistanceKM < min {
				min = p.DistanceKM
			}
		}
	}
	return min, found
}

func uctMultiplier(d float64, walking bool) float64 {
	if walking {
		switch {
		case d <= 1.0:
			return 1.4
		case d <= 1.5:
			return 1.25
		case d <= 2.0:
			return 1.1
		default:
			return 0.7
		}
	}
	switch {
	case d <= 2.0:
		return 1.2
	case d <= 4.0:
		return 1.1
	default:
		return 1.0
	}
}

func containsString(set []string, t string) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

func isCBDNeighborhood(list []string, neighborhood string) bool {
	n := strings.ToLower(strings.TrimSpace(neighborhood))
	for _, c := range list {
		if n == c {
			return true
		}
	}
	return false
}

func clampRound(score float64) float64 {
	if score < 15 {
		score = 15
	}
	if score > 100 {
		score = 100
	}
	return math.Round(score*10) / 10
}
