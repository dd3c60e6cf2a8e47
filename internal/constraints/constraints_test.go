package constraints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tytac116/PropMatch/internal/config"
	"github.com/tytac116/PropMatch/internal/listing"
)

func testPatterns(t *testing.T) config.PatternLists {
	t.Helper()
	pl, err := config.LoadPatterns("")
	require.NoError(t, err)
	return pl
}

func TestPriceCapAppliesPointThreeMultiplier(t *testing.T) {
	e := New(testPatterns(t))
	l := listing.Listing{Price: 5_000_000, Type: listing.House, Bedrooms: 3}
	got := e.Adjust(l, "house under 4 million", 90)
	assert.InDelta(t, 27.0, got, 0.01) // 90 * 0.3, clamp/round is a no-op here
}

func TestPriceFloorAppliesPointThreeMultiplier(t *testing.T) {
	e := New(testPatterns(t))
	l := listing.Listing{Price: 1_000_000, Type: listing.House, Bedrooms: 3}
	got := e.Adjust(l, "house over 4 million", 90)
	assert.InDelta(t, 27.0, got, 0.01)
}

func TestBedroomMismatchAppliesPointSevenMultiplier(t *testing.T) {
	e := New(testPatterns(t))
	l := listing.Listing{Price: 1_000_000, Type: listing.House, Bedrooms: 4}
	got := e.Adjust(l, "3 bedroom house", 90)
	assert.InDelta(t, 63.0, got, 0.01) // 90 * 0.7
}

func TestImpossibleLocationAppliesPointTwoMultiplier(t *testing.T) {
	e := New(testPatterns(t))
	l := listing.Listing{Price: 1_000_000, Type: listing.House, Bedrooms: 3}
	got := e.Adjust(l, "house in Johannesburg", 90)
	assert.InDelta(t, 18.0, got, 0.01) // 90 * 0.2
}

func TestPropertyTypeSynonymAvoidsPenalty(t *testing.T) {
	e := New(testPatterns(t))
	l := listing.Listing{Price: 1_000_000, Type: listing.Villa, Bedrooms: 3}
	got := e.Adjust(l, "house for sale", 80)
	assert.InDelta(t, 80.0, got, 0.01) // villa is a house synonym, no penalty
}

func TestPropertyTypeMismatchAppliesPointEightFiveMultiplier(t *testing.T) {
	e := New(testPatterns(t))
	l := listing.Listing{Price: 1_000_000, Type: listing.Apartment, Bedrooms: 3}
	got := e.Adjust(l, "house for sale", 80)
	assert.InDelta(t, 68.0, got, 0.01) // 80 * 0.85
}

func TestClampsToFifteenFloor(t *testing.T) {
	e := New(testPatterns(t))
	l := listing.Listing{Price: 50_000_000, Type: listing.Apartment, Bedrooms: 1}
	got := e.Adjust(l, "2 bedroom house in Johannesburg under 1 million", 30)
	assert.Equal(t, 15.0, got)
}

func TestScenarioS1ThreeBedroomHouseUnderFourMillion(t *testing.T) {
	e := New(testPatterns(t))
	query := "3 bedroom house under 4 million in Rondebosch"

	l1 := listing.Listing{Price: 3_800_000, Type: listing.House, Bedrooms: 3,
		Location: listing.Location{Neighborhood: "Rondebosch"}}
	l2 := listing.Listing{Price: 5_200_000, Type: listing.House, Bedrooms: 4,
		Location: listing.Location{Neighborhood: "Rondebosch"}}

	base := 90.0
	l1Final := e.Adjust(l1, query, base)
	l2Final := e.Adjust(l2, query, base)

	assert.GreaterOrEqual(t, l1Final, 75.0)
	assert.LessOrEqual(t, l2Final, 0.7*0.3*base+0.01)
	assert.Greater(t, l1Final, l2Final)
}

func TestScenarioS2WalkingDistanceToUCT(t *testing.T) {
	e := New(testPatterns(t))
	query := "walking distance to UCT"

	l3 := listing.Listing{Price: 1_000_000, Type: listing.Apartment,
		POIs: []listing.PointOfInterest{{Name: "University of Cape Town", DistanceKM: 0.8}}}
	l4 := listing.Listing{Price: 1_000_000, Type: listing.Apartment,
		POIs: []listing.PointOfInterest{{Name: "University of Cape Town", DistanceKM: 2.4}}}

	base := 70.0
	l3Final := e.Adjust(l3, query, base)
	l4Final := e.Adjust(l4, query, base)

	assert.GreaterOrEqual(t, l3Final, l4Final)
	assert.InDelta(t, base*0.7, l4Final, 0.01)
	assert.InDelta(t, base*1.4, l3Final, 0.01)
}

func TestAdjustIsDeterministic(t *testing.T) {
	e := New(testPatterns(t))
	l := listing.Listing{Price: 2_000_000, Type: listing.House, Bedrooms: 3}
	a := e.Adjust(l, "3 bedroom house under 3 million", 77.3)
	b := e.Adjust(l, "3 bedroom house under 3 million", 77.3)
	assert.Equal(t, a, b)
}

func TestImpossibleContentAppliesSeverePenalty(t *testing.T) {
	e := New(testPatterns(t))
	l := listing.Listing{Price: 1_000_000, Type: listing.House, Bedrooms: 3}
	got := e.Adjust(l, "a flying castle in the sky", 90)
	// "flying" (severe=0.6) and "castle" (moderate=0.3) both fire, compounding.
	assert.InDelta(t, 90*0.6*0.3, got, 0.01)
}
