// Package listing defines the Listing record and the small set of
// tagged-variant enums parsed at the system boundary.
package listing

import (
	"fmt"
	"strings"
	"time"
)

// PropertyType is a closed set of residential property categories.
type PropertyType string

const (
	House     PropertyType = "house"
	Apartment PropertyType = "apartment"
	Condo     PropertyType = "condo"
	Villa     PropertyType = "villa"
	Townhouse PropertyType = "townhouse"
)

// ParsePropertyType validates a raw string against the closed set of
// property types, case-insensitively.
func ParsePropertyType(raw string) (PropertyType, error) {
	switch PropertyType(strings.ToLower(strings.TrimSpace(raw))) {
	case House:
		return House, nil
	case Apartment:
		return Apartment, nil
	case Condo:
		return Condo, nil
	case Villa:
		return Villa, nil
	case Townhouse:
		return Townhouse, nil
	default:
		return "", fmt.Errorf("listing: unknown property type %q", raw)
	}
}

// Status is a closed set of listing statuses.
type Status string

const (
	ForSale Status = "for_sale"
	ForRent Status = "for_rent"
)

// ParseStatus validates a raw string against the closed set of statuses.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case ForSale:
		return ForSale, nil
	case ForRent:
		return ForRent, nil
	default:
		return "", fmt.Errorf("listing: unknown status %q", raw)
	}
}

// Location is the address/geography portion of a Listing.
type Location struct {
	Address      string
	Neighborhood string
	City         string
	Province     string
	Country      string
}

// PointOfInterest is a single precomputed nearby amenity.
type PointOfInterest struct {
	Name       string
	Category   string
	DistanceKM float64
}

// DistanceLabel renders a short human label for the distance, e.g. "1.2km".
// Pure function of the POI; never persisted.
func (p PointOfInterest) DistanceLabel() string {
	return fmt.Sprintf("%.1fkm", p.DistanceKM)
}

// Listing is an immutable document keyed by Key. All derived views
// (the BM25 synthetic document, LLM prompt summaries) are pure functions
// over a Listing; nothing mutates it once hydrated from the store.
type Listing struct {
	Key         int64
	Title       string
	Description string
	Price       int64
	Type        PropertyType
	Status      Status
	Bedrooms    int
	Bathrooms   float64
	FloorAreaM2 int
	Location    Location
	Features    []string
	Images      []string
	POIs        []PointOfInterest
	ListedAt    time.Time
}

// Validate enforces non-negative price, bedrooms, bathrooms, and POI
// distances.
func (l Listing) Validate() error {
	if l.Price < 0 {
		return fmt.Errorf("listing %d: negative price", l.Key)
	}
	if l.Bedrooms < 0 {
		return fmt.Errorf("listing %d: negative bedrooms", l.Key)
	}
	if l.Bathrooms < 0 {
		return fmt.Errorf("listing %d: negative bathrooms", l.Key)
	}
	for _, p := range l.POIs {
		if p.DistanceKM < 0 {
			return fmt.Errorf("listing %d: negative POI distance for %q", l.Key, p.Name)
		}
	}
	return nil
}
