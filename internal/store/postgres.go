package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tytac116/PropMatch/internal/listing"
)

// OpenPool creates a Postgres connection pool using standard defaults.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}

// Postgres is the pgx-backed Listing Store Adapter (C1).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an already-open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Init creates the listings table if it doesn't already exist. Called once
// at startup; safe to call repeatedly.
func (s *Postgres) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS listings (
    listing_key BIGINT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    price BIGINT NOT NULL,
    property_type TEXT NOT NULL,
    status TEXT NOT NULL,
    bedrooms INTEGER NOT NULL DEFAULT 0,
    bathrooms DOUBLE PRECISION NOT NULL DEFAULT 0,
    floor_area_m2 INTEGER NOT NULL DEFAULT 0,
    location JSONB NOT NULL,
    features JSONB NOT NULL DEFAULT '[]',
    images JSONB NOT NULL DEFAULT '[]',
    pois JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
	return err
}

const selectColumns = `listing_key, title, description, price, property_type, status,
    bedrooms, bathrooms, floor_area_m2, location, features, images, pois, created_at`

func (s *Postgres) scan(row pgx.Row) (listing.Listing, error) {
	var l listing.Listing
	var propType, status string
	var locRaw, featRaw, imgRaw, poiRaw []byte
	err := row.Scan(&l.Key, &l.Title, &l.Description, &l.Price, &propType, &status,
		&l.Bedrooms, &l.Bathrooms, &l.FloorAreaM2, &locRaw, &featRaw, &imgRaw, &poiRaw, &l.ListedAt)
	if err != nil {
		return listing.Listing{}, err
	}
	if l.Type, err = listing.ParsePropertyType(propType); err != nil {
		return listing.Listing{}, err
	}
	if l.Status, err = listing.ParseStatus(status); err != nil {
		return listing.Listing{}, err
	}
	if err := json.Unmarshal(locRaw, &l.Location); err != nil {
		return listing.Listing{}, fmt.Errorf("decode location: %w", err)
	}
	_ = json.Unmarshal(featRaw, &l.Features)
	_ = json.Unmarshal(imgRaw, &l.Images)
	_ = json.Unmarshal(poiRaw, &l.POIs)
	return l, nil
}

func (s *Postgres) GetByKey(ctx context.Context, k int64) (listing.Listing, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM listings WHERE listing_key = $1`, k)
	l, err := s.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.Listing{}, false, nil
	}
	if err != nil {
		return listing.Listing{}, false, err
	}
	return l, true, nil
}

func (s *Postgres) GetBatch(ctx context.Context, keys []int64) ([]listing.Listing, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM listings WHERE listing_key = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byKey := make(map[int64]listing.Listing, len(keys))
	for rows.Next() {
		l, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		byKey[l.Key] = l
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]listing.Listing, 0, len(byKey))
	for _, k := range keys {
		if l, ok := byKey[k]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetSample returns a stable, deterministic slice of up to n listings: rows
// ordered by listing_key, taking every stride-th one so repeated calls with
// the same n against an unchanged table return an identical sample.
func (s *Postgres) GetSample(ctx context.Context, n int) ([]listing.Listing, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM listings`).Scan(&total); err != nil {
		return nil, err
	}
	stride := int64(1)
	if n > 0 && total > int64(n) {
		stride = total / int64(n)
		if stride < 1 {
			stride = 1
		}
	}

	rows, err := s.pool.Query(ctx, `
SELECT `+selectColumns+` FROM (
    SELECT *, row_number() OVER (ORDER BY listing_key) AS rn
    FROM listings
) ranked
WHERE (rn - 1) % $1 = 0
ORDER BY listing_key
LIMIT $2`, stride, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]listing.Listing, 0, n)
	for rows.Next() {
		l, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
