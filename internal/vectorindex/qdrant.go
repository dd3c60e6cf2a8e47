package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadKeyField stores the original integer listing_key in the point
// payload as a string, since payload values round-trip through Qdrant's
// generic Value type and we read it back with GetStringValue.
const payloadKeyField = "_listing_key"

type qdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrant connects to a Qdrant instance over its gRPC API (default port
// 6334) and ensures the target collection exists with the configured
// dimension and cosine distance. dsn may carry an "api_key" query parameter.
func NewQdrant(dsn string, collection string, dimension int) (Index, error) {
	if collection == "" {
		return nil, fmt.Errorf("vectorindex: collection name required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("vectorindex: dimension must be > 0")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: parse dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: invalid port in dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if key := parsed.Query().Get("api_key"); key != "" {
		cfg.APIKey = key
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: create qdrant client: %w", err)
	}
	idx := &qdrantIndex{client: client, collection: collection, dimension: dimension}
	if err := idx.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return idx, nil
}

func (q *qdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("vectorindex: check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("vectorindex: create collection: %w", err)
	}
	return nil
}

func pointIDFor(listingKey int64) *qdrant.PointId {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(strconv.FormatInt(listingKey, 10))).String()
	return qdrant.NewIDUUID(id)
}

func (q *qdrantIndex) Upsert(ctx context.Context, listingKey int64, vector []float32, metadata map[string]string) error {
	if len(vector) != q.dimension {
		return ErrEmbedDimensionMismatch
	}
	payloadMap := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		payloadMap[k] = v
	}
	payloadMap[payloadKeyField] = strconv.FormatInt(listingKey, 10)
	vec := make([]float32, len(vector))
	copy(vec, vector)
	point := &qdrant.PointStruct{
		Id:      pointIDFor(listingKey),
		Vectors: qdrant.NewVectorsDense(vec),
		Payload: qdrant.NewValueMap(payloadMap),
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	return err
}

func (q *qdrantIndex) Delete(ctx context.Context, listingKey int64) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointIDFor(listingKey)),
	})
	return err
}

func (q *qdrantIndex) Query(ctx context.Context, vector []float32, topK int, filters []Filter) ([]Match, error) {
	if err := ValidateFilters(filters); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	if len(vector) != q.dimension {
		return nil, ErrEmbedDimensionMismatch
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	var qf *qdrant.Filter
	if len(filters) > 0 {
		must := make([]*qdrant.Condition, 0, len(filters))
		for _, f := range filters {
			switch f.Op {
			case OpEq:
				if s, ok := f.Value.(string); ok {
					must = append(must, qdrant.NewMatch(f.Field, s))
				} else if n, ok := asFloat(f.Value); ok {
					// Payload values are stored as strings (see Upsert).
					must = append(must, qdrant.NewMatch(f.Field, strconv.FormatFloat(n, 'f', -1, 64)))
				}
			case OpGte:
				if n, ok := asFloat(f.Value); ok {
					must = append(must, qdrant.NewRange(f.Field, &qdrant.Range{Gte: &n}))
				}
			case OpLte:
				if n, ok := asFloat(f.Value); ok {
					must = append(must, qdrant.NewRange(f.Field, &qdrant.Range{Lte: &n}))
				}
			}
		}
		qf = &qdrant.Filter{Must: must}
	}

	limit := uint64(topK)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(hits))
	for _, hit := range hits {
		var listingKeyStr string
		metadata := make(map[string]string)
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				if k == payloadKeyField {
					listingKeyStr = v.GetStringValue()
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		listingKey, err := strconv.ParseInt(listingKeyStr, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Match{ListingKey: listingKey, Score: float64(hit.Score), Metadata: metadata})
	}
	return out, nil
}

func (q *qdrantIndex) Dimension() int { return q.dimension }

func (q *qdrantIndex) Close() error {
	return q.client.Close()
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
