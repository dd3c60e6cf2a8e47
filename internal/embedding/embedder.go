package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/tytac116/PropMatch/internal/config"
)

// Embedder is the Embedding Adapter (C2) contract: map text to a
// fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type clientEmbedder struct {
	cfg config.Embedding
}

// NewClient constructs an Embedder that calls the configured HTTP embedding
// endpoint, one text at a time.
func NewClient(cfg config.Embedding) Embedder {
	return &clientEmbedder{cfg: cfg}
}

func (c *clientEmbedder) Dimension() int { return c.cfg.Dimension }

func (c *clientEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := EmbedText(ctx, c.cfg, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// deterministicEmbedder is a fast, reproducible Embedder used in tests: it
// hashes byte 3-grams into a fixed-size, L2-normalized vector so identical
// text always maps to an identical vector without any network call.
type deterministicEmbedder struct {
	dim int
}

// NewDeterministic constructs a deterministic embedder of the given
// dimension, suitable for ranker/BM25/constraint tests that need stable
// vectors without a live embedding provider.
func NewDeterministic(dim int) Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &deterministicEmbedder{dim: dim}
}

func (d *deterministicEmbedder) Dimension() int { return d.dim }

func (d *deterministicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, d.dim)
	b := []byte(text)
	if len(b) < 3 {
		hashInto(b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			hashInto(b[i:i+3], v)
		}
	}
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq > 0 {
		inv := float32(1.0 / math.Sqrt(sumSq))
		for i := range v {
			v[i] *= inv
		}
	}
	return v, nil
}

func hashInto(gram []byte, v []float32) {
	h := fnv.New64a()
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
