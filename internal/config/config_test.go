package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"PROPMATCH_STRICT_RATE_PER_MIN", "PROPMATCH_BM25_K1", "PROPMATCH_LLM_BATCH_SIZE",
	} {
		os.Unsetenv(k)
	}
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Security.RateLimits.StrictPerMin)
	assert.Equal(t, 5, cfg.Security.RateLimits.ExplanationPerMin)
	assert.Equal(t, 5, cfg.Security.RateLimits.SearchPerMin)
	assert.Equal(t, 100, cfg.Security.RateLimits.GeneralPerMin)
	assert.Equal(t, 1.5, cfg.BM25.K1)
	assert.Equal(t, 0.75, cfg.BM25.B)
	assert.Equal(t, 1000, cfg.BM25.SampleSize)
	assert.Equal(t, 12, cfg.LLM.BatchSize)
	assert.Equal(t, 604_800, cfg.Explanation.TTLSeconds)
	assert.Equal(t, 1_048_576, cfg.Security.PayloadMaxBytes)
}

func TestLoadRespectsEnvOverride(t *testing.T) {
	os.Setenv("PROPMATCH_BM25_SAMPLE_SIZE", "500")
	defer os.Unsetenv("PROPMATCH_BM25_SAMPLE_SIZE")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.BM25.SampleSize)
}
