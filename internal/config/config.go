// Package config loads PropMatch's runtime configuration from environment
// variables (optionally via a .env file), following the env-var-driven,
// no-singleton style the rest of this codebase uses: Load returns a single
// immutable Config value that callers pass explicitly into every adapter
// constructor.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// RateLimits holds the four token-bucket tiers enforced by the security gate.
type RateLimits struct {
	StrictPerMin      int
	ExplanationPerMin int
	SearchPerMin      int
	GeneralPerMin     int
}

// Security holds Security Gate thresholds and the static pattern file path.
type Security struct {
	RateLimits       RateLimits
	DDOSBurstPerMin  int
	IPHourCap        int
	IPDayCap         int
	PayloadMaxBytes  int
	QueryMaxChars    int
	PatternsFilePath string // empty => use the embedded default
}

// BM25 holds the lexical corpus parameters.
type BM25 struct {
	K1         float64
	B          float64
	SampleSize int
}

// LLM holds model-cascade and batching configuration.
type LLM struct {
	PrimaryModel    string
	FallbackModel   string
	TertiaryModel   string
	BatchSize       int
	Temperature     float64
	MaxConcurrency  int
	AnthropicAPIKey string
	AnthropicBase   string
	OpenAIAPIKey    string
	OpenAIBase      string
	GoogleAPIKey    string
}

// Ranker holds candidate-retrieval sizing.
type Ranker struct {
	VectorTopKMultiplier int
	VectorTopKCap        int
}

// Explanation holds the explanation cache TTL.
type Explanation struct {
	TTLSeconds int
}

// Store, VectorIndex, Cache, Embedding hold adapter-specific connection
// configuration. An empty Store, VectorIndex or Cache DSN/address selects
// that adapter's in-memory fallback; the embedding client has no fallback
// and always calls the configured endpoint.
type Store struct {
	PostgresDSN string
}

type VectorIndex struct {
	QdrantDSN      string
	Collection     string
	EmbeddingDim   int
}

type Cache struct {
	RedisAddr string
	RedisDB   int
}

type Embedding struct {
	BaseURL   string
	Path      string
	APIHeader string
	APIKey    string
	Model     string
	Dimension int
	TimeoutS  int
}

type Observability struct {
	ServiceName    string
	LogLevel       string
	LogPath        string
	OTLPEndpoint   string
	ClickHouseDSN  string
	KafkaBrokers   string
	KafkaTopic     string
}

// Config is the complete, immutable set of tunables this module recognizes.
type Config struct {
	Security      Security
	BM25          BM25
	LLM           LLM
	Ranker        Ranker
	Explanation   Explanation
	Store         Store
	VectorIndex   VectorIndex
	Cache         Cache
	Embedding     Embedding
	Observability Observability
}

// Load reads configuration from the environment, applying a .env overlay
// first (non-fatal if absent) and falling back to documented defaults for
// any variable left unset.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		Security: Security{
			RateLimits: RateLimits{
				StrictPerMin:      envInt("PROPMATCH_STRICT_RATE_PER_MIN", 3),
				ExplanationPerMin: envInt("PROPMATCH_EXPLANATION_RATE_PER_MIN", 5),
				SearchPerMin:      envInt("PROPMATCH_SEARCH_RATE_PER_MIN", 5),
				GeneralPerMin:     envInt("PROPMATCH_GENERAL_RATE_PER_MIN", 100),
			},
			DDOSBurstPerMin:  envInt("PROPMATCH_DDOS_BURST_THRESHOLD", 50),
			IPHourCap:        envInt("PROPMATCH_IP_HOUR_CAP", 500),
			IPDayCap:         envInt("PROPMATCH_IP_DAY_CAP", 2000),
			PayloadMaxBytes:  envInt("PROPMATCH_PAYLOAD_MAX_BYTES", 1_048_576),
			QueryMaxChars:    envInt("PROPMATCH_QUERY_MAX_CHARS", 500),
			PatternsFilePath: strings.TrimSpace(os.Getenv("PROPMATCH_PATTERNS_FILE")),
		},
		BM25: BM25{
			K1:         envFloat("PROPMATCH_BM25_K1", 1.5),
			B:          envFloat("PROPMATCH_BM25_B", 0.75),
			SampleSize: envInt("PROPMATCH_BM25_SAMPLE_SIZE", 1000),
		},
		LLM: LLM{
			PrimaryModel:    firstNonEmpty(os.Getenv("PROPMATCH_LLM_PRIMARY"), "claude-3-5-sonnet-latest"),
			FallbackModel:   firstNonEmpty(os.Getenv("PROPMATCH_LLM_FALLBACK"), "gpt-4o-mini"),
			TertiaryModel:   firstNonEmpty(os.Getenv("PROPMATCH_LLM_TERTIARY"), "gemini-1.5-flash"),
			BatchSize:       envInt("PROPMATCH_LLM_BATCH_SIZE", 12),
			Temperature:     envFloat("PROPMATCH_LLM_TEMPERATURE", 0.05),
			MaxConcurrency:  envInt("PROPMATCH_LLM_MAX_CONCURRENCY", 4),
			AnthropicAPIKey: strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
			AnthropicBase:   strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")),
			OpenAIAPIKey:    strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			OpenAIBase:      strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
			GoogleAPIKey:    strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")),
		},
		Ranker: Ranker{
			VectorTopKMultiplier: envInt("PROPMATCH_VECTOR_TOP_K_MULTIPLIER", 6),
			VectorTopKCap:        envInt("PROPMATCH_VECTOR_TOP_K_CAP", 60),
		},
		Explanation: Explanation{
			TTLSeconds: envInt("PROPMATCH_EXPLANATION_TTL_SECONDS", 604_800),
		},
		Store: Store{
			PostgresDSN: strings.TrimSpace(firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("POSTGRES_DSN"))),
		},
		VectorIndex: VectorIndex{
			QdrantDSN:    strings.TrimSpace(os.Getenv("QDRANT_DSN")),
			Collection:   firstNonEmpty(os.Getenv("QDRANT_COLLECTION"), "propmatch_listings"),
			EmbeddingDim: envInt("PROPMATCH_EMBEDDING_DIMENSION", 1536),
		},
		Cache: Cache{
			RedisAddr: strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			RedisDB:   envInt("REDIS_DB", 0),
		},
		Embedding: Embedding{
			BaseURL:   strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL")),
			Path:      firstNonEmpty(os.Getenv("EMBEDDING_PATH"), "/v1/embeddings"),
			APIHeader: firstNonEmpty(os.Getenv("EMBEDDING_API_HEADER"), "Authorization"),
			APIKey:    strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY")),
			Model:     firstNonEmpty(os.Getenv("EMBEDDING_MODEL"), "text-embedding-3-large"),
			Dimension: envInt("PROPMATCH_EMBEDDING_DIMENSION", 1536),
			TimeoutS:  envInt("EMBEDDING_TIMEOUT_SECONDS", 30),
		},
		Observability: Observability{
			ServiceName:   firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "propmatchd"),
			LogLevel:      strings.TrimSpace(os.Getenv("LOG_LEVEL")),
			LogPath:       strings.TrimSpace(os.Getenv("LOG_PATH")),
			OTLPEndpoint:  strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
			ClickHouseDSN: strings.TrimSpace(os.Getenv("CLICKHOUSE_DSN")),
			KafkaBrokers:  strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
			KafkaTopic:    firstNonEmpty(os.Getenv("KAFKA_SECURITY_TOPIC"), "propmatch.security.events"),
		},
	}
	return cfg, nil
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
