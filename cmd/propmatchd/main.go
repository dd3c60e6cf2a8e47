// Command propmatchd is the PropMatch process entrypoint: it loads
// configuration, wires every adapter, starts the BM25 corpus build, and
// exposes the Request Orchestrator through a minimal HTTP handler.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tytac116/PropMatch/internal/bm25"
	"github.com/tytac116/PropMatch/internal/cache"
	"github.com/tytac116/PropMatch/internal/config"
	"github.com/tytac116/PropMatch/internal/constraints"
	"github.com/tytac116/PropMatch/internal/embedding"
	"github.com/tytac116/PropMatch/internal/explain"
	"github.com/tytac116/PropMatch/internal/llm/providers"
	"github.com/tytac116/PropMatch/internal/observability"
	"github.com/tytac116/PropMatch/internal/orchestrator"
	"github.com/tytac116/PropMatch/internal/ranker"
	"github.com/tytac116/PropMatch/internal/security"
	"github.com/tytac116/PropMatch/internal/store"
	"github.com/tytac116/PropMatch/internal/vectorindex"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("propmatchd")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.Observability.LogPath, cfg.Observability.LogLevel)

	baseCtx := context.Background()

	if cfg.Observability.OTLPEndpoint != "" {
		shutdown, err := observability.InitOTel(baseCtx, cfg.Observability)
		if err != nil {
			log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
			observability.EnableOTelLogging("propmatchd")
		}
	}

	patterns, err := config.LoadPatterns(cfg.Security.PatternsFilePath)
	if err != nil {
		return fmt.Errorf("load pattern lists: %w", err)
	}

	listingStore, err := newListingStore(baseCtx, cfg.Store)
	if err != nil {
		return fmt.Errorf("init listing store: %w", err)
	}

	index, err := newVectorIndex(cfg.VectorIndex)
	if err != nil {
		return fmt.Errorf("init vector index: %w", err)
	}

	embedder := embedding.NewClient(cfg.Embedding)

	c, err := newCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	cascade, err := providers.NewCascade(baseCtx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm cascade: %w", err)
	}

	corpus := bm25.New(cfg.BM25)
	go func() {
		buildCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := corpus.Build(buildCtx, listingStore, cfg.BM25.SampleSize); err != nil {
			log.Error().Err(err).Msg("bm25 corpus build failed, lexical scoring stays at zero until the next request retries")
		}
	}()

	enforcer := constraints.New(patterns)
	rank := ranker.New(embedder, index, listingStore, corpus, cascade, enforcer, cfg.Ranker, cfg.LLM, cfg.BM25)
	explainEngine := explain.New(c, cascade, cfg.Explanation.TTLSeconds)

	sinks := newAnalyticsSinks(baseCtx, cfg)
	gate := security.New(c, cfg.Security, patterns, sinks...)

	orch := orchestrator.New(gate, rank, explainEngine, listingStore)

	srv := &http.Server{
		Addr:    listenAddr(),
		Handler: newMux(orch),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("propmatchd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-sigCh:
		log.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func listenAddr() string {
	if v := os.Getenv("PROPMATCH_HTTP_ADDR"); v != "" {
		return v
	}
	return ":8080"
}

func newListingStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	if cfg.PostgresDSN == "" {
		return store.NewMemory(), nil
	}
	pool, err := store.OpenPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pg := store.NewPostgres(pool)
	if err := pg.Init(ctx); err != nil {
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	return pg, nil
}

func newVectorIndex(cfg config.VectorIndex) (vectorindex.Index, error) {
	if cfg.QdrantDSN == "" {
		return vectorindex.NewMemory(cfg.EmbeddingDim), nil
	}
	return vectorindex.NewQdrant(cfg.QdrantDSN, cfg.Collection, cfg.EmbeddingDim)
}

func newCache(cfg config.Cache) (cache.Cache, error) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(), nil
	}
	return cache.NewRedis(cfg)
}

func newAnalyticsSinks(ctx context.Context, cfg config.Config) []security.AnalyticsSink {
	var sinks []security.AnalyticsSink

	if ch, err := security.NewClickHouseSink(ctx, cfg.Observability); err != nil {
		log.Warn().Err(err).Msg("clickhouse security sink unavailable, continuing without it")
	} else if ch != nil {
		sinks = append(sinks, ch)
	}

	if kf, err := security.NewKafkaSink(cfg.Observability.KafkaBrokers, cfg.Observability.KafkaTopic); err != nil {
		log.Warn().Err(err).Msg("kafka security sink unavailable, continuing without it")
	} else if kf != nil {
		sinks = append(sinks, kf)
	}

	return sinks
}

func newMux(orch *orchestrator.Orchestrator) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		handleSearch(w, r, orch)
	})

	mux.HandleFunc("/v1/explain", func(w http.ResponseWriter, r *http.Request) {
		handleExplain(w, r, orch)
	})

	mux.HandleFunc("/v1/explain/stream", func(w http.ResponseWriter, r *http.Request) {
		handleExplainStream(w, r, orch)
	})

	return mux
}

type searchRequestBody struct {
	Text     string `json:"text"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Sort     string `json:"sort"`
	SortDir  string `json:"sort_dir"`
}

func handleSearch(w http.ResponseWriter, r *http.Request, orch *orchestrator.Orchestrator) {
	var body searchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input")
		return
	}

	resp, err := orch.Search(r.Context(), orchestrator.SearchRequest{
		Text:      body.Text,
		Page:      body.Page,
		PageSize:  body.PageSize,
		Sort:      ranker.SortField(body.Sort),
		SortDir:   ranker.SortDir(body.SortDir),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type explainRequestBody struct {
	QueryText  string  `json:"query_text"`
	ListingKey int64   `json:"listing_key"`
	MatchScore float64 `json:"match_score"`
}

func handleExplain(w http.ResponseWriter, r *http.Request, orch *orchestrator.Orchestrator) {
	var body explainRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input")
		return
	}

	rec, err := orch.Explain(r.Context(), orchestrator.ExplainRequest{
		QueryText:  body.QueryText,
		ListingKey: body.ListingKey,
		MatchScore: body.MatchScore,
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func handleExplainStream(w http.ResponseWriter, r *http.Request, orch *orchestrator.Orchestrator) {
	var body explainRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	sink := &sseSink{w: w, flusher: flusher}
	err := orch.ExplainStream(r.Context(), orchestrator.ExplainRequest{
		QueryText:  body.QueryText,
		ListingKey: body.ListingKey,
		MatchScore: body.MatchScore,
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
	}, sink)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
}

// sseSink renders explain.Event values as Server-Sent-Events, one JSON
// object per data: line, terminated by "data: [DONE]".
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) OnEvent(ev explain.Event) {
	payload := map[string]any{"type": string(ev.Type)}
	switch ev.Type {
	case explain.EventChunk:
		payload["content"] = ev.Chunk
	case explain.EventCached, explain.EventComplete:
		payload["explanation"] = ev.Record
		payload["cached"] = ev.Record.Cached
	case explain.EventError:
		payload["message"] = "explanation unavailable"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseSink) OnDone() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]string{"error": kind})
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	var retryErr *orchestrator.RetryAfterError
	switch {
	case errors.As(err, &retryErr):
		w.Header().Set("Retry-After", strconv.Itoa(retryErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "rate_limited")
	case errors.Is(err, orchestrator.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input")
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, orchestrator.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access_denied")
	case errors.Is(err, orchestrator.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "upstream_unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal")
	}
}
