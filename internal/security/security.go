// Package security implements the Security Gate (C10): token-bucket rate
// limiting, burst-driven IP quarantine, payload/input screening, and a
// capped event ledger, all serialized through the Cache Adapter so the
// gate shares no in-process mutable state across requests.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tytac116/PropMatch/internal/cache"
	"github.com/tytac116/PropMatch/internal/config"
	"github.com/tytac116/PropMatch/internal/observability"
)

// Tier identifies one of the four rate-limit buckets a request is checked
// against.
type Tier string

const (
	TierStrict      Tier = "strict"
	TierExplanation Tier = "explanation"
	TierSearch      Tier = "search"
	TierGeneral     Tier = "general"
)

// ThreatLevel tags the severity of a logged event.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// EventKind names the closed set of gate events written to the ledger.
type EventKind string

const (
	EventBlockedIPAccess  EventKind = "blocked_ip_access"
	EventLargePayload     EventKind = "large_payload"
	EventDDOS             EventKind = "ddos"
	EventRateLimited      EventKind = "rate_limit"
	EventSuspiciousAgent  EventKind = "suspicious_agent"
	EventPromptInjection  EventKind = "prompt_injection"
	EventSQLInjection     EventKind = "sql_injection"
)

// Event is a single security occurrence, persisted to the capped ledger and
// offered to any configured analytics sinks.
type Event struct {
	Kind      EventKind   `json:"kind"`
	IP        string      `json:"ip"`
	Threat    ThreatLevel `json:"threat"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Decision is the gate's verdict on a single request.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // set only when Allowed is false due to a rate limit
	Reason     string        // error kind the orchestrator should surface
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string, retryAfter time.Duration) Decision {
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

// AnalyticsSink receives every security Event on a best-effort basis. It
// never blocks or fails a request; Record errors are logged and dropped.
type AnalyticsSink interface {
	Record(ctx context.Context, ev Event) error
}

const (
	keyBlockedIPs    = "security:blocked_ips"
	blockInfoPrefix  = "security:block_info:"
	keyEventLedger   = "security:events"
	eventLedgerCap   = 1000
	statsHourlyPref  = "security:stats:hourly:"
	statsDailyPref   = "security:stats:daily:"
	statsIPPref      = "security:stats:ip:"
	statsHourlyTTL   = 24 * time.Hour
	statsDailyTTL    = 7 * 24 * time.Hour
	statsIPTTL       = 24 * time.Hour
	burstWindowTTL   = 60 * time.Second
	quarantineTTL    = 24 * time.Hour
)

type blockInfo struct {
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Gate is the Security Gate. All state lives in the Cache Adapter; Gate
// itself holds only configuration, the static pattern lists, and optional
// analytics sinks.
type Gate struct {
	cache    cache.Cache
	cfg      config.Security
	patterns config.PatternLists
	sinks    []AnalyticsSink
}

// New constructs a Gate. sinks may be empty; each is called best-effort
// and never blocks request handling.
func New(c cache.Cache, cfg config.Security, patterns config.PatternLists, sinks ...AnalyticsSink) *Gate {
	return &Gate{cache: c, cfg: cfg, patterns: patterns, sinks: sinks}
}

// CheckRequest runs the gate's ordered per-request heuristics: quarantine,
// payload size, burst detection, hour/day caps, then the tier's token
// bucket, then the user-agent check (which never rejects). It does not
// screen free-text input; call CheckText separately for that.
func (g *Gate) CheckRequest(ctx context.Context, ip, userAgent string, payloadBytes int, tier Tier) Decision {
	if blocked, _ := g.cache.SetContains(ctx, keyBlockedIPs, ip); blocked {
		g.record(ctx, Event{Kind: EventBlockedIPAccess, IP: ip, Threat: ThreatHigh})
		return deny("access_denied", 0)
	}

	if payloadBytes > g.cfg.PayloadMaxBytes {
		g.record(ctx, Event{Kind: EventLargePayload, IP: ip, Threat: ThreatMedium})
		return deny("invalid_input", 0)
	}

	if d := g.checkBurst(ctx, ip); !d.Allowed {
		return d
	}

	if d := g.checkHourDayCaps(ctx, ip); !d.Allowed {
		return d
	}

	if d := g.checkTokenBucket(ctx, ip, tier); !d.Allowed {
		return d
	}

	if isSuspiciousAgent(userAgent, g.patterns.SuspiciousUserAgents) {
		g.record(ctx, Event{Kind: EventSuspiciousAgent, IP: ip, Threat: ThreatLow, Detail: userAgent})
	}

	return allow()
}

// CheckText screens free text (a search query, explanation request) for
// prompt-injection and SQL-injection patterns after trimming and length
// validation. A match rejects with invalid_input and logs a high-threat
// event; it never mutates rate-limit or quarantine state.
func (g *Gate) CheckText(ctx context.Context, ip, text string) Decision {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(trimmed) > g.cfg.QueryMaxChars {
		return deny("invalid_input", 0)
	}
	lower := strings.ToLower(trimmed)

	for _, p := range g.patterns.PromptInjectionPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			g.record(ctx, Event{Kind: EventPromptInjection, IP: ip, Threat: ThreatHigh, Detail: p})
			return deny("invalid_input", 0)
		}
	}
	for _, p := range g.patterns.SQLInjectionPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			g.record(ctx, Event{Kind: EventSQLInjection, IP: ip, Threat: ThreatHigh, Detail: p})
			return deny("invalid_input", 0)
		}
	}
	return allow()
}

func (g *Gate) checkBurst(ctx context.Context, ip string) Decision {
	bucket := fmt.Sprintf("security:burst:%s", ip)
	count, err := g.cache.IncrWithTTL(ctx, bucket, burstWindowTTL)
	if err != nil {
		// Cache failures never fail a request; treat as allowed but log.
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("security: burst counter unavailable")
		return allow()
	}
	limit := g.cfg.DDOSBurstPerMin
	if limit <= 0 {
		limit = 50
	}
	if int(count) > limit {
		g.quarantine(ctx, ip, "ddos_burst", quarantineTTL)
		g.record(ctx, Event{Kind: EventDDOS, IP: ip, Threat: ThreatCritical})
		return deny("access_denied", 0)
	}
	return allow()
}

func (g *Gate) checkHourDayCaps(ctx context.Context, ip string) Decision {
	now := g.cache.TimeNow()
	hourBucket := now.Truncate(time.Hour).Unix()
	dayBucket := now.Truncate(24 * time.Hour).Unix()

	hourKey := fmt.Sprintf("security:ip_hour:%s:%d", ip, hourBucket)
	dayKey := fmt.Sprintf("security:ip_day:%s:%d", ip, dayBucket)

	hourCount, err := g.cache.IncrWithTTL(ctx, hourKey, time.Hour)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("security: hour counter unavailable")
		hourCount = 0
	}
	dayCount, err := g.cache.IncrWithTTL(ctx, dayKey, 24*time.Hour)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("security: day counter unavailable")
		dayCount = 0
	}

	hourCap := g.cfg.IPHourCap
	if hourCap <= 0 {
		hourCap = 500
	}
	dayCap := g.cfg.IPDayCap
	if dayCap <= 0 {
		dayCap = 2000
	}

	if int(hourCount) > hourCap || int(dayCount) > dayCap {
		g.record(ctx, Event{Kind: EventRateLimited, IP: ip, Threat: ThreatMedium})
		return deny("rate_limited", time.Hour)
	}
	return allow()
}

func (g *Gate) checkTokenBucket(ctx context.Context, ip string, tier Tier) Decision {
	limit := g.tierLimit(tier)
	now := g.cache.TimeNow()
	minuteBucket := now.Truncate(time.Minute).Unix()
	key := fmt.Sprintf("security:bucket:%s:%s:%d", tier, ip, minuteBucket)

	count, err := g.cache.IncrWithTTL(ctx, key, time.Minute)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("security: token bucket unavailable")
		return allow()
	}
	if int(count) > limit {
		g.record(ctx, Event{Kind: EventRateLimited, IP: ip, Threat: ThreatMedium, Detail: string(tier)})
		return deny("rate_limited", time.Until(now.Truncate(time.Minute).Add(time.Minute)))
	}
	return allow()
}

func (g *Gate) tierLimit(tier Tier) int {
	switch tier {
	case TierStrict:
		return orDefault(g.cfg.RateLimits.StrictPerMin, 3)
	case TierExplanation:
		return orDefault(g.cfg.RateLimits.ExplanationPerMin, 5)
	case TierSearch:
		return orDefault(g.cfg.RateLimits.SearchPerMin, 5)
	default:
		return orDefault(g.cfg.RateLimits.GeneralPerMin, 100)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (g *Gate) quarantine(ctx context.Context, ip, reason string, ttl time.Duration) {
	if err := g.cache.SetAdd(ctx, keyBlockedIPs, ip); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("security: quarantine set-add failed")
		return
	}
	now := g.cache.TimeNow()
	info := blockInfo{Reason: reason, BlockedAt: now, ExpiresAt: now.Add(ttl)}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := g.cache.SetWithTTL(ctx, blockInfoPrefix+ip, string(data), ttl); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("security: block-info write failed")
	}
}

// IsQuarantined reports whether ip is currently in the blocked set.
func (g *Gate) IsQuarantined(ctx context.Context, ip string) bool {
	blocked, err := g.cache.SetContains(ctx, keyBlockedIPs, ip)
	if err != nil {
		return false
	}
	return blocked
}

func (g *Gate) record(ctx context.Context, ev Event) {
	ev.Timestamp = g.cache.TimeNow()

	data, err := json.Marshal(ev)
	if err == nil {
		if err := g.cache.ListPushCapped(ctx, keyEventLedger, string(data), eventLedgerCap); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("security: event ledger push failed")
		}
	}

	g.incrStats(ctx, statsHourlyPref+strconv.FormatInt(ev.Timestamp.Truncate(time.Hour).Unix(), 10), string(ev.Kind), statsHourlyTTL)
	g.incrStats(ctx, statsDailyPref+strconv.FormatInt(ev.Timestamp.Truncate(24*time.Hour).Unix(), 10), string(ev.Kind), statsDailyTTL)
	g.incrStats(ctx, statsIPPref+ev.IP, string(ev.Kind), statsIPTTL)

	for _, sink := range g.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, ev); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("sink", fmt.Sprintf("%T", sink)).Msg("security: analytics sink failed")
		}
	}
}

func (g *Gate) incrStats(ctx context.Context, key, field string, ttl time.Duration) {
	if _, err := g.cache.IncrWithTTL(ctx, key+":"+field, ttl); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("security: stats counter failed")
	}
}

func isSuspiciousAgent(userAgent string, patterns []string) bool {
	if userAgent == "" {
		return false
	}
	lower := strings.ToLower(userAgent)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
