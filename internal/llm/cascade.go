package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrAllTiersExhausted is returned when every cascade tier fails.
var ErrAllTiersExhausted = errors.New("llm: all cascade tiers exhausted")

// unavailableMarkers are case-folded substrings that identify a
// "model does not exist" class of provider error, as opposed to a transient
// failure. Only these trigger cascade fallthrough to the next tier; any other
// error is returned immediately since retrying with a different vendor won't
// fix a bad prompt or a network partition.
var unavailableMarkers = []string{
	"model not found",
	"does not exist",
	"not exist",
	"not available",
}

func isModelUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range unavailableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Tier pairs a Provider with the model name to request from it.
type Tier struct {
	Provider Provider
	Model    string
}

// Cascade tries each tier in order, falling through to the next only when a
// tier's error looks like "the model doesn't exist", never on transient
// failures (rate limits, timeouts, network errors), which are returned as-is.
type Cascade struct {
	Tiers []Tier
}

// NewCascade builds a cascade from an ordered list of tiers. The first tier
// with a non-empty model is the primary; later tiers are fallbacks.
func NewCascade(tiers ...Tier) *Cascade {
	return &Cascade{Tiers: tiers}
}

// Chat runs the cascade for a non-streaming completion. The returned string
// is the model of the tier that actually produced the response.
func (c *Cascade) Chat(ctx context.Context, msgs []Message, temperature float64) (Message, Usage, string, error) {
	var lastErr error
	for _, t := range c.Tiers {
		if t.Provider == nil || strings.TrimSpace(t.Model) == "" {
			continue
		}
		msg, usage, err := t.Provider.Chat(ctx, msgs, t.Model, temperature)
		if err == nil {
			return msg, usage, t.Model, nil
		}
		lastErr = err
		if !isModelUnavailable(err) {
			return Message{}, Usage{}, t.Model, err
		}
	}
	if lastErr != nil {
		return Message{}, Usage{}, "", lastErr
	}
	return Message{}, Usage{}, "", ErrAllTiersExhausted
}

// ChatStream runs the cascade for a streaming completion. Fallback can only
// happen before the first delta is emitted: once a handler has received
// output from a tier, a later failure from that same tier is returned as-is
// rather than silently restarting the stream on a different vendor.
func (c *Cascade) ChatStream(ctx context.Context, msgs []Message, temperature float64, h StreamHandler) (Usage, string, error) {
	var lastErr error
	for _, t := range c.Tiers {
		if t.Provider == nil || strings.TrimSpace(t.Model) == "" {
			continue
		}
		guard := &firstDeltaGuard{inner: h}
		usage, err := t.Provider.ChatStream(ctx, msgs, t.Model, temperature, guard)
		if err == nil {
			return usage, t.Model, nil
		}
		lastErr = err
		if guard.seen || !isModelUnavailable(err) {
			return Usage{}, t.Model, err
		}
	}
	if lastErr != nil {
		return Usage{}, "", lastErr
	}
	return Usage{}, "", ErrAllTiersExhausted
}

type firstDeltaGuard struct {
	inner StreamHandler
	seen  bool
}

func (g *firstDeltaGuard) OnDelta(content string) {
	g.seen = true
	if g.inner != nil {
		g.inner.OnDelta(content)
	}
}
