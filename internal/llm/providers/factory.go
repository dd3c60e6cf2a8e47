package providers

import (
	"context"
	"fmt"

	"github.com/tytac116/PropMatch/internal/config"
	"github.com/tytac116/PropMatch/internal/llm"
)

// NewCascade wires the three model-cascade tiers from configuration:
// Anthropic primary, OpenAI fallback, Gemini tertiary. A tier with no model
// name configured is skipped by the cascade.
func NewCascade(ctx context.Context, cfg config.LLM) (*llm.Cascade, error) {
	tiers := make([]llm.Tier, 0, 3)

	if cfg.PrimaryModel != "" {
		tiers = append(tiers, llm.Tier{
			Provider: NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicBase),
			Model:    cfg.PrimaryModel,
		})
	}
	if cfg.FallbackModel != "" {
		tiers = append(tiers, llm.Tier{
			Provider: NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBase),
			Model:    cfg.FallbackModel,
		})
	}
	if cfg.TertiaryModel != "" {
		gem, err := NewGemini(ctx, cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("init gemini tier: %w", err)
		}
		tiers = append(tiers, llm.Tier{Provider: gem, Model: cfg.TertiaryModel})
	}

	return llm.NewCascade(tiers...), nil
}
