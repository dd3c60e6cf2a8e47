// Package providers contains the vendor-specific Provider implementations
// behind the model cascade: Anthropic (primary), OpenAI (fallback), Gemini
// (tertiary).
package providers

import (
	"context"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tytac116/PropMatch/internal/llm"
	"github.com/tytac116/PropMatch/internal/observability"
)

// AnthropicProvider wraps the Anthropic Messages API.
type AnthropicProvider struct {
	sdk anthropic.Client
}

// NewAnthropic constructs a Provider backed by the Anthropic SDK. apiKey may
// be empty in tests that never invoke Chat/ChatStream.
func NewAnthropic(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if b := strings.TrimSpace(baseURL); b != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(b, "/")))
	}
	return &AnthropicProvider{sdk: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func toAnthropicParams(msgs []llm.Message, model string, temperature float64) (string, []anthropic.MessageParam, anthropic.MessageNewParams) {
	var sys strings.Builder
	converted := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if sys.Len() > 0 {
				sys.WriteString("\n")
			}
			sys.WriteString(m.Content)
		case "assistant":
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    converted,
		MaxTokens:   2048,
		Temperature: anthropic.Float(temperature),
	}
	if sys.Len() > 0 {
		params.System = []anthropic.TextBlockParam{{Text: sys.String()}}
	}
	return sys.String(), converted, params
}

func (p *AnthropicProvider) Chat(ctx context.Context, msgs []llm.Message, model string, temperature float64) (llm.Message, llm.Usage, error) {
	_, _, params := toAnthropicParams(msgs, model, temperature)

	ctx, span := llm.StartRequestSpan(ctx, "anthropic.Chat", model, len(msgs))
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := p.sdk.Messages.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", model).Dur("duration", time.Since(start)).Msg("anthropic_chat_error")
		return llm.Message{}, llm.Usage{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb := block.AsAny(); tb != nil {
			if t, ok := tb.(anthropic.TextBlock); ok {
				text.WriteString(t.Text)
			}
		}
	}

	usage := llm.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	llm.RecordTokenMetrics(model, usage.PromptTokens, usage.CompletionTokens)

	return llm.Message{Role: "assistant", Content: text.String()}, usage, nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, msgs []llm.Message, model string, temperature float64, h llm.StreamHandler) (llm.Usage, error) {
	_, _, params := toAnthropicParams(msgs, model, temperature)

	ctx, span := llm.StartRequestSpan(ctx, "anthropic.ChatStream", model, len(msgs))
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	stream := p.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			log.Debug().Err(err).Msg("anthropic_accumulate_error")
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if d, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && h != nil {
				h.OnDelta(d.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		return llm.Usage{}, err
	}

	usage := llm.Usage{
		PromptTokens:     int(acc.Usage.InputTokens),
		CompletionTokens: int(acc.Usage.OutputTokens),
		TotalTokens:      int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
	}
	llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	llm.RecordTokenMetrics(model, usage.PromptTokens, usage.CompletionTokens)
	return usage, nil
}
