package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"github.com/tytac116/PropMatch/internal/llm"
	"github.com/tytac116/PropMatch/internal/observability"
)

// GeminiProvider wraps the google.golang.org/genai client.
type GeminiProvider struct {
	client *genai.Client
}

func NewGemini(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: strings.TrimSpace(apiKey)})
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func toGeminiContents(msgs []llm.Message) ([]*genai.Content, string) {
	var sys strings.Builder
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if sys.Len() > 0 {
				sys.WriteString("\n")
			}
			sys.WriteString(m.Content)
		case "assistant":
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return out, sys.String()
}

func (p *GeminiProvider) Chat(ctx context.Context, msgs []llm.Message, model string, temperature float64) (llm.Message, llm.Usage, error) {
	contents, sys := toGeminiContents(msgs)
	temp := float32(temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}

	ctx, span := llm.StartRequestSpan(ctx, "gemini.Chat", model, len(msgs))
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", model).Dur("duration", time.Since(start)).Msg("gemini_chat_error")
		return llm.Message{}, llm.Usage{}, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("gemini: empty response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	usage := llm.Usage{}
	if resp.UsageMetadata != nil {
		usage = llm.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	llm.RecordTokenMetrics(model, usage.PromptTokens, usage.CompletionTokens)

	return llm.Message{Role: "assistant", Content: text.String()}, usage, nil
}

func (p *GeminiProvider) ChatStream(ctx context.Context, msgs []llm.Message, model string, temperature float64, h llm.StreamHandler) (llm.Usage, error) {
	contents, sys := toGeminiContents(msgs)
	temp := float32(temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}

	ctx, span := llm.StartRequestSpan(ctx, "gemini.ChatStream", model, len(msgs))
	defer span.End()

	var usage llm.Usage
	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			span.RecordError(err)
			return llm.Usage{}, err
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil && h != nil {
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" {
					h.OnDelta(part.Text)
				}
			}
		}
		if resp.UsageMetadata != nil {
			usage = llm.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
	}

	llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	llm.RecordTokenMetrics(model, usage.PromptTokens, usage.CompletionTokens)
	return usage, nil
}
