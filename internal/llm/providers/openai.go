package providers

import (
	"context"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/tytac116/PropMatch/internal/llm"
	"github.com/tytac116/PropMatch/internal/observability"
)

// OpenAIProvider wraps the OpenAI Chat Completions API.
type OpenAIProvider struct {
	sdk sdk.Client
}

func NewOpenAI(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if b := strings.TrimSpace(baseURL); b != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(b, "/")))
	}
	return &OpenAIProvider{sdk: sdk.NewClient(opts...)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func toOpenAIMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func (p *OpenAIProvider) Chat(ctx context.Context, msgs []llm.Message, model string, temperature float64) (llm.Message, llm.Usage, error) {
	params := sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(model),
		Messages:    toOpenAIMessages(msgs),
		Temperature: sdk.Float(temperature),
	}

	ctx, span := llm.StartRequestSpan(ctx, "openai.Chat", model, len(msgs))
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	comp, err := p.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", model).Dur("duration", time.Since(start)).Msg("openai_chat_error")
		return llm.Message{}, llm.Usage{}, err
	}
	if len(comp.Choices) == 0 {
		return llm.Message{}, llm.Usage{}, errEmptyChoices
	}

	usage := llm.Usage{
		PromptTokens:     int(comp.Usage.PromptTokens),
		CompletionTokens: int(comp.Usage.CompletionTokens),
		TotalTokens:      int(comp.Usage.TotalTokens),
	}
	llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	llm.RecordTokenMetrics(model, usage.PromptTokens, usage.CompletionTokens)

	return llm.Message{Role: "assistant", Content: comp.Choices[0].Message.Content}, usage, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, msgs []llm.Message, model string, temperature float64, h llm.StreamHandler) (llm.Usage, error) {
	params := sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(model),
		Messages:    toOpenAIMessages(msgs),
		Temperature: sdk.Float(temperature),
	}
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	ctx, span := llm.StartRequestSpan(ctx, "openai.ChatStream", model, len(msgs))
	defer span.End()

	stream := p.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var usage llm.Usage
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 && h != nil {
			if d := chunk.Choices[0].Delta.Content; d != "" {
				h.OnDelta(d)
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = llm.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		return llm.Usage{}, err
	}

	llm.RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	llm.RecordTokenMetrics(model, usage.PromptTokens, usage.CompletionTokens)
	return usage, nil
}

var errEmptyChoices = &noChoicesError{}

type noChoicesError struct{}

func (*noChoicesError) Error() string { return "openai: completion returned no choices" }
