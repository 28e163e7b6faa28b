package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/example/canvas-engine/internal/types"
)

// MaxTitleRunes bounds generated canvas titles.
const MaxTitleRunes = 60

const titleSystemPrompt = "You name workspaces. Reply with a short, specific title for the content the user provides. Reply with the title only."

// ErrNoModel is returned when no model is configured for a user.
var ErrNoModel = errors.New("llm: no default model configured")

// TitleGenerator produces a canvas title from gathered content.
type TitleGenerator interface {
	DefaultModel(ctx context.Context, uid types.UserID) (string, error)
	GenerateTitle(ctx context.Context, model, content string) (string, error)
}

// OpenAI generates titles through an OpenAI-compatible chat completion API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	logger       zerolog.Logger
}

// NewOpenAI constructs a client. An empty baseURL targets the public API.
func NewOpenAI(apiKey, baseURL, defaultModel string, logger zerolog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if defaultModel == "" {
		defaultModel = openai.GPT4oMini
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
		logger:       logger.With().Str("component", "llm").Logger(),
	}
}

// DefaultModel returns the model used for uid. Every user shares the
// configured default.
func (o *OpenAI) DefaultModel(_ context.Context, _ types.UserID) (string, error) {
	if o.defaultModel == "" {
		return "", ErrNoModel
	}
	return o.defaultModel, nil
}

// GenerateTitle asks model for a title describing content.
func (o *OpenAI) GenerateTitle(ctx context.Context, model, content string) (string, error) {
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titleSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		MaxCompletionTokens: 64,
	})
	if err != nil {
		generations.WithLabelValues("error").Inc()
		return "", fmt.Errorf("title completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		generations.WithLabelValues("empty").Inc()
		return "", errors.New("title completion returned no choices")
	}
	generations.WithLabelValues("ok").Inc()
	generationLatency.Observe(time.Since(start).Seconds())

	title := SanitizeTitle(resp.Choices[0].Message.Content)
	o.logger.Debug().Str("model", model).Str("finish_reason", string(resp.Choices[0].FinishReason)).Msg("title generated")
	return title, nil
}

// SanitizeTitle keeps the first non-empty line of raw, drops a leading
// "Title:" label and wrapping quotes, and truncates to MaxTitleRunes.
func SanitizeTitle(raw string) string {
	var line string
	for _, l := range strings.Split(raw, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	if len(line) >= 6 && strings.EqualFold(line[:6], "title:") {
		line = strings.TrimSpace(line[6:])
	}
	line = strings.Trim(line, "\"'`*# ")
	runes := []rune(line)
	if len(runes) > MaxTitleRunes {
		line = strings.TrimSpace(string(runes[:MaxTitleRunes]))
	}
	return line
}
