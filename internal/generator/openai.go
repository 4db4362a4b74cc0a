package generator

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/stellarlinkco/moltclaw/internal/config"
)

// maxHistory bounds the messages replayed for a continued session. The first
// exchange, which carries the protocol introduction, is always kept.
const maxHistory = 12

// OpenAIGenerator keeps session history in process and replays it on each
// continued call.
type OpenAIGenerator struct {
	client    openai.Client
	model     string
	maxTokens int
	logger    *log.Logger

	mu      sync.Mutex
	history []openai.ChatCompletionMessageParamUnion
}

func NewOpenAI(cfg config.GeneratorConfig, logger *log.Logger, extra ...option.RequestOption) *OpenAIGenerator {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, extra...)
	if logger == nil {
		logger = log.Default()
	}
	return &OpenAIGenerator{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, continueSession bool) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !continueSession {
		g.history = nil
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(g.history)+2)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	messages = append(messages, g.history...)
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(g.model),
	}
	if g.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(g.maxTokens))
	}

	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyOutput
	}
	out, err := clean(completion.Choices[0].Message.Content)
	if err != nil {
		return "", err
	}

	g.history = append(g.history, openai.UserMessage(prompt), openai.AssistantMessage(out))
	g.history = trimHistory(g.history)
	g.logger.Debug("generated", "model", g.model, "history", len(g.history), "chars", len(out))
	return out, nil
}

func trimHistory(h []openai.ChatCompletionMessageParamUnion) []openai.ChatCompletionMessageParamUnion {
	if len(h) <= maxHistory {
		return h
	}
	out := make([]openai.ChatCompletionMessageParamUnion, 0, maxHistory)
	out = append(out, h[:2]...)
	out = append(out, h[len(h)-(maxHistory-2):]...)
	return out
}

func (g *OpenAIGenerator) Close() error { return nil }
