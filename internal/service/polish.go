package service

import (
	"context"
	"strings"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const polishSystemPrompt = "You are a grammar proofreader. Fix only grammar issues: subject/verb agreement, " +
	"pluralization, and articles (a/an/the). Do not change word choices, meaning, or creative content. " +
	"Return only the corrected text with no commentary."

// Polisher правит грамматику раскрытой истории. Ошибка не фатальна:
// вызывающий оставляет исходный текст.
type Polisher interface {
	Polish(ctx context.Context, story string) (string, error)
}

// NopPolisher возвращает историю без изменений.
type NopPolisher struct{}

func (NopPolisher) Polish(_ context.Context, story string) (string, error) { return story, nil }

// PolishConfig - параметры OpenAI-совместимого chat completion.
type PolishConfig struct {
	Enabled bool
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// openAIPolisher реализует Polisher через go-openai.
type openAIPolisher struct {
	client  *openaigo.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewPolisher возвращает NopPolisher, если полировка выключена или нет ключа.
func NewPolisher(cfg PolishConfig, logger *zap.Logger) Polisher {
	if !cfg.Enabled || cfg.APIKey == "" {
		return NopPolisher{}
	}
	config := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model == "" {
		cfg.Model = openaigo.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	return &openAIPolisher{
		client:  openaigo.NewClientWithConfig(config),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.Named("Polisher"),
	}
}

func polishMaxTokens(story string) int {
	n := int(float64(len(story)) * 1.5 / 4)
	if n < 64 {
		return 64
	}
	return n
}

func (p *openAIPolisher) Polish(ctx context.Context, story string) (string, error) {
	if strings.TrimSpace(story) == "" {
		return story, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model: p.model,
		Messages: []openaigo.ChatCompletionMessage{
			{Role: openaigo.ChatMessageRoleSystem, Content: polishSystemPrompt},
			{Role: openaigo.ChatMessageRoleUser, Content: story},
		},
		Temperature: 0,
		MaxTokens:   polishMaxTokens(story),
	})
	polishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		polishRequestsTotal.WithLabelValues("error").Inc()
		return story, err
	}
	if len(resp.Choices) == 0 {
		polishRequestsTotal.WithLabelValues("empty").Inc()
		return story, nil
	}
	polished := strings.TrimSpace(resp.Choices[0].Message.Content)
	if polished == "" {
		polishRequestsTotal.WithLabelValues("empty").Inc()
		return story, nil
	}
	polishRequestsTotal.WithLabelValues("success").Inc()
	p.logger.Debug("Story polished", zap.Int("inputLen", len(story)), zap.Int("outputLen", len(polished)))
	return polished, nil
}
