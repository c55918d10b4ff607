package llm

import (
	"clai-chat/internal/config"
	"clai-chat/internal/logger"
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"
)

const defaultAnthropicModel = string(anthropic.ModelClaude3_5Sonnet20241022)

// AnthropicProvider implements Provider on the Anthropic Messages API
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	config    *config.GenerationConfig
	hasAPIKey bool
}

// NewAnthropicProvider creates an Anthropic provider
func NewAnthropicProvider(genConfig *config.GenerationConfig) *AnthropicProvider {
	model := genConfig.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicProvider{
		client:    anthropic.NewClient(option.WithAPIKey(genConfig.AnthropicAPIKey), option.WithMaxRetries(0)),
		model:     model,
		config:    genConfig,
		hasAPIKey: genConfig.AnthropicAPIKey != "",
	}
}

// DefaultModel returns the model replies are tagged with
func (p *AnthropicProvider) DefaultModel() string {
	return p.model
}

// Generate calls the Messages API. The directive travels as the system block.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Generation, error) {
	if !p.hasAPIKey {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not configured")
	}

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Content)))

	maxTokens := int64(p.config.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(p.config.Temperature),
		System:      []anthropic.TextBlockParam{{Text: req.SystemPrompt}},
	}

	logger.Log.WithFields(logrus.Fields{
		"model":         p.model,
		"message_count": len(req.History),
	}).Info("Calling Anthropic API")

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("no text content returned")
	}

	logger.Log.WithField("content_length", sb.Len()).Debug("Extracted content from response")
	return &Generation{Content: sb.String(), Model: p.model}, nil
}
