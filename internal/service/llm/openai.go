package llm

import (
	"clai-chat/internal/config"
	"clai-chat/internal/logger"
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sirupsen/logrus"
)

const defaultOpenAIModel = openai.ChatModelGPT4oMini

// OpenAIProvider implements Provider on the OpenAI chat completions API
type OpenAIProvider struct {
	client    openai.Client
	model     string
	config    *config.GenerationConfig
	hasAPIKey bool
}

// NewOpenAIProvider creates an OpenAI provider. OpenAIBaseURL points it at
// any OpenAI-compatible endpoint.
func NewOpenAIProvider(genConfig *config.GenerationConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(genConfig.OpenAIAPIKey), option.WithMaxRetries(0)}
	if genConfig.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(genConfig.OpenAIBaseURL))
	}

	model := genConfig.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		model:     model,
		config:    genConfig,
		hasAPIKey: genConfig.OpenAIAPIKey != "",
	}
}

// DefaultModel returns the model replies are tagged with
func (p *OpenAIProvider) DefaultModel() string {
	return p.model
}

// Generate calls chat completions with the directive, history and new message
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Generation, error) {
	if !p.hasAPIKey {
		return nil, fmt.Errorf("OPENAI_API_KEY not configured")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	for _, m := range req.History {
		if m.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Content))

	params := openai.ChatCompletionNewParams{
		Model:       p.model,
		Messages:    messages,
		Temperature: openai.Float(p.config.Temperature),
	}
	if p.config.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.config.MaxTokens))
	}

	logger.Log.WithFields(logrus.Fields{
		"model":         p.model,
		"message_count": len(req.History),
	}).Info("Calling OpenAI API")

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	content := resp.Choices[0].Message.Content
	logger.Log.WithField("content_length", len(content)).Debug("Extracted content from response")
	return &Generation{Content: content, Model: p.model}, nil
}
