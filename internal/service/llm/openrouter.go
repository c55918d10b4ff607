package llm

import (
	"bytes"
	"clai-chat/internal/config"
	"clai-chat/internal/logger"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

const openRouterURL = "https://openrouter.ai/api/v1/chat/completions"

const defaultOpenRouterModel = "openai/gpt-4o-mini"

// OpenRouterProvider implements Provider using direct OpenRouter API calls
type OpenRouterProvider struct {
	config *config.GenerationConfig
	url    string
	client *http.Client
}

// NewOpenRouterProvider creates a new OpenRouter provider with config
func NewOpenRouterProvider(genConfig *config.GenerationConfig) *OpenRouterProvider {
	return &OpenRouterProvider{
		config: genConfig,
		url:    openRouterURL,
		client: &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// DefaultModel returns the configured model or the OpenRouter default
func (p *OpenRouterProvider) DefaultModel() string {
	if p.config.Model != "" {
		return p.config.Model
	}
	return defaultOpenRouterModel
}

func buildChatMessages(req Request) []chatMessage {
	messages := make([]chatMessage, 0, len(req.History)+2)
	messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return append(messages, chatMessage{Role: RoleUser, Content: req.Content})
}

// Generate sends a chat request with conversation history and returns the full response
func (p *OpenRouterProvider) Generate(ctx context.Context, req Request) (*Generation, error) {
	apiKey := p.config.OpenRouterAPIKey
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY not configured")
	}

	model := p.DefaultModel()
	logger.Log.WithFields(logrus.Fields{
		"model":         model,
		"message_count": len(req.History),
	}).Info("Calling OpenRouter API")

	temperature := p.config.Temperature
	reqBody := chatRequest{
		Model:       model,
		Messages:    buildChatMessages(req),
		Stream:      false,
		Temperature: &temperature,
		MaxTokens:   p.config.MaxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("X-Title", "CLAI Chat")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	logger.Log.WithField("response_length", len(body)).Debug("Received raw response")

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no response from API")
	}

	content := chatResp.Choices[0].Message.Content
	logger.Log.WithField("content_length", len(content)).Debug("Extracted content from response")
	return &Generation{Content: content, Model: model}, nil
}
