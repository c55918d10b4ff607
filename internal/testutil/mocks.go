package testutil

import (
	"clai-chat/internal/config"
	"clai-chat/internal/repository/db"
	"clai-chat/internal/service/knowledge"
	"clai-chat/internal/service/llm"
	"context"
	"errors"
	"time"
)

// MockConversationStore is a mock implementation of db.ConversationStore for testing
type MockConversationStore struct {
	// Chatbot mocks
	GetChatbotFunc    func(ctx context.Context, id string) (*db.Chatbot, error)
	CreateChatbotFunc func(ctx context.Context, bot *db.Chatbot) (*db.Chatbot, error)

	// Conversation mocks
	CreateConversationFunc func(ctx context.Context, conv *db.Conversation) (*db.Conversation, error)
	GetConversationFunc    func(ctx context.Context, id string) (*db.Conversation, error)
	EndConversationFunc    func(ctx context.Context, id string, endedAt time.Time) error

	// Message mocks
	AddMessageFunc        func(ctx context.Context, msg *db.Message) (*db.Message, error)
	GetMessagesFunc       func(ctx context.Context, conversationID string) ([]db.Message, error)
	GetRecentMessagesFunc func(ctx context.Context, conversationID string, limit int) ([]db.Message, error)
	CountMessagesFunc     func(ctx context.Context, conversationID string) (int, error)
}

// Chatbot methods
func (m *MockConversationStore) GetChatbot(ctx context.Context, id string) (*db.Chatbot, error) {
	if m.GetChatbotFunc != nil {
		return m.GetChatbotFunc(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *MockConversationStore) CreateChatbot(ctx context.Context, bot *db.Chatbot) (*db.Chatbot, error) {
	if m.CreateChatbotFunc != nil {
		return m.CreateChatbotFunc(ctx, bot)
	}
	return nil, errors.New("not implemented")
}

// Conversation methods
func (m *MockConversationStore) CreateConversation(ctx context.Context, conv *db.Conversation) (*db.Conversation, error) {
	if m.CreateConversationFunc != nil {
		return m.CreateConversationFunc(ctx, conv)
	}
	return nil, errors.New("not implemented")
}

func (m *MockConversationStore) GetConversation(ctx context.Context, id string) (*db.Conversation, error) {
	if m.GetConversationFunc != nil {
		return m.GetConversationFunc(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *MockConversationStore) EndConversation(ctx context.Context, id string, endedAt time.Time) error {
	if m.EndConversationFunc != nil {
		return m.EndConversationFunc(ctx, id, endedAt)
	}
	return errors.New("not implemented")
}

// Message methods
func (m *MockConversationStore) AddMessage(ctx context.Context, msg *db.Message) (*db.Message, error) {
	if m.AddMessageFunc != nil {
		return m.AddMessageFunc(ctx, msg)
	}
	return nil, errors.New("not implemented")
}

func (m *MockConversationStore) GetMessages(ctx context.Context, conversationID string) ([]db.Message, error) {
	if m.GetMessagesFunc != nil {
		return m.GetMessagesFunc(ctx, conversationID)
	}
	return nil, errors.New("not implemented")
}

func (m *MockConversationStore) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]db.Message, error) {
	if m.GetRecentMessagesFunc != nil {
		return m.GetRecentMessagesFunc(ctx, conversationID, limit)
	}
	return nil, errors.New("not implemented")
}

func (m *MockConversationStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	if m.CountMessagesFunc != nil {
		return m.CountMessagesFunc(ctx, conversationID)
	}
	return 0, errors.New("not implemented")
}

// MockLLMProvider is a mock implementation of llm.Provider for testing
type MockLLMProvider struct {
	GenerateFunc     func(ctx context.Context, req llm.Request) (*llm.Generation, error)
	DefaultModelFunc func() string
}

func (m *MockLLMProvider) Generate(ctx context.Context, req llm.Request) (*llm.Generation, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (m *MockLLMProvider) DefaultModel() string {
	if m.DefaultModelFunc != nil {
		return m.DefaultModelFunc()
	}
	return "default-model"
}

// MockKnowledgeMatcher is a mock knowledge lookup. A nil BestMatchFunc never matches.
type MockKnowledgeMatcher struct {
	BestMatchFunc func(ctx context.Context, chatbotID, query string) (*knowledge.Result, error)
}

func (m *MockKnowledgeMatcher) BestMatch(ctx context.Context, chatbotID, query string) (*knowledge.Result, error) {
	if m.BestMatchFunc != nil {
		return m.BestMatchFunc(ctx, chatbotID, query)
	}
	return nil, nil
}

// NewMockConfig creates a config.AppConfig wired for in-memory testing
func NewMockConfig() *config.AppConfig {
	return &config.AppConfig{
		Server:   config.ServerConfig{Port: "0"},
		Database: config.DatabaseConfig{Driver: "memory"},
		Generation: config.GenerationConfig{
			Provider:     "openai",
			OpenAIAPIKey: "test-api-key",
			Timeout:      time.Second,
			Temperature:  0.7,
			MaxTokens:    256,
		},
		Embedding: config.EmbeddingConfig{Provider: "hash", Dimensions: 64, Timeout: time.Second},
		Webhook:   config.WebhookConfig{Timeout: time.Second, MaxInFlight: 4},
		Events:    config.EventsConfig{Bus: "memory", Buffer: 16},
		Auth:      config.AuthConfig{JWTSecret: []byte("test-secret-key-that-is-32-bytes-long")},
		Metrics:   config.MetricsConfig{Location: time.UTC},
	}
}
