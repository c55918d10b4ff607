package db

import (
	"context"
	"time"
)

// ConversationStore persists conversations and their messages
type ConversationStore interface {
	GetChatbot(ctx context.Context, id string) (*Chatbot, error)
	CreateChatbot(ctx context.Context, bot *Chatbot) (*Chatbot, error)
	CreateConversation(ctx context.Context, conv *Conversation) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	EndConversation(ctx context.Context, id string, endedAt time.Time) error

	AddMessage(ctx context.Context, msg *Message) (*Message, error)
	// GetMessages returns all messages oldest first
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	// GetRecentMessages returns up to limit messages newest first
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// MetricsStore persists conversation metrics and daily rollups
type MetricsStore interface {
	CreateMetrics(ctx context.Context, m *ConversationMetrics) (*ConversationMetrics, error)
	GetMetrics(ctx context.Context, conversationID string) (*ConversationMetrics, error)
	SetMessageCount(ctx context.Context, conversationID string, count int) error
	CompleteMetrics(ctx context.Context, conversationID string, durationSeconds int) error
	ListMetrics(ctx context.Context, filter MetricsFilter) ([]ConversationMetrics, error)
	UpsertDailyMetrics(ctx context.Context, d *DailyMetrics) error
}

// KnowledgeStore persists knowledge bases and items
type KnowledgeStore interface {
	CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) (*KnowledgeBase, error)
	GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error)
	// ListKnowledgeBasesByChatbot returns bases oldest first
	ListKnowledgeBasesByChatbot(ctx context.Context, chatbotID string) ([]KnowledgeBase, error)

	AddKnowledgeItem(ctx context.Context, item *KnowledgeItem) (*KnowledgeItem, error)
	GetKnowledgeItem(ctx context.Context, id string) (*KnowledgeItem, error)
	ListKnowledgeItems(ctx context.Context, knowledgeBaseID string) ([]KnowledgeItem, error)
	UpdateKnowledgeItem(ctx context.Context, item *KnowledgeItem) error
	DeleteKnowledgeItem(ctx context.Context, id string) error
}

// WebhookStore persists webhook subscriptions and their delivery logs
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *Webhook) (*Webhook, error)
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	// ListWebhooks returns every webhook of the organization, active or not
	ListWebhooks(ctx context.Context, organizationID string) ([]Webhook, error)
	ListActiveWebhooks(ctx context.Context, organizationID string) ([]Webhook, error)
	UpdateWebhook(ctx context.Context, w *Webhook) error
	// DeleteWebhook removes the webhook and its delivery logs
	DeleteWebhook(ctx context.Context, id string) error
	AddWebhookLog(ctx context.Context, l *WebhookLog) (*WebhookLog, error)
	// ListWebhookLogs returns up to limit logs newest first
	ListWebhookLogs(ctx context.Context, webhookID string, limit int) ([]WebhookLog, error)
}

// Database defines the interface for all database operations
// This allows for easier testing through mocking and decouples the services from the specific database implementation
type Database interface {
	ConversationStore
	MetricsStore
	KnowledgeStore
	WebhookStore

	Ping(ctx context.Context) error
	Close() error
}
