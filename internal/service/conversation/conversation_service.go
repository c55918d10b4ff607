package conversation

import (
	"clai-chat/internal/conversation"
	"clai-chat/internal/events"
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	"clai-chat/internal/service/knowledge"
	"clai-chat/internal/service/llm"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// ModelKnowledgeBase tags bot messages answered from a knowledge base
const ModelKnowledgeBase = "knowledge_base"

// FallbackReply is persisted when generation fails or times out
const FallbackReply = "I'm having trouble connecting right now. Please try again in a moment."

// DefaultGenerationTimeout bounds a single generation call
const DefaultGenerationTimeout = 30 * time.Second

// Reply sources
const (
	SourceKnowledgeBase = "knowledge_base"
	SourceGeneration    = "generation"
	SourceFallback      = "fallback"
)

var (
	ErrEmptyContent         = errors.New("message content is empty")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationInactive = errors.New("conversation is not active")
	ErrChatbotNotFound      = errors.New("chatbot not found")
)

// KnowledgeMatcher finds a stored answer for a visitor message
type KnowledgeMatcher interface {
	BestMatch(ctx context.Context, chatbotID, query string) (*knowledge.Result, error)
}

// MetricsTracker maintains the per-conversation metrics row
type MetricsTracker interface {
	Track(ctx context.Context, conv *db.Conversation) (*db.ConversationMetrics, error)
	Recount(ctx context.Context, conversationID string) (int, error)
	Complete(ctx context.Context, conversationID string, durationSeconds int) error
}

// UTM holds campaign attribution captured when a conversation starts
type UTM struct {
	Source   string
	Medium   string
	Campaign string
}

// StartRequest opens a conversation for a visitor
type StartRequest struct {
	ChatbotID string
	VisitorID string
	UTM       UTM
	Referrer  string
}

// Reply is the bot response to one visitor message
type Reply struct {
	UserMessageID    string
	MessageID        string
	Content          string
	Model            string
	Source           string
	GenerationFailed bool
}

// Transcript is a conversation with its messages oldest first
type Transcript struct {
	Conversation *db.Conversation
	Messages     []db.Message
}

// ConversationService runs the conversation lifecycle: start, message
// exchange, end and transcript reads
type ConversationService struct {
	db                db.ConversationStore
	knowledge         KnowledgeMatcher
	llmProvider       llm.Provider
	metrics           MetricsTracker
	bus               events.Bus
	locks             *conversation.LockManager
	generationTimeout time.Duration
	now               func() time.Time
}

// NewConversationService creates a new ConversationService
func NewConversationService(
	database db.ConversationStore,
	matcher KnowledgeMatcher,
	provider llm.Provider,
	tracker MetricsTracker,
	bus events.Bus,
	generationTimeout time.Duration,
) *ConversationService {
	if generationTimeout <= 0 {
		generationTimeout = DefaultGenerationTimeout
	}
	return &ConversationService{
		db:                database,
		knowledge:         matcher,
		llmProvider:       provider,
		metrics:           tracker,
		bus:               bus,
		locks:             conversation.NewLockManager(),
		generationTimeout: generationTimeout,
		now:               time.Now,
	}
}

// WithClock replaces the service clock
func (s *ConversationService) WithClock(now func() time.Time) *ConversationService {
	s.now = now
	return s
}

// Start opens a conversation for a chatbot and creates its metrics row
func (s *ConversationService) Start(ctx context.Context, req StartRequest) (*db.Conversation, error) {
	bot, err := s.db.GetChatbot(ctx, req.ChatbotID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrChatbotNotFound, req.ChatbotID)
		}
		return nil, fmt.Errorf("error loading chatbot: %w", err)
	}

	conv, err := s.db.CreateConversation(ctx, &db.Conversation{
		ChatbotID:      bot.ID,
		OrganizationID: bot.OrganizationID,
		VisitorID:      req.VisitorID,
		Status:         db.StatusActive,
		StartedAt:      s.now().UTC(),
		UTMSource:      req.UTM.Source,
		UTMMedium:      req.UTM.Medium,
		UTMCampaign:    req.UTM.Campaign,
		ReferrerURL:    req.Referrer,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating conversation: %w", err)
	}

	if _, err := s.metrics.Track(ctx, conv); err != nil {
		return nil, err
	}

	logger.ForConversation(conv.ID).WithFields(logrus.Fields{
		"chatbot_id": bot.ID,
		"visitor_id": req.VisitorID,
		"utm_source": req.UTM.Source,
	}).Info("Conversation started")

	s.publish(ctx, conv, events.ConversationStarted, map[string]any{
		"conversation_id": conv.ID,
		"chatbot_id":      conv.ChatbotID,
		"visitor_id":      conv.VisitorID,
		"utm_source":      conv.UTMSource,
		"utm_medium":      conv.UTMMedium,
		"utm_campaign":    conv.UTMCampaign,
	})

	return conv, nil
}

// ProcessMessage stores the visitor message and the bot reply. Messages for
// the same conversation are processed one at a time.
func (s *ConversationService) ProcessMessage(ctx context.Context, conversationID, content string) (*Reply, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.activeConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	bot, err := s.db.GetChatbot(ctx, conv.ChatbotID)
	if err != nil {
		return nil, fmt.Errorf("error loading chatbot: %w", err)
	}

	log := logger.ForConversation(conversationID)

	userMsg, err := s.db.AddMessage(ctx, &db.Message{
		ConversationID: conversationID,
		Sender:         db.SenderHuman,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("error saving user message: %w", err)
	}

	botMsg, source, err := s.respond(ctx, log, conv, bot, userMsg)
	if err != nil {
		return nil, err
	}

	saved, err := s.db.AddMessage(ctx, botMsg)
	if err != nil {
		return nil, fmt.Errorf("error saving bot message: %w", err)
	}

	count, err := s.metrics.Recount(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"message_id":    saved.ID,
		"model":         saved.Model,
		"source":        source,
		"message_count": count,
	}).Info("Message processed")

	s.publish(ctx, conv, events.MessageCreated, map[string]any{
		"conversation_id":   conversationID,
		"user_message_id":   userMsg.ID,
		"message_id":        saved.ID,
		"content":           saved.Content,
		"model":             saved.Model,
		"source":            source,
		"generation_failed": saved.GenerationFailed,
	})

	return &Reply{
		UserMessageID:    userMsg.ID,
		MessageID:        saved.ID,
		Content:          saved.Content,
		Model:            saved.Model,
		Source:           source,
		GenerationFailed: saved.GenerationFailed,
	}, nil
}

// respond builds the bot message for userMsg, from the knowledge base when a
// match clears the threshold and from the generation provider otherwise
func (s *ConversationService) respond(ctx context.Context, log *logrus.Entry, conv *db.Conversation, bot *db.Chatbot, userMsg *db.Message) (*db.Message, string, error) {
	msg := &db.Message{
		ConversationID: conv.ID,
		Sender:         db.SenderBot,
	}

	match, err := s.knowledge.BestMatch(ctx, bot.ID, userMsg.Content)
	if err != nil {
		log.WithError(err).Warn("Knowledge lookup failed, using generation")
	}
	if match != nil {
		log.WithFields(logrus.Fields{
			"knowledge_item_id": match.ItemID,
			"score":             match.Score,
		}).Debug("Answering from knowledge base")
		msg.Content = match.Answer
		msg.Model = ModelKnowledgeBase
		msg.CreatedAt = s.now().UTC()
		return msg, SourceKnowledgeBase, nil
	}

	history, err := s.history(ctx, conv.ID, userMsg.ID, bot.Settings.HistoryLimit)
	if err != nil {
		return nil, "", err
	}

	genCtx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	defer cancel()

	gen, err := s.llmProvider.Generate(genCtx, llm.Request{
		SystemPrompt: BuildSystemPrompt(bot),
		History:      history,
		Content:      userMsg.Content,
	})
	if err != nil {
		log.WithError(err).WithField("model", s.llmProvider.DefaultModel()).Error("Generation failed, sending fallback reply")
		msg.Content = FallbackReply
		msg.Model = s.llmProvider.DefaultModel()
		msg.GenerationFailed = true
		msg.CreatedAt = s.now().UTC()
		return msg, SourceFallback, nil
	}

	tokens := EstimateTokens(gen.Content)
	msg.Content = gen.Content
	msg.Model = lo.Ternary(gen.Model != "", gen.Model, s.llmProvider.DefaultModel())
	msg.TokenCount = &tokens
	msg.CreatedAt = s.now().UTC()
	return msg, SourceGeneration, nil
}

// history returns up to limit turns before the current message, oldest first
func (s *ConversationService) history(ctx context.Context, conversationID, currentID string, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		limit = db.DefaultHistoryLimit
	}

	recent, err := s.db.GetRecentMessages(ctx, conversationID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("error loading conversation history: %w", err)
	}

	prior := lo.Filter(recent, func(m db.Message, _ int) bool { return m.ID != currentID })
	if len(prior) > limit {
		prior = prior[:limit]
	}

	// recent is newest first
	history := make([]llm.Message, 0, len(prior))
	for i := len(prior) - 1; i >= 0; i-- {
		role := llm.RoleUser
		if prior[i].Sender == db.SenderBot {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: prior[i].Content})
	}
	return history, nil
}

// End closes an active conversation and completes its metrics
func (s *ConversationService) End(ctx context.Context, conversationID string) (*db.Conversation, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.activeConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	endedAt := s.now().UTC()
	if err := s.db.EndConversation(ctx, conversationID, endedAt); err != nil {
		return nil, fmt.Errorf("error ending conversation: %w", err)
	}

	conv.Status = db.StatusEnded
	conv.EndedAt = &endedAt
	duration, _ := conv.Duration()
	if duration < 0 {
		duration = 0
	}

	if err := s.metrics.Complete(ctx, conversationID, duration); err != nil {
		return nil, err
	}

	logger.ForConversation(conversationID).WithField("duration_seconds", duration).Info("Conversation ended")

	s.publish(ctx, conv, events.ConversationEnded, map[string]any{
		"conversation_id":  conversationID,
		"chatbot_id":       conv.ChatbotID,
		"duration_seconds": duration,
	})

	return conv, nil
}

// GetTranscript returns the conversation and all of its messages
func (s *ConversationService) GetTranscript(ctx context.Context, conversationID string) (*Transcript, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	messages, err := s.db.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("error loading messages: %w", err)
	}

	return &Transcript{Conversation: conv, Messages: messages}, nil
}

func (s *ConversationService) conversation(ctx context.Context, conversationID string) (*db.Conversation, error) {
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
		}
		return nil, fmt.Errorf("error loading conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationService) activeConversation(ctx context.Context, conversationID string) (*db.Conversation, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActive() {
		return nil, ErrConversationInactive
	}
	return conv, nil
}

// publish emits an event. Failures are logged and never fail the operation.
func (s *ConversationService) publish(ctx context.Context, conv *db.Conversation, name string, payload map[string]any) {
	err := s.bus.Publish(ctx, events.Event{
		Name:           name,
		OrganizationID: conv.OrganizationID,
		ConversationID: conv.ID,
		Payload:        payload,
		OccurredAt:     s.now().UTC(),
	})
	if err != nil {
		logger.ForConversation(conv.ID).WithError(err).WithField("event", name).Warn("Failed to publish event")
	}
}

// BuildSystemPrompt renders the chatbot's generation directive
func BuildSystemPrompt(bot *db.Chatbot) string {
	return fmt.Sprintf("You are a helpful assistant for %s.\n\nDO SAY:\n%s\n\nDO NOT SAY:\n%s",
		bot.Name, bot.AllowedResponses, bot.ForbiddenResponses)
}

// EstimateTokens approximates the token count of text as words × 1.3
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Round(float64(words) * 1.3))
}
