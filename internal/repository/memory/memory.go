package memory

import (
	"clai-chat/internal/repository/db"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Ensure Store implements db.Database interface
var _ db.Database = (*Store)(nil)

// Store is a process-local db.Database used for development and tests.
//
// Concurrency: every method takes the single RWMutex. Returned values are
// copies, so callers may mutate them freely.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time
	seq int64

	chatbots      map[string]db.Chatbot
	conversations map[string]db.Conversation
	messages      map[string][]db.Message // conversationID -> messages in insertion order
	metrics       map[string]db.ConversationMetrics
	daily         map[string]db.DailyMetrics
	bases         map[string]db.KnowledgeBase
	items         map[string]db.KnowledgeItem
	webhooks      []db.Webhook
	webhookLogs   map[string][]db.WebhookLog // webhookID -> logs oldest first
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		chatbots:      make(map[string]db.Chatbot),
		conversations: make(map[string]db.Conversation),
		messages:      make(map[string][]db.Message),
		metrics:       make(map[string]db.ConversationMetrics),
		daily:         make(map[string]db.DailyMetrics),
		bases:         make(map[string]db.KnowledgeBase),
		items:         make(map[string]db.KnowledgeItem),
		webhookLogs:   make(map[string][]db.WebhookLog),
	}
}

// WithClock replaces the timestamp source used for created_at columns
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func newID(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}

// Chatbots

func (s *Store) CreateChatbot(ctx context.Context, bot *db.Chatbot) (*db.Chatbot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := *bot
	created.ID = newID(created.ID)
	created.Settings = created.Settings.Normalize()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	s.chatbots[created.ID] = created
	return &created, nil
}

func (s *Store) GetChatbot(ctx context.Context, id string) (*db.Chatbot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bot, ok := s.chatbots[id]
	if !ok {
		return nil, fmt.Errorf("chatbot: %w", db.ErrNotFound)
	}
	return &bot, nil
}

// Conversations and messages

func (s *Store) CreateConversation(ctx context.Context, conv *db.Conversation) (*db.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chatbots[conv.ChatbotID]; !ok {
		return nil, fmt.Errorf("chatbot: %w", db.ErrNotFound)
	}

	created := *conv
	created.ID = newID(created.ID)
	created.Status = db.StatusActive
	created.EndedAt = nil
	if created.StartedAt.IsZero() {
		created.StartedAt = s.now()
	}
	s.conversations[created.ID] = created
	return &created, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*db.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation: %w", db.ErrNotFound)
	}
	return copyConversation(conv), nil
}

func (s *Store) EndConversation(ctx context.Context, id string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation: %w", db.ErrNotFound)
	}
	if conv.Status != db.StatusActive {
		return nil
	}
	conv.Status = db.StatusEnded
	conv.EndedAt = &endedAt
	s.conversations[id] = conv
	return nil
}

func (s *Store) AddMessage(ctx context.Context, msg *db.Message) (*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return nil, fmt.Errorf("conversation: %w", db.ErrNotFound)
	}

	s.seq++
	created := *msg
	created.ID = newID(created.ID)
	created.Seq = s.seq
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	s.messages[created.ConversationID] = append(s.messages[created.ConversationID], created)
	return &created, nil
}

func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]db.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.orderedMessages(conversationID), nil
}

func (s *Store) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]db.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.orderedMessages(conversationID)
	slices.Reverse(msgs)
	if limit >= 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages[conversationID]), nil
}

// orderedMessages returns a copy sorted by created_at then insertion order
func (s *Store) orderedMessages(conversationID string) []db.Message {
	msgs := slices.Clone(s.messages[conversationID])
	slices.SortFunc(msgs, db.CompareMessages)
	return msgs
}

// Metrics

func (s *Store) CreateMetrics(ctx context.Context, m *db.ConversationMetrics) (*db.ConversationMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.metrics[m.ConversationID]; exists {
		return nil, fmt.Errorf("metrics for conversation %s already exist", m.ConversationID)
	}
	created := *m
	created.ID = newID(created.ID)
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	s.metrics[created.ConversationID] = created
	return copyMetrics(created), nil
}

func (s *Store) GetMetrics(ctx context.Context, conversationID string) (*db.ConversationMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metrics[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation metrics: %w", db.ErrNotFound)
	}
	return copyMetrics(m), nil
}

func (s *Store) SetMessageCount(ctx context.Context, conversationID string, count int) error {
	return s.updateMetrics(conversationID, func(m *db.ConversationMetrics) {
		m.MessageCount = count
	})
}

func (s *Store) CompleteMetrics(ctx context.Context, conversationID string, durationSeconds int) error {
	return s.updateMetrics(conversationID, func(m *db.ConversationMetrics) {
		d := durationSeconds
		m.DurationSeconds = &d
		m.Completed = true
	})
}

func (s *Store) updateMetrics(conversationID string, apply func(*db.ConversationMetrics)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metrics[conversationID]
	if !ok {
		return fmt.Errorf("conversation metrics: %w", db.ErrNotFound)
	}
	apply(&m)
	s.metrics[conversationID] = m
	return nil
}

func (s *Store) ListMetrics(ctx context.Context, filter db.MetricsFilter) ([]db.ConversationMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := lo.Filter(lo.Values(s.metrics), func(m db.ConversationMetrics, _ int) bool {
		if m.OrganizationID != filter.OrganizationID {
			return false
		}
		if filter.ChatbotID != "" && m.ChatbotID != filter.ChatbotID {
			return false
		}
		if !filter.From.IsZero() && m.CreatedAt.Before(filter.From) {
			return false
		}
		if !filter.To.IsZero() && !m.CreatedAt.Before(filter.To) {
			return false
		}
		return !filter.LeadOnly || m.LeadCaptured
	})
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})

	return lo.Map(rows, func(m db.ConversationMetrics, _ int) db.ConversationMetrics {
		return *copyMetrics(m)
	}), nil
}

func (s *Store) UpsertDailyMetrics(ctx context.Context, d *db.DailyMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := d.OrganizationID + "/" + d.ChatbotID + "/" + d.Date.Format("2006-01-02")
	s.daily[key] = *d
	return nil
}

// DailyMetrics returns a stored rollup. It is not part of db.Database and
// exists for inspection in tests.
func (s *Store) DailyMetrics(organizationID, chatbotID string, date time.Time) (db.DailyMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.daily[organizationID+"/"+chatbotID+"/"+date.Format("2006-01-02")]
	return d, ok
}

// Knowledge

func (s *Store) CreateKnowledgeBase(ctx context.Context, kb *db.KnowledgeBase) (*db.KnowledgeBase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	created := *kb
	created.ID = newID(created.ID)
	if created.CreatedAt.IsZero() {
		// seq keeps creation order stable when the clock is frozen
		created.CreatedAt = s.now().Add(time.Duration(s.seq))
	}
	s.bases[created.ID] = created
	return &created, nil
}

func (s *Store) GetKnowledgeBase(ctx context.Context, id string) (*db.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kb, ok := s.bases[id]
	if !ok {
		return nil, fmt.Errorf("knowledge base: %w", db.ErrNotFound)
	}
	return &kb, nil
}

func (s *Store) ListKnowledgeBasesByChatbot(ctx context.Context, chatbotID string) ([]db.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bases := lo.Filter(lo.Values(s.bases), func(kb db.KnowledgeBase, _ int) bool {
		return kb.ChatbotID != nil && *kb.ChatbotID == chatbotID
	})
	sort.Slice(bases, func(i, j int) bool {
		if !bases[i].CreatedAt.Equal(bases[j].CreatedAt) {
			return bases[i].CreatedAt.Before(bases[j].CreatedAt)
		}
		return bases[i].ID < bases[j].ID
	})
	return bases, nil
}

func (s *Store) AddKnowledgeItem(ctx context.Context, item *db.KnowledgeItem) (*db.KnowledgeItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bases[item.KnowledgeBaseID]; !ok {
		return nil, fmt.Errorf("knowledge base: %w", db.ErrNotFound)
	}

	created := copyItem(*item)
	created.ID = newID(created.ID)
	now := s.now()
	created.CreatedAt, created.UpdatedAt = now, now
	s.items[created.ID] = created
	return lo.ToPtr(copyItem(created)), nil
}

func (s *Store) GetKnowledgeItem(ctx context.Context, id string) (*db.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("knowledge item: %w", db.ErrNotFound)
	}
	return lo.ToPtr(copyItem(item)), nil
}

func (s *Store) ListKnowledgeItems(ctx context.Context, knowledgeBaseID string) ([]db.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := lo.FilterMap(lo.Values(s.items), func(item db.KnowledgeItem, _ int) (db.KnowledgeItem, bool) {
		return copyItem(item), item.KnowledgeBaseID == knowledgeBaseID
	})
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *Store) UpdateKnowledgeItem(ctx context.Context, item *db.KnowledgeItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[item.ID]
	if !ok {
		return fmt.Errorf("knowledge item: %w", db.ErrNotFound)
	}
	existing.Question = item.Question
	existing.Answer = item.Answer
	existing.Embedding = slices.Clone(item.Embedding)
	existing.UpdatedAt = s.now()
	s.items[item.ID] = existing
	return nil
}

func (s *Store) DeleteKnowledgeItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("knowledge item: %w", db.ErrNotFound)
	}
	delete(s.items, id)
	return nil
}

// Webhooks

func (s *Store) CreateWebhook(ctx context.Context, w *db.Webhook) (*db.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := copyWebhook(*w)
	created.ID = newID(created.ID)
	now := s.now()
	created.CreatedAt, created.UpdatedAt = now, now
	s.webhooks = append(s.webhooks, created)
	return lo.ToPtr(copyWebhook(created)), nil
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*db.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := lo.Find(s.webhooks, func(w db.Webhook) bool { return w.ID == id })
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", id, db.ErrNotFound)
	}
	return lo.ToPtr(copyWebhook(w)), nil
}

func (s *Store) ListWebhooks(ctx context.Context, organizationID string) ([]db.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.FilterMap(s.webhooks, func(w db.Webhook, _ int) (db.Webhook, bool) {
		return copyWebhook(w), w.OrganizationID == organizationID
	}), nil
}

func (s *Store) UpdateWebhook(ctx context.Context, w *db.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, i, ok := lo.FindIndexOf(s.webhooks, func(existing db.Webhook) bool { return existing.ID == w.ID })
	if !ok {
		return fmt.Errorf("webhook %s: %w", w.ID, db.ErrNotFound)
	}

	updated := copyWebhook(*w)
	updated.OrganizationID = s.webhooks[i].OrganizationID
	updated.CreatedAt = s.webhooks[i].CreatedAt
	updated.UpdatedAt = s.now()
	s.webhooks[i] = updated
	return nil
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, i, ok := lo.FindIndexOf(s.webhooks, func(w db.Webhook) bool { return w.ID == id })
	if !ok {
		return fmt.Errorf("webhook %s: %w", id, db.ErrNotFound)
	}
	s.webhooks = slices.Delete(s.webhooks, i, i+1)
	delete(s.webhookLogs, id)
	return nil
}

func (s *Store) ListActiveWebhooks(ctx context.Context, organizationID string) ([]db.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.FilterMap(s.webhooks, func(w db.Webhook, _ int) (db.Webhook, bool) {
		return copyWebhook(w), w.Active && w.OrganizationID == organizationID
	}), nil
}

func (s *Store) AddWebhookLog(ctx context.Context, l *db.WebhookLog) (*db.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := *l
	created.ID = newID(created.ID)
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	s.webhookLogs[created.WebhookID] = append(s.webhookLogs[created.WebhookID], created)
	return &created, nil
}

func (s *Store) ListWebhookLogs(ctx context.Context, webhookID string, limit int) ([]db.WebhookLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := slices.Clone(s.webhookLogs[webhookID])
	slices.Reverse(logs)
	if limit >= 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func copyConversation(c db.Conversation) *db.Conversation {
	if c.EndedAt != nil {
		t := *c.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func copyMetrics(m db.ConversationMetrics) *db.ConversationMetrics {
	if m.DurationSeconds != nil {
		d := *m.DurationSeconds
		m.DurationSeconds = &d
	}
	return &m
}

func copyItem(item db.KnowledgeItem) db.KnowledgeItem {
	item.Embedding = slices.Clone(item.Embedding)
	return item
}

func copyWebhook(w db.Webhook) db.Webhook {
	w.Events = slices.Clone(w.Events)
	w.Headers = slices.Clone(w.Headers)
	return w
}
