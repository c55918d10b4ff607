package db

import (
	"cmp"
	"errors"
	"time"
)

// ErrNotFound is returned by every lookup when the row does not exist
var ErrNotFound = errors.New("not found")

// Conversation statuses
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Message senders
const (
	SenderHuman = "human"
	SenderBot   = "bot"
)

// Conversation represents a visitor conversation with a chatbot
type Conversation struct {
	ID             string
	ChatbotID      string
	OrganizationID string
	VisitorID      string
	Status         string
	StartedAt      time.Time
	EndedAt        *time.Time
	UTMSource      string
	UTMMedium      string
	UTMCampaign    string
	ReferrerURL    string
}

// Duration returns the conversation length in seconds. ok is false while the
// conversation is still active.
func (c *Conversation) Duration() (seconds int, ok bool) {
	if c.EndedAt == nil {
		return 0, false
	}
	return int(c.EndedAt.Sub(c.StartedAt).Seconds()), true
}

// IsActive reports whether the conversation accepts new messages
func (c *Conversation) IsActive() bool {
	return c.Status == StatusActive
}

// Message represents a message in a conversation
type Message struct {
	ID               string
	ConversationID   string
	Sender           string
	Content          string
	TokenCount       *int
	Model            string
	GenerationFailed bool
	Seq              int64 // insertion order, breaks CreatedAt ties
	CreatedAt        time.Time
}

// CompareMessages orders messages chronologically: by CreatedAt, then by
// insertion order. Stores sort by the same keys (ORDER BY created_at, seq).
func CompareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// Chatbot holds the configuration the conversation core reads for a bot
type Chatbot struct {
	ID                 string
	OrganizationID     string
	Name               string
	AllowedResponses   string
	ForbiddenResponses string
	Settings           ChatbotSettings
	CreatedAt          time.Time
}

// KnowledgeBase groups question/answer items, optionally bound to a chatbot
type KnowledgeBase struct {
	ID             string
	OrganizationID string
	ChatbotID      *string
	Name           string
	CreatedAt      time.Time
}

// KnowledgeItem is a single question/answer pair. Embedding is nil when the
// embedding provider failed; such items never match a search.
type KnowledgeItem struct {
	ID              string
	KnowledgeBaseID string
	Question        string
	Answer          string
	Embedding       []float32
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Time-of-day buckets for conversation metrics
const (
	TimeOfDayBusiness = "business"
	TimeOfDayEvening  = "evening"
	TimeOfDayNight    = "night"
	TimeOfDayWeekend  = "weekend"
)

// TimesOfDay lists every time-of-day bucket
var TimesOfDay = []string{TimeOfDayBusiness, TimeOfDayEvening, TimeOfDayNight, TimeOfDayWeekend}

// ConversationMetrics is the per-conversation engagement row
type ConversationMetrics struct {
	ID              string
	OrganizationID  string
	ChatbotID       string
	ConversationID  string
	MessageCount    int
	DurationSeconds *int
	LeadCaptured    bool
	Completed       bool
	TimeOfDay       string
	DayOfWeek       int // 0 = Sunday, matching time.Weekday
	HourOfDay       int
	UTMSource       string
	UTMMedium       string
	UTMCampaign     string
	CreatedAt       time.Time
}

// DailyMetrics is a persisted rollup of one chatbot's conversations for a day
type DailyMetrics struct {
	OrganizationID     string
	ChatbotID          string
	Date               time.Time
	ConversationCount  int
	MessageCount       int
	LeadCount          int
	AvgDurationSeconds float64
	CompletionRate     float64
	SourceBreakdown    map[string]int
	TimeBreakdown      map[string]int
}

// MetricsFilter selects conversation metrics rows by organization and creation window.
// ChatbotID is optional. From is inclusive, To is exclusive.
type MetricsFilter struct {
	OrganizationID string
	ChatbotID      string
	From           time.Time
	To             time.Time
	LeadOnly       bool
}

// Webhook is an organization-scoped event subscription
type Webhook struct {
	ID             string
	OrganizationID string
	Name           string
	URL            string
	Secret         string
	Events         []string
	Headers        []Header
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Header is a custom header a subscriber asks to receive
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// WebhookLog records one delivery attempt. Rows are never updated.
type WebhookLog struct {
	ID             string
	WebhookID      string
	Event          string
	RequestData    string
	ResponseStatus int
	ResponseBody   string
	Success        bool
	Error          string
	CreatedAt      time.Time
}
