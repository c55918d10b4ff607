package events

import (
	"clai-chat/internal/logger"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event names published by the conversation core. They double as the
// webhook event names subscribers choose from.
const (
	ConversationStarted = "conversation.started"
	ConversationEnded   = "conversation.ended"
	MessageCreated      = "message.created"
	LeadCreated         = "lead.created"
)

// Names lists every event a webhook may subscribe to
var Names = []string{ConversationStarted, ConversationEnded, MessageCreated, LeadCreated}

// Event is a domain notification scoped to one organization
type Event struct {
	Name           string         `json:"name"`
	OrganizationID string         `json:"organization_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Payload        map[string]any `json:"payload"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Bus fans events out to subscribers. Publish must not block the caller
// for longer than ctx allows.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe returns a channel closed when ctx is done
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

// ChannelBus is an in-process Bus. Each subscriber gets a buffered channel;
// when a subscriber's buffer is full the event is dropped for that
// subscriber and a warning is logged.
type ChannelBus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
	closed bool
}

// NewChannelBus creates an in-process bus with the given per-subscriber buffer
func NewChannelBus(buffer int) *ChannelBus {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelBus{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Publish delivers e to every current subscriber without blocking
func (b *ChannelBus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			logger.Log.WithFields(logrus.Fields{
				"event":           e.Name,
				"conversation_id": e.ConversationID,
			}).Warn("Event subscriber buffer full, dropping event")
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done
func (b *ChannelBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()

	return ch, nil
}

func (b *ChannelBus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Close closes every subscriber channel
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
