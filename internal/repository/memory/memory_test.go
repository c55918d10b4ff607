package memory

import (
	"clai-chat/internal/repository/db"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConversation(t *testing.T, s *Store) *db.Conversation {
	t.Helper()
	ctx := context.Background()
	bot, err := s.CreateChatbot(ctx, &db.Chatbot{OrganizationID: "org-1", Name: "Acme"})
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, &db.Conversation{ChatbotID: bot.ID, OrganizationID: "org-1"})
	require.NoError(t, err)
	return conv
}

func TestGetRecentMessages_TiesAndLimit(t *testing.T) {
	t0 := time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC)
	s := NewStore().WithClock(func() time.Time { return t0 })
	conv := newConversation(t, s)
	ctx := context.Background()

	// m1..m4 share one timestamp; m0 is stamped earlier but inserted last
	for _, content := range []string{"m1", "m2", "m3", "m4"} {
		_, err := s.AddMessage(ctx, &db.Message{ConversationID: conv.ID, Sender: db.SenderHuman, Content: content})
		require.NoError(t, err)
	}
	_, err := s.AddMessage(ctx, &db.Message{ConversationID: conv.ID, Sender: db.SenderBot, Content: "m0", CreatedAt: t0.Add(-time.Minute)})
	require.NoError(t, err)

	recent, err := s.GetRecentMessages(ctx, conv.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4", "m3", "m2"}, contents(recent))

	all, err := s.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, contents(all))

	none, err := s.GetRecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWebhookLifecycle(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	hook, err := s.CreateWebhook(ctx, &db.Webhook{OrganizationID: "org-1", Name: "crm", URL: "https://example.com", Events: []string{"lead.created"}, Active: true})
	require.NoError(t, err)
	_, err = s.CreateWebhook(ctx, &db.Webhook{OrganizationID: "org-2", Name: "other", URL: "https://example.org", Active: true})
	require.NoError(t, err)
	_, err = s.AddWebhookLog(ctx, &db.WebhookLog{WebhookID: hook.ID, Event: "lead.created"})
	require.NoError(t, err)

	hook.Active = false
	hook.OrganizationID = "org-2"
	require.NoError(t, s.UpdateWebhook(ctx, hook))

	got, err := s.GetWebhook(ctx, hook.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "org-1", got.OrganizationID, "organization is immutable")

	active, err := s.ListActiveWebhooks(ctx, "org-1")
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := s.ListWebhooks(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteWebhook(ctx, hook.ID))
	_, err = s.GetWebhook(ctx, hook.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	logs, err := s.ListWebhookLogs(ctx, hook.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)

	assert.ErrorIs(t, s.UpdateWebhook(ctx, hook), db.ErrNotFound)
	assert.ErrorIs(t, s.DeleteWebhook(ctx, hook.ID), db.ErrNotFound)
}

func contents(msgs []db.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
