package postgres

import (
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const conversationColumns = `id, chatbot_id, organization_id, COALESCE(visitor_id, ''), status, started_at, ended_at,
	COALESCE(utm_source, ''), COALESCE(utm_medium, ''), COALESCE(utm_campaign, ''), COALESCE(referrer_url, '')`

const messageColumns = `id, seq, conversation_id, sender, content, token_count, COALESCE(model, ''), generation_failed, created_at`

// CreateConversation inserts a new active conversation
func (p *PostgresDB) CreateConversation(ctx context.Context, conv *db.Conversation) (*db.Conversation, error) {
	conn := p.conn

	created := *conv
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.Status = db.StatusActive
	created.EndedAt = nil

	query := `
	INSERT INTO conversations (id, chatbot_id, organization_id, visitor_id, status, started_at, utm_source, utm_medium, utm_campaign, referrer_url)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := conn.ExecContext(ctx, query,
		created.ID, created.ChatbotID, created.OrganizationID, nullString(created.VisitorID), created.Status, created.StartedAt,
		nullString(created.UTMSource), nullString(created.UTMMedium), nullString(created.UTMCampaign), nullString(created.ReferrerURL))
	if err != nil {
		return nil, fmt.Errorf("error creating conversation: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{"conversation_id": created.ID, "chatbot_id": created.ChatbotID}).Info("Created new conversation")
	return &created, nil
}

// GetConversation retrieves a specific conversation
func (p *PostgresDB) GetConversation(ctx context.Context, id string) (*db.Conversation, error) {
	conn := p.conn

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`

	var conv db.Conversation
	var endedAt sql.NullTime
	err := conn.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.ChatbotID, &conv.OrganizationID, &conv.VisitorID, &conv.Status, &conv.StartedAt, &endedAt,
		&conv.UTMSource, &conv.UTMMedium, &conv.UTMCampaign, &conv.ReferrerURL,
	)
	if err != nil {
		return nil, notFound(err, "conversation")
	}
	if endedAt.Valid {
		t := endedAt.Time
		conv.EndedAt = &t
	}

	return &conv, nil
}

// EndConversation marks an active conversation ended. Ending an already
// ended conversation is not an error here; callers check status first.
func (p *PostgresDB) EndConversation(ctx context.Context, id string, endedAt time.Time) error {
	conn := p.conn

	query := `UPDATE conversations SET status = $1, ended_at = $2 WHERE id = $3 AND status = $4`
	res, err := conn.ExecContext(ctx, query, db.StatusEnded, endedAt, id, db.StatusActive)
	if err != nil {
		return fmt.Errorf("error ending conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetConversation(ctx, id); err != nil {
			return err
		}
	}

	logger.ForConversation(id).Info("Ended conversation")
	return nil
}

// AddMessage appends a message to a conversation
func (p *PostgresDB) AddMessage(ctx context.Context, msg *db.Message) (*db.Message, error) {
	conn := p.conn

	created := *msg
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO messages (id, conversation_id, sender, content, token_count, model, generation_failed, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING seq
	`

	err := conn.QueryRowContext(ctx, query,
		created.ID, created.ConversationID, created.Sender, created.Content, created.TokenCount,
		nullString(created.Model), created.GenerationFailed, created.CreatedAt,
	).Scan(&created.Seq)
	if err != nil {
		return nil, fmt.Errorf("error adding message: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": created.ConversationID,
		"sender":          created.Sender,
		"model":           created.Model,
	}).Debug("Added message to conversation")

	return &created, nil
}

// GetMessages retrieves all messages of a conversation oldest first
func (p *PostgresDB) GetMessages(ctx context.Context, conversationID string) ([]db.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, seq ASC`
	return p.queryMessages(ctx, query, conversationID)
}

// GetRecentMessages retrieves up to limit messages newest first
func (p *PostgresDB) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]db.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`
	return p.queryMessages(ctx, query, conversationID, limit)
}

// CountMessages returns the number of messages in a conversation
func (p *PostgresDB) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := p.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting messages: %w", err)
	}
	return count, nil
}

func (p *PostgresDB) queryMessages(ctx context.Context, query string, args ...any) ([]db.Message, error) {
	rows, err := p.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	var messages []db.Message
	for rows.Next() {
		var msg db.Message
		var tokens sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.Seq, &msg.ConversationID, &msg.Sender, &msg.Content, &tokens,
			&msg.Model, &msg.GenerationFailed, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		if tokens.Valid {
			n := int(tokens.Int64)
			msg.TokenCount = &n
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}
