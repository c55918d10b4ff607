package postgres

import (
	"clai-chat/internal/repository/db"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GetChatbot retrieves a chatbot with its typed settings
func (p *PostgresDB) GetChatbot(ctx context.Context, id string) (*db.Chatbot, error) {
	query := `
	SELECT id, organization_id, name, allowed_responses, forbidden_responses, settings, created_at
	FROM chatbots
	WHERE id = $1
	`

	var bot db.Chatbot
	var rawSettings []byte
	err := p.conn.QueryRowContext(ctx, query, id).Scan(
		&bot.ID, &bot.OrganizationID, &bot.Name, &bot.AllowedResponses, &bot.ForbiddenResponses, &rawSettings, &bot.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "chatbot")
	}

	settings, err := db.ParseChatbotSettings(rawSettings)
	if err != nil {
		return nil, fmt.Errorf("chatbot %s: %w", id, err)
	}
	bot.Settings = settings

	return &bot, nil
}

// CreateChatbot inserts a chatbot. Chatbot management lives outside this
// service; this exists for seeding and tests.
func (p *PostgresDB) CreateChatbot(ctx context.Context, bot *db.Chatbot) (*db.Chatbot, error) {
	created := *bot
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.Settings = created.Settings.Normalize()

	rawSettings, err := json.Marshal(created.Settings)
	if err != nil {
		return nil, fmt.Errorf("error encoding chatbot settings: %w", err)
	}

	query := `
	INSERT INTO chatbots (id, organization_id, name, allowed_responses, forbidden_responses, settings)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING created_at
	`
	err = p.conn.QueryRowContext(ctx, query,
		created.ID, created.OrganizationID, created.Name, created.AllowedResponses, created.ForbiddenResponses, rawSettings,
	).Scan(&created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating chatbot: %w", err)
	}

	return &created, nil
}
