package postgres

import (
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"
)

// CreateKnowledgeBase inserts a knowledge base
func (p *PostgresDB) CreateKnowledgeBase(ctx context.Context, kb *db.KnowledgeBase) (*db.KnowledgeBase, error) {
	created := *kb
	if created.ID == "" {
		created.ID = uuid.New().String()
	}

	query := `
	INSERT INTO knowledge_bases (id, organization_id, chatbot_id, name)
	VALUES ($1, $2, $3, $4)
	RETURNING created_at
	`
	err := p.conn.QueryRowContext(ctx, query, created.ID, created.OrganizationID, created.ChatbotID, created.Name).Scan(&created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating knowledge base: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{"knowledge_base_id": created.ID, "name": created.Name}).Info("Created knowledge base")
	return &created, nil
}

// GetKnowledgeBase retrieves a knowledge base
func (p *PostgresDB) GetKnowledgeBase(ctx context.Context, id string) (*db.KnowledgeBase, error) {
	query := `SELECT id, organization_id, chatbot_id, name, created_at FROM knowledge_bases WHERE id = $1`

	kb, err := scanKnowledgeBase(p.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "knowledge base")
	}
	return kb, nil
}

// ListKnowledgeBasesByChatbot returns the chatbot's knowledge bases oldest first
func (p *PostgresDB) ListKnowledgeBasesByChatbot(ctx context.Context, chatbotID string) ([]db.KnowledgeBase, error) {
	query := `
	SELECT id, organization_id, chatbot_id, name, created_at
	FROM knowledge_bases
	WHERE chatbot_id = $1
	ORDER BY created_at ASC, id ASC
	`

	rows, err := p.conn.QueryContext(ctx, query, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("error querying knowledge bases: %w", err)
	}
	defer rows.Close()

	var bases []db.KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledgeBase(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning knowledge base: %w", err)
		}
		bases = append(bases, *kb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge bases: %w", err)
	}

	return bases, nil
}

// AddKnowledgeItem inserts an item. A nil embedding is stored as NULL.
func (p *PostgresDB) AddKnowledgeItem(ctx context.Context, item *db.KnowledgeItem) (*db.KnowledgeItem, error) {
	created := *item
	if created.ID == "" {
		created.ID = uuid.New().String()
	}

	query := `
	INSERT INTO knowledge_items (id, knowledge_base_id, question, answer, embedding)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING created_at, updated_at
	`
	err := p.conn.QueryRowContext(ctx, query,
		created.ID, created.KnowledgeBaseID, created.Question, created.Answer, toVector(created.Embedding),
	).Scan(&created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("error adding knowledge item: %w", err)
	}

	return &created, nil
}

// GetKnowledgeItem retrieves a knowledge item
func (p *PostgresDB) GetKnowledgeItem(ctx context.Context, id string) (*db.KnowledgeItem, error) {
	query := `SELECT id, knowledge_base_id, question, answer, embedding, created_at, updated_at FROM knowledge_items WHERE id = $1`

	item, err := scanKnowledgeItem(p.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "knowledge item")
	}
	return item, nil
}

// ListKnowledgeItems returns every item of a knowledge base
func (p *PostgresDB) ListKnowledgeItems(ctx context.Context, knowledgeBaseID string) ([]db.KnowledgeItem, error) {
	query := `
	SELECT id, knowledge_base_id, question, answer, embedding, created_at, updated_at
	FROM knowledge_items
	WHERE knowledge_base_id = $1
	ORDER BY created_at ASC, id ASC
	`

	rows, err := p.conn.QueryContext(ctx, query, knowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("error querying knowledge items: %w", err)
	}
	defer rows.Close()

	var items []db.KnowledgeItem
	for rows.Next() {
		item, err := scanKnowledgeItem(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning knowledge item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge items: %w", err)
	}

	return items, nil
}

// UpdateKnowledgeItem overwrites question, answer and embedding
func (p *PostgresDB) UpdateKnowledgeItem(ctx context.Context, item *db.KnowledgeItem) error {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}

	query := `UPDATE knowledge_items SET question = $1, answer = $2, embedding = $3, updated_at = $4 WHERE id = $5`
	res, err := p.conn.ExecContext(ctx, query, item.Question, item.Answer, toVector(item.Embedding), item.UpdatedAt, item.ID)
	if err != nil {
		return fmt.Errorf("error updating knowledge item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("knowledge item: %w", db.ErrNotFound)
	}
	return nil
}

// DeleteKnowledgeItem removes a knowledge item
func (p *PostgresDB) DeleteKnowledgeItem(ctx context.Context, id string) error {
	res, err := p.conn.ExecContext(ctx, `DELETE FROM knowledge_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting knowledge item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("knowledge item: %w", db.ErrNotFound)
	}

	logger.Log.WithField("knowledge_item_id", id).Info("Deleted knowledge item")
	return nil
}

func toVector(embedding []float32) *pgvector.Vector {
	if embedding == nil {
		return nil
	}
	v := pgvector.NewVector(embedding)
	return &v
}

func scanKnowledgeBase(row rowScanner) (*db.KnowledgeBase, error) {
	var kb db.KnowledgeBase
	var chatbotID sql.NullString
	if err := row.Scan(&kb.ID, &kb.OrganizationID, &chatbotID, &kb.Name, &kb.CreatedAt); err != nil {
		return nil, err
	}
	if chatbotID.Valid {
		id := chatbotID.String
		kb.ChatbotID = &id
	}
	return &kb, nil
}

func scanKnowledgeItem(row rowScanner) (*db.KnowledgeItem, error) {
	var item db.KnowledgeItem
	var embedding *pgvector.Vector
	if err := row.Scan(&item.ID, &item.KnowledgeBaseID, &item.Question, &item.Answer, &embedding, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	if embedding != nil {
		item.Embedding = embedding.Slice()
	}
	return &item, nil
}
