package postgres

import (
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// CreateWebhook inserts a webhook subscription
func (p *PostgresDB) CreateWebhook(ctx context.Context, w *db.Webhook) (*db.Webhook, error) {
	created := *w
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.Headers == nil {
		created.Headers = []db.Header{}
	}

	headers, err := json.Marshal(created.Headers)
	if err != nil {
		return nil, fmt.Errorf("error encoding webhook headers: %w", err)
	}

	query := `
	INSERT INTO webhooks (id, organization_id, name, url, secret, events, headers, is_active)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING created_at, updated_at
	`
	err = p.conn.QueryRowContext(ctx, query,
		created.ID, created.OrganizationID, created.Name, created.URL, nullString(created.Secret),
		pq.Array(created.Events), headers, created.Active,
	).Scan(&created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating webhook: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"webhook_id":      created.ID,
		"organization_id": created.OrganizationID,
		"events":          created.Events,
	}).Info("Created webhook")
	return &created, nil
}

const webhookColumns = `id, organization_id, name, url, COALESCE(secret, ''), events, headers, is_active, created_at, updated_at`

// GetWebhook retrieves a webhook by id
func (p *PostgresDB) GetWebhook(ctx context.Context, id string) (*db.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	w, err := scanWebhook(p.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "webhook")
	}
	return w, nil
}

// ListWebhooks returns all of the organization's webhooks in creation order
func (p *PostgresDB) ListWebhooks(ctx context.Context, organizationID string) ([]db.Webhook, error) {
	return p.queryWebhooks(ctx, `
	SELECT `+webhookColumns+`
	FROM webhooks
	WHERE organization_id = $1
	ORDER BY created_at ASC, id ASC
	`, organizationID)
}

// ListActiveWebhooks returns the organization's active webhooks in creation order
func (p *PostgresDB) ListActiveWebhooks(ctx context.Context, organizationID string) ([]db.Webhook, error) {
	return p.queryWebhooks(ctx, `
	SELECT `+webhookColumns+`
	FROM webhooks
	WHERE organization_id = $1 AND is_active = TRUE
	ORDER BY created_at ASC, id ASC
	`, organizationID)
}

func (p *PostgresDB) queryWebhooks(ctx context.Context, query string, args ...any) ([]db.Webhook, error) {
	rows, err := p.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []db.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning webhook: %w", err)
		}
		hooks = append(hooks, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhooks: %w", err)
	}

	return hooks, nil
}

// UpdateWebhook overwrites a webhook's mutable fields
func (p *PostgresDB) UpdateWebhook(ctx context.Context, w *db.Webhook) error {
	headers, err := json.Marshal(lo.Ternary(w.Headers == nil, []db.Header{}, w.Headers))
	if err != nil {
		return fmt.Errorf("error encoding webhook headers: %w", err)
	}

	query := `
	UPDATE webhooks
	SET name = $1, url = $2, secret = $3, events = $4, headers = $5, is_active = $6, updated_at = CURRENT_TIMESTAMP
	WHERE id = $7
	`
	res, err := p.conn.ExecContext(ctx, query,
		w.Name, w.URL, nullString(w.Secret), pq.Array(w.Events), headers, w.Active, w.ID,
	)
	if err != nil {
		return fmt.Errorf("error updating webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook: %w", db.ErrNotFound)
	}

	logger.Log.WithFields(logrus.Fields{
		"webhook_id": w.ID,
		"active":     w.Active,
	}).Info("Updated webhook")
	return nil
}

// DeleteWebhook removes a webhook; its logs cascade
func (p *PostgresDB) DeleteWebhook(ctx context.Context, id string) error {
	res, err := p.conn.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook: %w", db.ErrNotFound)
	}

	logger.Log.WithField("webhook_id", id).Info("Deleted webhook")
	return nil
}

func scanWebhook(row rowScanner) (*db.Webhook, error) {
	var w db.Webhook
	var events pq.StringArray
	var headers []byte
	if err := row.Scan(&w.ID, &w.OrganizationID, &w.Name, &w.URL, &w.Secret, &events, &headers, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Events = []string(events)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &w.Headers); err != nil {
			return nil, fmt.Errorf("error decoding headers of webhook %s: %w", w.ID, err)
		}
	}
	return &w, nil
}

// AddWebhookLog appends a delivery log entry
func (p *PostgresDB) AddWebhookLog(ctx context.Context, l *db.WebhookLog) (*db.WebhookLog, error) {
	created := *l
	if created.ID == "" {
		created.ID = uuid.New().String()
	}

	query := `
	INSERT INTO webhook_logs (id, webhook_id, event, request_data, response_status, response_body, success, error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING created_at
	`
	err := p.conn.QueryRowContext(ctx, query,
		created.ID, created.WebhookID, created.Event, created.RequestData, created.ResponseStatus,
		nullString(created.ResponseBody), created.Success, nullString(created.Error),
	).Scan(&created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("error adding webhook log: %w", err)
	}

	return &created, nil
}

// ListWebhookLogs returns up to limit delivery logs newest first
func (p *PostgresDB) ListWebhookLogs(ctx context.Context, webhookID string, limit int) ([]db.WebhookLog, error) {
	query := `
	SELECT id, webhook_id, event, COALESCE(request_data, ''), response_status, COALESCE(response_body, ''), success, COALESCE(error, ''), created_at
	FROM webhook_logs
	WHERE webhook_id = $1
	ORDER BY created_at DESC
	LIMIT $2
	`

	rows, err := p.conn.QueryContext(ctx, query, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying webhook logs: %w", err)
	}
	defer rows.Close()

	var logs []db.WebhookLog
	for rows.Next() {
		var l db.WebhookLog
		if err := rows.Scan(&l.ID, &l.WebhookID, &l.Event, &l.RequestData, &l.ResponseStatus, &l.ResponseBody, &l.Success, &l.Error, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning webhook log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook logs: %w", err)
	}

	return logs, nil
}
