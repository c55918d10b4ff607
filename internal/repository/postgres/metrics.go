package postgres

import (
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const metricsColumns = `id, organization_id, chatbot_id, conversation_id, message_count, duration_seconds, lead_captured, completed,
	time_of_day, day_of_week, hour_of_day, COALESCE(utm_source, ''), COALESCE(utm_medium, ''), COALESCE(utm_campaign, ''), created_at`

// CreateMetrics inserts the metrics row for a conversation
func (p *PostgresDB) CreateMetrics(ctx context.Context, m *db.ConversationMetrics) (*db.ConversationMetrics, error) {
	created := *m
	if created.ID == "" {
		created.ID = uuid.New().String()
	}

	query := `
	INSERT INTO conversation_metrics (id, organization_id, chatbot_id, conversation_id, message_count, duration_seconds,
		lead_captured, completed, time_of_day, day_of_week, hour_of_day, utm_source, utm_medium, utm_campaign, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := p.conn.ExecContext(ctx, query,
		created.ID, created.OrganizationID, created.ChatbotID, created.ConversationID, created.MessageCount, created.DurationSeconds,
		created.LeadCaptured, created.Completed, created.TimeOfDay, created.DayOfWeek, created.HourOfDay,
		nullString(created.UTMSource), nullString(created.UTMMedium), nullString(created.UTMCampaign), created.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating conversation metrics: %w", err)
	}

	return &created, nil
}

// GetMetrics retrieves the metrics row for a conversation
func (p *PostgresDB) GetMetrics(ctx context.Context, conversationID string) (*db.ConversationMetrics, error) {
	query := `SELECT ` + metricsColumns + ` FROM conversation_metrics WHERE conversation_id = $1`

	m, err := scanMetrics(p.conn.QueryRowContext(ctx, query, conversationID))
	if err != nil {
		return nil, notFound(err, "conversation metrics")
	}
	return m, nil
}

// SetMessageCount overwrites the message count with a fresh recount
func (p *PostgresDB) SetMessageCount(ctx context.Context, conversationID string, count int) error {
	return p.updateMetrics(ctx, `UPDATE conversation_metrics SET message_count = $1 WHERE conversation_id = $2`, count, conversationID)
}

// CompleteMetrics records the final duration and marks the conversation completed
func (p *PostgresDB) CompleteMetrics(ctx context.Context, conversationID string, durationSeconds int) error {
	return p.updateMetrics(ctx,
		`UPDATE conversation_metrics SET duration_seconds = $1, completed = TRUE WHERE conversation_id = $2`,
		durationSeconds, conversationID)
}

func (p *PostgresDB) updateMetrics(ctx context.Context, query string, args ...any) error {
	res, err := p.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error updating conversation metrics: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation metrics: %w", db.ErrNotFound)
	}
	return nil
}

// ListMetrics returns metrics rows matching the filter ordered by creation time
func (p *PostgresDB) ListMetrics(ctx context.Context, filter db.MetricsFilter) ([]db.ConversationMetrics, error) {
	clauses := []string{"organization_id = $1"}
	args := []any{filter.OrganizationID}

	if filter.ChatbotID != "" {
		args = append(args, filter.ChatbotID)
		clauses = append(clauses, fmt.Sprintf("chatbot_id = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if filter.LeadOnly {
		clauses = append(clauses, "lead_captured = TRUE")
	}

	query := `SELECT ` + metricsColumns + ` FROM conversation_metrics WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC`

	rows, err := p.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying conversation metrics: %w", err)
	}
	defer rows.Close()

	var result []db.ConversationMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning conversation metrics: %w", err)
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation metrics: %w", err)
	}

	return result, nil
}

// UpsertDailyMetrics writes a daily rollup, replacing any earlier rollup for the same day
func (p *PostgresDB) UpsertDailyMetrics(ctx context.Context, d *db.DailyMetrics) error {
	sources, err := json.Marshal(d.SourceBreakdown)
	if err != nil {
		return fmt.Errorf("error encoding source breakdown: %w", err)
	}
	times, err := json.Marshal(d.TimeBreakdown)
	if err != nil {
		return fmt.Errorf("error encoding time breakdown: %w", err)
	}

	query := `
	INSERT INTO daily_metrics (organization_id, chatbot_id, date, conversation_count, message_count, lead_count,
		avg_duration_seconds, completion_rate, source_breakdown, time_breakdown)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (organization_id, chatbot_id, date) DO UPDATE SET
		conversation_count = EXCLUDED.conversation_count,
		message_count = EXCLUDED.message_count,
		lead_count = EXCLUDED.lead_count,
		avg_duration_seconds = EXCLUDED.avg_duration_seconds,
		completion_rate = EXCLUDED.completion_rate,
		source_breakdown = EXCLUDED.source_breakdown,
		time_breakdown = EXCLUDED.time_breakdown
	`
	_, err = p.conn.ExecContext(ctx, query,
		d.OrganizationID, d.ChatbotID, d.Date.Format("2006-01-02"), d.ConversationCount, d.MessageCount, d.LeadCount,
		d.AvgDurationSeconds, d.CompletionRate, sources, times,
	)
	if err != nil {
		return fmt.Errorf("error upserting daily metrics: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"chatbot_id":         d.ChatbotID,
		"date":               d.Date.Format("2006-01-02"),
		"conversation_count": d.ConversationCount,
	}).Info("Stored daily metrics")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetrics(row rowScanner) (*db.ConversationMetrics, error) {
	var m db.ConversationMetrics
	var duration sql.NullInt64
	err := row.Scan(
		&m.ID, &m.OrganizationID, &m.ChatbotID, &m.ConversationID, &m.MessageCount, &duration, &m.LeadCaptured, &m.Completed,
		&m.TimeOfDay, &m.DayOfWeek, &m.HourOfDay, &m.UTMSource, &m.UTMMedium, &m.UTMCampaign, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if duration.Valid {
		n := int(duration.Int64)
		m.DurationSeconds = &n
	}
	return &m, nil
}
