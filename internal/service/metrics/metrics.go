package metrics

import (
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

// Store is the persistence the aggregator needs
type Store interface {
	db.MetricsStore
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// Service keeps per-conversation metrics in sync and builds rollups
type Service struct {
	store Store
	loc   *time.Location
}

// NewService creates a metrics service. Classification and day boundaries
// use loc; nil means UTC.
func NewService(store Store, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store: store,
		loc:   loc,
	}
}

// Location returns the time zone used for classification and day boundaries
func (s *Service) Location() *time.Location {
	return s.loc
}

// ClassifyTimeOfDay buckets t as weekend (Saturday or Sunday, any hour),
// business (09:00-16:59), evening (17:00-21:59) or night.
func ClassifyTimeOfDay(t time.Time) string {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return db.TimeOfDayWeekend
	}
	switch h := t.Hour(); {
	case h >= 9 && h < 17:
		return db.TimeOfDayBusiness
	case h >= 17 && h < 22:
		return db.TimeOfDayEvening
	default:
		return db.TimeOfDayNight
	}
}

// NewConversationMetrics builds the initial metrics row for conv, classified
// at the conversation's start instant in loc.
func NewConversationMetrics(conv *db.Conversation, loc *time.Location) *db.ConversationMetrics {
	local := conv.StartedAt.In(loc)
	return &db.ConversationMetrics{
		OrganizationID: conv.OrganizationID,
		ChatbotID:      conv.ChatbotID,
		ConversationID: conv.ID,
		TimeOfDay:      ClassifyTimeOfDay(local),
		DayOfWeek:      int(local.Weekday()),
		HourOfDay:      local.Hour(),
		UTMSource:      conv.UTMSource,
		UTMMedium:      conv.UTMMedium,
		UTMCampaign:    conv.UTMCampaign,
		CreatedAt:      conv.StartedAt,
	}
}

// Track creates the metrics row for a newly started conversation
func (s *Service) Track(ctx context.Context, conv *db.Conversation) (*db.ConversationMetrics, error) {
	m, err := s.store.CreateMetrics(ctx, NewConversationMetrics(conv, s.loc))
	if err != nil {
		return nil, fmt.Errorf("error creating conversation metrics: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"time_of_day":     m.TimeOfDay,
	}).Debug("Tracking conversation metrics")
	return m, nil
}

// Recount sets message_count to the number of stored messages
func (s *Service) Recount(ctx context.Context, conversationID string) (int, error) {
	count, err := s.store.CountMessages(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("error counting messages: %w", err)
	}
	if err := s.store.SetMessageCount(ctx, conversationID, count); err != nil {
		return 0, fmt.Errorf("error updating message count: %w", err)
	}
	return count, nil
}

// Complete records the final duration and marks the conversation completed
func (s *Service) Complete(ctx context.Context, conversationID string, durationSeconds int) error {
	if err := s.store.CompleteMetrics(ctx, conversationID, durationSeconds); err != nil {
		return fmt.Errorf("error completing conversation metrics: %w", err)
	}
	return nil
}

// Window selects an organization's conversations started on days From..To
// inclusive, in the service's time zone. ChatbotID is optional.
type Window struct {
	OrganizationID string
	ChatbotID      string
	From           time.Time
	To             time.Time
}

// DailyPoint is one day of a trend series
type DailyPoint struct {
	Date          string `json:"date"`
	Conversations int    `json:"conversations"`
	Leads         int    `json:"leads"`
}

// Overview is the engagement summary for a window
type Overview struct {
	TotalConversations int            `json:"total_conversations"`
	TotalMessages      int            `json:"total_messages"`
	LeadCount          int            `json:"lead_count"`
	LeadConversionRate float64        `json:"lead_conversion_rate"`
	AvgDurationSeconds float64        `json:"avg_conversation_duration"`
	CompletionRate     float64        `json:"completion_rate"`
	TimeBreakdown      map[string]int `json:"time_breakdown"`
	SourceBreakdown    map[string]int `json:"source_breakdown"`
	DailyTrend         []DailyPoint   `json:"daily_trend"`
}

// LeadReport summarises captured leads for a window
type LeadReport struct {
	TotalLeads      int            `json:"total_leads"`
	SourceBreakdown map[string]int `json:"source_breakdown"`
	DailyTrend      []DailyPoint   `json:"daily_trend"`
}

// bounds converts the inclusive day window into [from, to) instants
func (s *Service) bounds(w Window) (time.Time, time.Time, error) {
	from := startOfDay(w.From, s.loc)
	to := startOfDay(w.To, s.loc).AddDate(0, 0, 1)
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("window start %s is after end %s", w.From.Format(dateLayout), w.To.Format(dateLayout))
	}
	return from, to, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func (s *Service) list(ctx context.Context, w Window, leadOnly bool) ([]db.ConversationMetrics, time.Time, time.Time, error) {
	from, to, err := s.bounds(w)
	if err != nil {
		return nil, from, to, err
	}
	rows, err := s.store.ListMetrics(ctx, db.MetricsFilter{
		OrganizationID: w.OrganizationID,
		ChatbotID:      w.ChatbotID,
		From:           from,
		To:             to,
		LeadOnly:       leadOnly,
	})
	if err != nil {
		return nil, from, to, fmt.Errorf("error listing conversation metrics: %w", err)
	}
	return rows, from, to, nil
}

// Overview aggregates the window's metrics rows
func (s *Service) Overview(ctx context.Context, w Window) (*Overview, error) {
	rows, from, to, err := s.list(ctx, w, false)
	if err != nil {
		return nil, err
	}

	summary := summarize(rows)
	total := len(rows)
	overview := &Overview{
		TotalConversations: total,
		TotalMessages:      summary.MessageCount,
		LeadCount:          summary.LeadCount,
		AvgDurationSeconds: summary.AvgDurationSeconds,
		CompletionRate:     summary.CompletionRate,
		TimeBreakdown:      summary.TimeBreakdown,
		SourceBreakdown:    summary.SourceBreakdown,
		DailyTrend:         s.trend(rows, from, to),
	}
	if total > 0 {
		overview.LeadConversionRate = float64(summary.LeadCount) / float64(total)
	}
	return overview, nil
}

// Leads reports conversations with a captured lead in the window
func (s *Service) Leads(ctx context.Context, w Window) (*LeadReport, error) {
	rows, from, to, err := s.list(ctx, w, true)
	if err != nil {
		return nil, err
	}
	return &LeadReport{
		TotalLeads:      len(rows),
		SourceBreakdown: sourceBreakdown(rows),
		DailyTrend:      s.trend(rows, from, to),
	}, nil
}

// Efficiency estimate inputs: a human spends HumanHandlingSeconds on a
// conversation, a bot conversation still needs BotOversightSeconds of review.
const (
	HumanHandlingSeconds = 180
	BotOversightSeconds  = 60
	DefaultHourlyRate    = 25.0
	fullTimeHoursMonthly = 40 * 4
)

// PeriodSavings is the efficiency estimate for one time-of-day bucket
type PeriodSavings struct {
	Conversations int     `json:"conversations"`
	HoursSaved    float64 `json:"hours_saved"`
	CostSavings   float64 `json:"cost_savings"`
}

// EfficiencyReport estimates staff time and cost saved in a window
type EfficiencyReport struct {
	TotalConversations  int                      `json:"total_conversations"`
	TotalMessages       int                      `json:"total_messages"`
	TimeSavedHours      float64                  `json:"time_saved_hours"`
	CostSavings         float64                  `json:"cost_savings"`
	HourlyRate          float64                  `json:"hourly_rate_used"`
	TimePeriodBreakdown map[string]PeriodSavings `json:"time_period_breakdown"`
	EquivalentFullTime  float64                  `json:"equivalent_full_time"`
}

func hoursSaved(conversations int) float64 {
	return float64(conversations*(HumanHandlingSeconds-BotOversightSeconds)) / 3600
}

// Efficiency estimates time and cost saved by the window's conversations at
// hourlyRate per staff hour. Every time-of-day bucket is reported, empty or not.
func (s *Service) Efficiency(ctx context.Context, w Window, hourlyRate float64) (*EfficiencyReport, error) {
	if hourlyRate < 0 {
		return nil, fmt.Errorf("hourly rate must not be negative, got %v", hourlyRate)
	}

	rows, _, _, err := s.list(ctx, w, false)
	if err != nil {
		return nil, err
	}

	byPeriod := lo.CountValuesBy(rows, func(m db.ConversationMetrics) string { return m.TimeOfDay })
	breakdown := make(map[string]PeriodSavings, len(db.TimesOfDay))
	for _, period := range db.TimesOfDay {
		hours := hoursSaved(byPeriod[period])
		breakdown[period] = PeriodSavings{
			Conversations: byPeriod[period],
			HoursSaved:    hours,
			CostSavings:   hours * hourlyRate,
		}
	}

	total := hoursSaved(len(rows))
	return &EfficiencyReport{
		TotalConversations:  len(rows),
		TotalMessages:       lo.SumBy(rows, func(m db.ConversationMetrics) int { return m.MessageCount }),
		TimeSavedHours:      total,
		CostSavings:         total * hourlyRate,
		HourlyRate:          hourlyRate,
		TimePeriodBreakdown: breakdown,
		EquivalentFullTime:  total / fullTimeHoursMonthly,
	}, nil
}

// RollupDay computes and stores the DailyMetrics row for one chatbot and day
func (s *Service) RollupDay(ctx context.Context, organizationID, chatbotID string, day time.Time) (*db.DailyMetrics, error) {
	rows, from, _, err := s.list(ctx, Window{
		OrganizationID: organizationID,
		ChatbotID:      chatbotID,
		From:           day,
		To:             day,
	}, false)
	if err != nil {
		return nil, err
	}

	summary := summarize(rows)
	daily := &db.DailyMetrics{
		OrganizationID:     organizationID,
		ChatbotID:          chatbotID,
		Date:               from,
		ConversationCount:  len(rows),
		MessageCount:       summary.MessageCount,
		LeadCount:          summary.LeadCount,
		AvgDurationSeconds: summary.AvgDurationSeconds,
		CompletionRate:     summary.CompletionRate,
		SourceBreakdown:    summary.SourceBreakdown,
		TimeBreakdown:      summary.TimeBreakdown,
	}
	if err := s.store.UpsertDailyMetrics(ctx, daily); err != nil {
		return nil, fmt.Errorf("error storing daily metrics: %w", err)
	}
	return daily, nil
}

type rollup struct {
	MessageCount       int
	LeadCount          int
	AvgDurationSeconds float64
	CompletionRate     float64
	TimeBreakdown      map[string]int
	SourceBreakdown    map[string]int
}

func summarize(rows []db.ConversationMetrics) rollup {
	r := rollup{
		MessageCount:    lo.SumBy(rows, func(m db.ConversationMetrics) int { return m.MessageCount }),
		LeadCount:       lo.CountBy(rows, func(m db.ConversationMetrics) bool { return m.LeadCaptured }),
		SourceBreakdown: sourceBreakdown(rows),
		TimeBreakdown: map[string]int{
			db.TimeOfDayBusiness: 0,
			db.TimeOfDayEvening:  0,
			db.TimeOfDayNight:    0,
			db.TimeOfDayWeekend:  0,
		},
	}

	for tod, n := range lo.CountValuesBy(rows, func(m db.ConversationMetrics) string { return m.TimeOfDay }) {
		r.TimeBreakdown[tod] = n
	}

	if len(rows) > 0 {
		completed := lo.CountBy(rows, func(m db.ConversationMetrics) bool { return m.Completed })
		r.CompletionRate = float64(completed) / float64(len(rows))
	}

	durations := lo.FilterMap(rows, func(m db.ConversationMetrics, _ int) (int, bool) {
		if m.DurationSeconds == nil {
			return 0, false
		}
		return *m.DurationSeconds, true
	})
	if len(durations) > 0 {
		r.AvgDurationSeconds = float64(lo.Sum(durations)) / float64(len(durations))
	}

	return r
}

// sourceBreakdown counts conversations per utm_source, ignoring untagged ones
func sourceBreakdown(rows []db.ConversationMetrics) map[string]int {
	tagged := lo.Filter(rows, func(m db.ConversationMetrics, _ int) bool { return m.UTMSource != "" })
	return lo.CountValuesBy(tagged, func(m db.ConversationMetrics) string { return m.UTMSource })
}

// trend returns one point per day in [from, to), zero-filled
func (s *Service) trend(rows []db.ConversationMetrics, from, to time.Time) []DailyPoint {
	byDay := lo.GroupBy(rows, func(m db.ConversationMetrics) string {
		return m.CreatedAt.In(s.loc).Format(dateLayout)
	})

	var points []DailyPoint
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		key := day.Format(dateLayout)
		dayRows := byDay[key]
		points = append(points, DailyPoint{
			Date:          key,
			Conversations: len(dayRows),
			Leads:         lo.CountBy(dayRows, func(m db.ConversationMetrics) bool { return m.LeadCaptured }),
		})
	}
	return points
}
