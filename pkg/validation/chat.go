package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"
)

// MaxMessageLength is the longest visitor message accepted, in characters
const MaxMessageLength = 4000

// Start request limits, in characters. They match the conversations columns.
const (
	MaxVisitorIDLength = 255
	MaxUTMLength       = 100
	MaxReferrerLength  = 500
)

// DateLayout is the format of analytics date parameters
const DateLayout = "2006-01-02"

// MaxAnalyticsRange is the longest analytics window accepted
const MaxAnalyticsRange = 366 * 24 * time.Hour

// ChatRequestValidator validates widget and admin requests
type ChatRequestValidator struct{}

// NewChatRequestValidator creates a new ChatRequestValidator
func NewChatRequestValidator() *ChatRequestValidator {
	return &ChatRequestValidator{}
}

// ValidateMessage validates a visitor message. Blank content is the
// conversation engine's call, so only size is checked here.
func (v *ChatRequestValidator) ValidateMessage(message string) error {
	if n := utf8.RuneCountInString(message); n > MaxMessageLength {
		return fmt.Errorf("message must be at most %d characters, got %d", MaxMessageLength, n)
	}
	return nil
}

// StartRequest holds the visitor-supplied fields of a conversation start
type StartRequest struct {
	ChatbotID   string
	VisitorID   string
	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	ReferrerURL string
}

// ValidateStartRequest validates the fields of a conversation start
func (v *ChatRequestValidator) ValidateStartRequest(req StartRequest) error {
	if req.ChatbotID == "" {
		return errors.New("chatbot_id is required")
	}
	if req.VisitorID == "" {
		return errors.New("visitor_id is required")
	}

	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"visitor_id", req.VisitorID, MaxVisitorIDLength},
		{"utm_source", req.UTMSource, MaxUTMLength},
		{"utm_medium", req.UTMMedium, MaxUTMLength},
		{"utm_campaign", req.UTMCampaign, MaxUTMLength},
		{"referrer_url", req.ReferrerURL, MaxReferrerLength},
	}
	for _, f := range fields {
		if n := utf8.RuneCountInString(f.value); n > f.max {
			return fmt.Errorf("%s must be at most %d characters, got %d", f.name, f.max, n)
		}
	}
	return nil
}

// ValidateThreshold validates an optional similarity threshold
func (v *ChatRequestValidator) ValidateThreshold(threshold *float64) error {
	if threshold == nil {
		return nil // Threshold is optional
	}

	if *threshold < 0 || *threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %.2f", *threshold)
	}
	return nil
}

// ValidateKnowledgeItem validates a question/answer pair
func (v *ChatRequestValidator) ValidateKnowledgeItem(question, answer string) error {
	if question == "" {
		return errors.New("question cannot be empty")
	}
	if answer == "" {
		return errors.New("answer cannot be empty")
	}
	return nil
}

// ParseHourlyRate parses an optional non-negative hourly rate, returning
// fallback when raw is empty
func (v *ChatRequestValidator) ParseHourlyRate(raw string, fallback float64) (float64, error) {
	if raw == "" {
		return fallback, nil
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || rate < 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
		return 0, fmt.Errorf("hourly_rate must be a non-negative number, got %s", raw)
	}
	return rate, nil
}

// ParseDateRange parses start and end dates in DateLayout. Missing dates
// default to the 30 days ending today.
func (v *ChatRequestValidator) ParseDateRange(start, end string, now time.Time) (time.Time, time.Time, error) {
	to := now
	if end != "" {
		parsed, err := time.Parse(DateLayout, end)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end_date must be YYYY-MM-DD, got %s", end)
		}
		to = parsed
	}

	from := to.AddDate(0, 0, -29)
	if start != "" {
		parsed, err := time.Parse(DateLayout, start)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start_date must be YYYY-MM-DD, got %s", start)
		}
		from = parsed
	}

	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("start_date must not be after end_date")
	}
	if to.Sub(from) > MaxAnalyticsRange {
		return time.Time{}, time.Time{}, fmt.Errorf("date range must not exceed %d days", int(MaxAnalyticsRange.Hours()/24))
	}
	return from, to, nil
}
