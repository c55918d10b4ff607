package validation

import (
	"strings"
	"testing"
	"time"
)

func TestChatRequestValidator_ValidateMessage(t *testing.T) {
	validator := NewChatRequestValidator()

	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{
			name:    "valid message",
			message: "Hello, world!",
			wantErr: false,
		},
		{
			name:    "valid message with special characters",
			message: "Test!@#$%^&*()",
			wantErr: false,
		},
		{
			name:    "blank message left to the engine",
			message: "   ",
			wantErr: false,
		},
		{
			name:    "multibyte message at the limit",
			message: strings.Repeat("é", MaxMessageLength),
			wantErr: false,
		},
		{
			name:    "message over the limit",
			message: strings.Repeat("a", MaxMessageLength+1),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateMessage(tt.message)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChatRequestValidator_ValidateStartRequest(t *testing.T) {
	validator := NewChatRequestValidator()

	valid := func(mutate func(*StartRequest)) StartRequest {
		req := StartRequest{ChatbotID: "bot-1", VisitorID: "visitor-1", UTMSource: "google"}
		if mutate != nil {
			mutate(&req)
		}
		return req
	}

	tests := []struct {
		name    string
		req     StartRequest
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid",
			req:  valid(nil),
		},
		{
			name:    "missing chatbot",
			req:     valid(func(r *StartRequest) { r.ChatbotID = "" }),
			wantErr: true,
			errMsg:  "chatbot_id is required",
		},
		{
			name:    "missing visitor",
			req:     valid(func(r *StartRequest) { r.VisitorID = "" }),
			wantErr: true,
			errMsg:  "visitor_id is required",
		},
		{
			name: "utm at the column limit",
			req:  valid(func(r *StartRequest) { r.UTMCampaign = strings.Repeat("x", MaxUTMLength) }),
		},
		{
			name:    "utm campaign one over the column limit",
			req:     valid(func(r *StartRequest) { r.UTMCampaign = strings.Repeat("x", MaxUTMLength+1) }),
			wantErr: true,
			errMsg:  "utm_campaign must be at most 100 characters, got 101",
		},
		{
			name:    "utm source far over the column limit",
			req:     valid(func(r *StartRequest) { r.UTMSource = strings.Repeat("x", 200) }),
			wantErr: true,
			errMsg:  "utm_source must be at most 100 characters, got 200",
		},
		{
			name:    "utm medium over the column limit",
			req:     valid(func(r *StartRequest) { r.UTMMedium = strings.Repeat("x", MaxUTMLength+1) }),
			wantErr: true,
			errMsg:  "utm_medium must be at most 100 characters, got 101",
		},
		{
			name: "multibyte utm at the limit",
			req:  valid(func(r *StartRequest) { r.UTMSource = strings.Repeat("é", MaxUTMLength) }),
		},
		{
			name: "referrer at the column limit",
			req:  valid(func(r *StartRequest) { r.ReferrerURL = strings.Repeat("r", MaxReferrerLength) }),
		},
		{
			name:    "referrer over the column limit",
			req:     valid(func(r *StartRequest) { r.ReferrerURL = strings.Repeat("r", MaxReferrerLength+1) }),
			wantErr: true,
			errMsg:  "referrer_url must be at most 500 characters, got 501",
		},
		{
			name: "visitor id at the column limit",
			req:  valid(func(r *StartRequest) { r.VisitorID = strings.Repeat("v", MaxVisitorIDLength) }),
		},
		{
			name:    "visitor id over the column limit",
			req:     valid(func(r *StartRequest) { r.VisitorID = strings.Repeat("v", MaxVisitorIDLength+1) }),
			wantErr: true,
			errMsg:  "visitor_id must be at most 255 characters, got 256",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateStartRequest(tt.req)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStartRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && tt.errMsg != "" && err.Error() != tt.errMsg {
				t.Errorf("ValidateStartRequest() error message = %v, want %v", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestChatRequestValidator_ValidateThreshold(t *testing.T) {
	validator := NewChatRequestValidator()

	ptr := func(f float64) *float64 { return &f }

	tests := []struct {
		name      string
		threshold *float64
		wantErr   bool
	}{
		{"nil threshold", nil, false},
		{"zero", ptr(0), false},
		{"one", ptr(1), false},
		{"typical", ptr(0.7), false},
		{"negative", ptr(-0.1), true},
		{"above one", ptr(1.5), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateThreshold(tt.threshold)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateThreshold() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChatRequestValidator_ValidateKnowledgeItem(t *testing.T) {
	validator := NewChatRequestValidator()

	if err := validator.ValidateKnowledgeItem("Hours?", "9 to 5"); err != nil {
		t.Errorf("ValidateKnowledgeItem() unexpected error = %v", err)
	}
	if err := validator.ValidateKnowledgeItem("", "9 to 5"); err == nil || err.Error() != "question cannot be empty" {
		t.Errorf("ValidateKnowledgeItem() error = %v, want question error", err)
	}
	if err := validator.ValidateKnowledgeItem("Hours?", ""); err == nil || err.Error() != "answer cannot be empty" {
		t.Errorf("ValidateKnowledgeItem() error = %v, want answer error", err)
	}
}

func TestChatRequestValidator_ParseDateRange(t *testing.T) {
	validator := NewChatRequestValidator()
	now := time.Date(2024, 3, 31, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		start    string
		end      string
		wantFrom string
		wantTo   string
		wantErr  bool
	}{
		{name: "explicit range", start: "2024-01-01", end: "2024-01-31", wantFrom: "2024-01-01", wantTo: "2024-01-31"},
		{name: "single day", start: "2024-01-05", end: "2024-01-05", wantFrom: "2024-01-05", wantTo: "2024-01-05"},
		{name: "defaults to last 30 days", wantFrom: "2024-03-02", wantTo: "2024-03-31"},
		{name: "start only", start: "2024-03-20", wantFrom: "2024-03-20", wantTo: "2024-03-31"},
		{name: "bad start", start: "01/01/2024", wantErr: true},
		{name: "bad end", end: "2024-13-01", wantErr: true},
		{name: "inverted", start: "2024-02-01", end: "2024-01-01", wantErr: true},
		{name: "too long", start: "2022-01-01", end: "2024-01-01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, err := validator.ParseDateRange(tt.start, tt.end, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDateRange() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := from.Format(DateLayout); got != tt.wantFrom {
				t.Errorf("from = %s, want %s", got, tt.wantFrom)
			}
			if got := to.Format(DateLayout); got != tt.wantTo {
				t.Errorf("to = %s, want %s", got, tt.wantTo)
			}
		})
	}
}

func TestChatRequestValidator_ParseHourlyRate(t *testing.T) {
	validator := NewChatRequestValidator()

	tests := []struct {
		name    string
		raw     string
		want    float64
		wantErr bool
	}{
		{"missing uses fallback", "", 25, false},
		{"integer", "40", 40, false},
		{"decimal", "17.5", 17.5, false},
		{"zero", "0", 0, false},
		{"negative", "-5", 0, true},
		{"not a number", "lots", 0, true},
		{"infinite", "Inf", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validator.ParseHourlyRate(tt.raw, 25)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseHourlyRate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseHourlyRate() = %v, want %v", got, tt.want)
			}
		})
	}
}
