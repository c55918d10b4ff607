package db

import (
	"encoding/json"
	"fmt"
)

// CurrentSettingsVersion is the schema version written by this release
const CurrentSettingsVersion = 2

// DefaultHistoryLimit is how many prior turns are sent to the generation provider
const DefaultHistoryLimit = 10

// ChatbotSettings is the typed replacement for the free-form chatbot config
// document. Older documents are upgraded by Normalize.
//
// Version history:
//   - 1: greeting, language
//   - 2: collect_leads, history_limit
type ChatbotSettings struct {
	SchemaVersion int    `json:"schema_version"`
	Greeting      string `json:"greeting,omitempty"`
	Language      string `json:"language,omitempty"`
	CollectLeads  bool   `json:"collect_leads"`
	HistoryLimit  int    `json:"history_limit,omitempty"`
}

// Normalize upgrades the settings to CurrentSettingsVersion and fills defaults
func (s ChatbotSettings) Normalize() ChatbotSettings {
	if s.SchemaVersion < 1 {
		s.SchemaVersion = 1
	}
	if s.SchemaVersion < 2 {
		s.CollectLeads = true
		s.SchemaVersion = 2
	}
	if s.Language == "" {
		s.Language = "en"
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = DefaultHistoryLimit
	}
	return s
}

// ParseChatbotSettings decodes a stored settings document. An empty document
// yields the defaults.
func ParseChatbotSettings(raw []byte) (ChatbotSettings, error) {
	var s ChatbotSettings
	if len(raw) == 0 {
		return s.Normalize(), nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return ChatbotSettings{}, fmt.Errorf("error decoding chatbot settings: %w", err)
	}
	if s.SchemaVersion > CurrentSettingsVersion {
		return ChatbotSettings{}, fmt.Errorf("unsupported chatbot settings version %d", s.SchemaVersion)
	}
	return s.Normalize(), nil
}
