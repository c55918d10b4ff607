package handlers

import (
	"clai-chat/internal/auth"
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	conversationService "clai-chat/internal/service/conversation"
	"clai-chat/pkg/validation"
	"encoding/json"
	"net/http"
	"time"

	"github.com/samber/lo"
)

type StartConversationRequest struct {
	ChatbotID   string `json:"chatbot_id"`
	VisitorID   string `json:"visitor_id"`
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	ReferrerURL string `json:"referrer_url,omitempty"`
}

type ConversationResponse struct {
	ID              string  `json:"id"`
	ChatbotID       string  `json:"chatbot_id"`
	VisitorID       string  `json:"visitor_id"`
	Status          string  `json:"status"`
	StartedAt       string  `json:"started_at"`
	EndedAt         *string `json:"ended_at,omitempty"`
	DurationSeconds *int    `json:"duration_seconds,omitempty"`
	UTMSource       string  `json:"utm_source,omitempty"`
	UTMMedium       string  `json:"utm_medium,omitempty"`
	UTMCampaign     string  `json:"utm_campaign,omitempty"`
	ReferrerURL     string  `json:"referrer_url,omitempty"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type SendMessageResponse struct {
	UserMessageID    string `json:"user_message_id"`
	MessageID        string `json:"message_id"`
	Content          string `json:"content"`
	Model            string `json:"model"`
	Source           string `json:"source"`
	GenerationFailed bool   `json:"generation_failed,omitempty"`
}

type MessageData struct {
	ID               string `json:"id"`
	Sender           string `json:"sender"`
	Content          string `json:"content"`
	Model            string `json:"model,omitempty"`
	TokenCount       *int   `json:"token_count,omitempty"`
	GenerationFailed bool   `json:"generation_failed,omitempty"`
	CreatedAt        string `json:"created_at"`
}

type TranscriptResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Messages     []MessageData        `json:"messages"`
}

func toConversationResponse(conv *db.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:          conv.ID,
		ChatbotID:   conv.ChatbotID,
		VisitorID:   conv.VisitorID,
		Status:      conv.Status,
		StartedAt:   conv.StartedAt.Format(time.RFC3339),
		UTMSource:   conv.UTMSource,
		UTMMedium:   conv.UTMMedium,
		UTMCampaign: conv.UTMCampaign,
		ReferrerURL: conv.ReferrerURL,
	}
	if conv.EndedAt != nil {
		resp.EndedAt = lo.ToPtr(conv.EndedAt.Format(time.RFC3339))
	}
	if seconds, ok := conv.Duration(); ok {
		resp.DurationSeconds = &seconds
	}
	return resp
}

// StartConversationHandler opens a conversation for a widget visitor
func (ch *ChatHandlers) StartConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := ch.validator.ValidateStartRequest(validation.StartRequest{
		ChatbotID:   req.ChatbotID,
		VisitorID:   req.VisitorID,
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
		ReferrerURL: req.ReferrerURL,
	}); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	conv, err := ch.config.Conversations.Start(r.Context(), conversationService.StartRequest{
		ChatbotID: req.ChatbotID,
		VisitorID: req.VisitorID,
		UTM: conversationService.UTM{
			Source:   req.UTMSource,
			Medium:   req.UTMMedium,
			Campaign: req.UTMCampaign,
		},
		Referrer: req.ReferrerURL,
	})
	if err != nil {
		ch.sendServiceError(w, r, "Error starting conversation", err)
		return
	}

	ch.sendJSON(w, http.StatusCreated, toConversationResponse(conv))
}

// SendMessageHandler processes one visitor message and returns the reply
func (ch *ChatHandlers) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := ch.validator.ValidateMessage(req.Content); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid message", err)
		return
	}

	reply, err := ch.config.Conversations.ProcessMessage(r.Context(), conversationID, req.Content)
	if err != nil {
		ch.sendServiceError(w, r, "Error processing message", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, SendMessageResponse{
		UserMessageID:    reply.UserMessageID,
		MessageID:        reply.MessageID,
		Content:          reply.Content,
		Model:            reply.Model,
		Source:           reply.Source,
		GenerationFailed: reply.GenerationFailed,
	})
}

// EndConversationHandler ends an active conversation
func (ch *ChatHandlers) EndConversationHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := ch.config.Conversations.End(r.Context(), r.PathValue("id"))
	if err != nil {
		ch.sendServiceError(w, r, "Error ending conversation", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// GetTranscriptHandler returns a conversation with its messages to a member
// of the owning organization
func (ch *ChatHandlers) GetTranscriptHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceConversation, auth.ActionRead)
	if !ok {
		return
	}

	transcript, err := ch.config.Conversations.GetTranscript(r.Context(), r.PathValue("id"))
	if err != nil {
		ch.sendServiceError(w, r, "Error loading conversation", err)
		return
	}

	// other organizations' conversations are reported as missing
	if transcript.Conversation.OrganizationID != actor.OrganizationID {
		logger.ForConversation(transcript.Conversation.ID).WithField("organization_id", actor.OrganizationID).Warn("Cross-organization transcript request")
		ch.sendError(w, http.StatusNotFound, "Conversation not found", nil)
		return
	}

	ch.sendJSON(w, http.StatusOK, TranscriptResponse{
		Conversation: toConversationResponse(transcript.Conversation),
		Messages: lo.Map(transcript.Messages, func(m db.Message, _ int) MessageData {
			return MessageData{
				ID:               m.ID,
				Sender:           m.Sender,
				Content:          m.Content,
				Model:            m.Model,
				TokenCount:       m.TokenCount,
				GenerationFailed: m.GenerationFailed,
				CreatedAt:        m.CreatedAt.Format(time.RFC3339),
			}
		}),
	})
}
