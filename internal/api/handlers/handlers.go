package handlers

import (
	"clai-chat/internal/app"
	"clai-chat/internal/auth"
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	conversationService "clai-chat/internal/service/conversation"
	"clai-chat/internal/service/knowledge"
	"clai-chat/internal/service/webhook"
	"clai-chat/pkg/validation"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ChatHandlers exposes the conversation core over HTTP
type ChatHandlers struct {
	config    *app.Config
	validator *validation.ChatRequestValidator
	now       func() time.Time
}

// NewChatHandlers creates a new ChatHandlers over the wired services
func NewChatHandlers(config *app.Config) *ChatHandlers {
	return &ChatHandlers{
		config:    config,
		validator: validation.NewChatRequestValidator(),
		now:       time.Now,
	}
}

// sendError sends a standardized JSON error response
func (ch *ChatHandlers) sendError(w http.ResponseWriter, status int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errResp := ErrorResponse{
		Code:    status,
		Message: message,
	}
	if err != nil {
		errResp.Error = err.Error()
	}
	json.NewEncoder(w).Encode(errResp)
}

// sendServiceError maps a service error to its status. Storage failures are
// logged and their detail withheld from the caller.
func (ch *ChatHandlers) sendServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error(message)
		ch.sendError(w, status, message, nil)
		return
	}
	ch.sendError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversationService.ErrEmptyContent),
		errors.Is(err, knowledge.ErrInvalidItem),
		errors.Is(err, webhook.ErrInvalidURL),
		errors.Is(err, webhook.ErrInvalidEvent),
		errors.Is(err, webhook.ErrNoEvents):
		return http.StatusBadRequest
	case errors.Is(err, conversationService.ErrConversationNotFound),
		errors.Is(err, conversationService.ErrChatbotNotFound),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversationService.ErrConversationInactive):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (ch *ChatHandlers) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.WithError(err).Error("Failed to encode response")
	}
}

// authorize returns the request's actor when it may perform action on
// resource, and writes a 403 otherwise
func (ch *ChatHandlers) authorize(w http.ResponseWriter, r *http.Request, resource, action string) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		ch.sendError(w, http.StatusUnauthorized, "Not authenticated", nil)
		return auth.Actor{}, false
	}
	if !ch.config.Authorizer.Can(actor, resource, action) {
		logger.Log.WithFields(logrus.Fields{
			"organization_id": actor.OrganizationID,
			"role":            actor.Role,
			"resource":        resource,
			"action":          action,
		}).Warn("Capability check failed")
		ch.sendError(w, http.StatusForbidden, "Forbidden", nil)
		return auth.Actor{}, false
	}
	return actor, true
}

// HealthHandler reports whether storage is reachable
func (ch *ChatHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := ch.config.DB.Ping(ctx); err != nil {
		logger.Log.WithError(err).Error("Health check failed")
		ch.sendError(w, http.StatusServiceUnavailable, "Database unavailable", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// NewRouter registers every route on a Go 1.22 ServeMux
func NewRouter(ch *ChatHandlers) *http.ServeMux {
	mux := http.NewServeMux()
	protect := ch.config.Auth.Middleware

	// CORS preflight for every API path
	mux.HandleFunc("OPTIONS /api/", enableCORS(func(w http.ResponseWriter, r *http.Request) {}))

	// Public widget routes
	mux.HandleFunc("GET /api/health", enableCORS(ch.HealthHandler))
	mux.HandleFunc("POST /api/conversations", enableCORS(ch.StartConversationHandler))
	mux.HandleFunc("POST /api/conversations/{id}/messages", enableCORS(ch.SendMessageHandler))
	mux.HandleFunc("POST /api/conversations/{id}/end", enableCORS(ch.EndConversationHandler))

	// Protected routes
	mux.HandleFunc("GET /api/conversations/{id}", enableCORS(protect(ch.GetTranscriptHandler)))
	mux.HandleFunc("POST /api/knowledge-bases", enableCORS(protect(ch.CreateKnowledgeBaseHandler)))
	mux.HandleFunc("GET /api/knowledge-bases/{id}/search", enableCORS(protect(ch.SearchKnowledgeHandler)))
	mux.HandleFunc("POST /api/knowledge-bases/{id}/items", enableCORS(protect(ch.AddKnowledgeItemHandler)))
	mux.HandleFunc("POST /api/knowledge-bases/{id}/items/import", enableCORS(protect(ch.ImportKnowledgeItemsHandler)))
	mux.HandleFunc("PATCH /api/knowledge-items/{id}", enableCORS(protect(ch.UpdateKnowledgeItemHandler)))
	mux.HandleFunc("DELETE /api/knowledge-items/{id}", enableCORS(protect(ch.DeleteKnowledgeItemHandler)))
	mux.HandleFunc("GET /api/analytics/overview", enableCORS(protect(ch.AnalyticsOverviewHandler)))
	mux.HandleFunc("GET /api/analytics/leads", enableCORS(protect(ch.AnalyticsLeadsHandler)))
	mux.HandleFunc("POST /api/webhooks", enableCORS(protect(ch.CreateWebhookHandler)))
	mux.HandleFunc("GET /api/webhooks", enableCORS(protect(ch.ListWebhooksHandler)))
	mux.HandleFunc("GET /api/webhooks/{id}", enableCORS(protect(ch.GetWebhookHandler)))
	mux.HandleFunc("PATCH /api/webhooks/{id}", enableCORS(protect(ch.UpdateWebhookHandler)))
	mux.HandleFunc("DELETE /api/webhooks/{id}", enableCORS(protect(ch.DeleteWebhookHandler)))
	mux.HandleFunc("POST /api/webhooks/{id}/test", enableCORS(protect(ch.TestWebhookHandler)))
	mux.HandleFunc("GET /api/webhooks/{id}/logs", enableCORS(protect(ch.WebhookLogsHandler)))
	mux.HandleFunc("GET /api/analytics/efficiency", enableCORS(protect(ch.AnalyticsEfficiencyHandler)))

	return mux
}
