package handlers

import (
	"clai-chat/internal/auth"
	"clai-chat/internal/repository/db"
	"clai-chat/internal/service/webhook"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"
)

type CreateWebhookRequest struct {
	Name    string      `json:"name"`
	URL     string      `json:"url"`
	Secret  string      `json:"secret,omitempty"`
	Events  []string    `json:"events"`
	Headers []db.Header `json:"headers,omitempty"`
}

// WebhookResponse never echoes the secret
type WebhookResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	URL       string      `json:"url"`
	Events    []string    `json:"events"`
	Headers   []db.Header `json:"headers,omitempty"`
	Signed    bool        `json:"signed"`
	Active    bool        `json:"active"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

type WebhookLogData struct {
	ID             string `json:"id"`
	Event          string `json:"event"`
	ResponseStatus int    `json:"response_status"`
	ResponseBody   string `json:"response_body,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toWebhookResponse(hook db.Webhook) WebhookResponse {
	return WebhookResponse{
		ID:        hook.ID,
		Name:      hook.Name,
		URL:       hook.URL,
		Events:    hook.Events,
		Headers:   hook.Headers,
		Signed:    hook.Secret != "",
		Active:    hook.Active,
		CreatedAt: hook.CreatedAt.Format(time.RFC3339),
		UpdatedAt: hook.UpdatedAt.Format(time.RFC3339),
	}
}

// ownedWebhook loads a webhook and hides it from other organizations
func (ch *ChatHandlers) ownedWebhook(w http.ResponseWriter, r *http.Request, actor auth.Actor) (*db.Webhook, bool) {
	hook, err := ch.config.Webhooks.GetSubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		ch.sendServiceError(w, r, "Error loading webhook", err)
		return nil, false
	}
	if hook.OrganizationID != actor.OrganizationID {
		ch.sendError(w, http.StatusNotFound, "Webhook not found", nil)
		return nil, false
	}
	return hook, true
}

// CreateWebhookHandler subscribes an endpoint to events of the actor's organization
func (ch *ChatHandlers) CreateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceWebhook, auth.ActionWrite)
	if !ok {
		return
	}

	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	hook, err := ch.config.Webhooks.Subscribe(r.Context(), webhook.SubscribeRequest{
		OrganizationID: actor.OrganizationID,
		Name:           req.Name,
		URL:            req.URL,
		Secret:         req.Secret,
		Events:         req.Events,
		Headers:        req.Headers,
	})
	if err != nil {
		ch.sendServiceError(w, r, "Error creating webhook", err)
		return
	}

	ch.sendJSON(w, http.StatusCreated, toWebhookResponse(*hook))
}

// ListWebhooksHandler lists the organization's webhooks, including inactive ones
func (ch *ChatHandlers) ListWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceWebhook, auth.ActionRead)
	if !ok {
		return
	}

	hooks, err := ch.config.Webhooks.ListSubscriptions(r.Context(), actor.OrganizationID)
	if err != nil {
		ch.sendServiceError(w, r, "Error listing webhooks", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, map[string]any{
		"webhooks": lo.Map(hooks, func(h db.Webhook, _ int) WebhookResponse { return toWebhookResponse(h) }),
	})
}

// GetWebhookHandler returns one webhook
func (ch *ChatHandlers) GetWebhookHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceWebhook, auth.ActionRead)
	if !ok {
		return
	}

	hook, ok := ch.ownedWebhook(w, r, actor)
	if !ok {
		return
	}

	ch.sendJSON(w, http.StatusOK, toWebhookResponse(*hook))
}

// UpdateWebhookHandler changes the supplied fields of a webhook, including
// whether it is active
func (ch *ChatHandlers) UpdateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceWebhook, auth.ActionWrite)
	if !ok {
		return
	}

	var req webhook.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	hook, ok := ch.ownedWebhook(w, r, actor)
	if !ok {
		return
	}

	updated, err := ch.config.Webhooks.UpdateSubscription(r.Context(), hook.ID, req)
	if err != nil {
		ch.sendServiceError(w, r, "Error updating webhook", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, toWebhookResponse(*updated))
}

// DeleteWebhookHandler removes a webhook and its delivery logs
func (ch *ChatHandlers) DeleteWebhookHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceWebhook, auth.ActionWrite)
	if !ok {
		return
	}

	hook, ok := ch.ownedWebhook(w, r, actor)
	if !ok {
		return
	}

	if err := ch.config.Webhooks.DeleteSubscription(r.Context(), hook.ID); err != nil {
		ch.sendServiceError(w, r, "Error deleting webhook", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TestWebhookHandler sends a test event to the webhook and returns the outcome
func (ch *ChatHandlers) TestWebhookHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceWebhook, auth.ActionWrite)
	if !ok {
		return
	}

	hook, ok := ch.ownedWebhook(w, r, actor)
	if !ok {
		return
	}

	result, err := ch.config.Webhooks.SendTestEvent(r.Context(), hook.ID)
	if err != nil {
		ch.sendServiceError(w, r, "Error sending test event", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, result)
}

// WebhookLogsHandler returns a webhook's delivery attempts newest first
func (ch *ChatHandlers) WebhookLogsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceWebhook, auth.ActionRead)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			ch.sendError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = parsed
	}

	hook, ok := ch.ownedWebhook(w, r, actor)
	if !ok {
		return
	}

	logs, err := ch.config.Webhooks.ListDeliveryLogs(r.Context(), hook.ID, limit)
	if err != nil {
		ch.sendServiceError(w, r, "Error loading webhook logs", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, map[string]any{
		"logs": lo.Map(logs, func(l db.WebhookLog, _ int) WebhookLogData {
			return WebhookLogData{
				ID:             l.ID,
				Event:          l.Event,
				ResponseStatus: l.ResponseStatus,
				ResponseBody:   l.ResponseBody,
				Success:        l.Success,
				Error:          l.Error,
				CreatedAt:      l.CreatedAt.Format(time.RFC3339),
			}
		}),
	})
}
