package handlers

import (
	"clai-chat/internal/auth"
	"clai-chat/internal/repository/db"
	"clai-chat/internal/service/knowledge"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

type CreateKnowledgeBaseRequest struct {
	Name      string  `json:"name"`
	ChatbotID *string `json:"chatbot_id,omitempty"`
}

type KnowledgeBaseResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ChatbotID *string `json:"chatbot_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type KnowledgeItemRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type ImportKnowledgeItemsRequest struct {
	Items []KnowledgeItemRequest `json:"items"`
}

type UpdateKnowledgeItemRequest struct {
	Question *string `json:"question,omitempty"`
	Answer   *string `json:"answer,omitempty"`
}

type KnowledgeItemResponse struct {
	ID              string `json:"id"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	Question        string `json:"question"`
	Answer          string `json:"answer"`
	Embedded        bool   `json:"embedded"`
	UpdatedAt       string `json:"updated_at"`
}

type SearchResponse struct {
	Query     string             `json:"query"`
	Threshold float64            `json:"threshold"`
	Results   []knowledge.Result `json:"results"`
}

type ImportResponse struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

func toKnowledgeItemResponse(item *db.KnowledgeItem) KnowledgeItemResponse {
	return KnowledgeItemResponse{
		ID:              item.ID,
		KnowledgeBaseID: item.KnowledgeBaseID,
		Question:        item.Question,
		Answer:          item.Answer,
		Embedded:        item.Embedding != nil,
		UpdatedAt:       item.UpdatedAt.Format(time.RFC3339),
	}
}

// ownedKnowledgeBase loads a knowledge base and hides it from other
// organizations
func (ch *ChatHandlers) ownedKnowledgeBase(w http.ResponseWriter, r *http.Request, actor auth.Actor, id string) (*db.KnowledgeBase, bool) {
	kb, err := ch.config.Knowledge.GetKnowledgeBase(r.Context(), id)
	if err != nil {
		ch.sendServiceError(w, r, "Error loading knowledge base", err)
		return nil, false
	}
	if kb.OrganizationID != actor.OrganizationID {
		ch.sendError(w, http.StatusNotFound, "Knowledge base not found", nil)
		return nil, false
	}
	return kb, true
}

// ownedKnowledgeItem loads an item through its knowledge base's organization
func (ch *ChatHandlers) ownedKnowledgeItem(w http.ResponseWriter, r *http.Request, actor auth.Actor, id string) (*db.KnowledgeItem, bool) {
	item, err := ch.config.Knowledge.GetItem(r.Context(), id)
	if err != nil {
		ch.sendServiceError(w, r, "Error loading knowledge item", err)
		return nil, false
	}
	if _, ok := ch.ownedKnowledgeBase(w, r, actor, item.KnowledgeBaseID); !ok {
		return nil, false
	}
	return item, true
}

// CreateKnowledgeBaseHandler creates a knowledge base for the actor's organization
func (ch *ChatHandlers) CreateKnowledgeBaseHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceKnowledge, auth.ActionWrite)
	if !ok {
		return
	}

	var req CreateKnowledgeBaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		ch.sendError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	if req.ChatbotID != nil {
		bot, err := ch.config.DB.GetChatbot(r.Context(), *req.ChatbotID)
		if err != nil {
			ch.sendServiceError(w, r, "Error loading chatbot", err)
			return
		}
		if bot.OrganizationID != actor.OrganizationID {
			ch.sendError(w, http.StatusNotFound, "Chatbot not found", nil)
			return
		}
	}

	kb, err := ch.config.Knowledge.CreateKnowledgeBase(r.Context(), actor.OrganizationID, req.ChatbotID, req.Name)
	if err != nil {
		ch.sendServiceError(w, r, "Error creating knowledge base", err)
		return
	}

	ch.sendJSON(w, http.StatusCreated, KnowledgeBaseResponse{
		ID:        kb.ID,
		Name:      kb.Name,
		ChatbotID: kb.ChatbotID,
		CreatedAt: kb.CreatedAt.Format(time.RFC3339),
	})
}

// SearchKnowledgeHandler runs a similarity search over one knowledge base
func (ch *ChatHandlers) SearchKnowledgeHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceKnowledge, auth.ActionRead)
	if !ok {
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		ch.sendError(w, http.StatusBadRequest, "q is required", nil)
		return
	}

	threshold := knowledge.DefaultSearchThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			ch.sendError(w, http.StatusBadRequest, "threshold must be a number", err)
			return
		}
		if err := ch.validator.ValidateThreshold(&parsed); err != nil {
			ch.sendError(w, http.StatusBadRequest, "Invalid threshold", err)
			return
		}
		threshold = parsed
	}

	kb, ok := ch.ownedKnowledgeBase(w, r, actor, r.PathValue("id"))
	if !ok {
		return
	}

	results, err := ch.config.Knowledge.Search(r.Context(), kb.ID, query, threshold)
	if err != nil {
		ch.sendServiceError(w, r, "Error searching knowledge base", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, SearchResponse{Query: query, Threshold: threshold, Results: results})
}

// AddKnowledgeItemHandler adds one question/answer pair
func (ch *ChatHandlers) AddKnowledgeItemHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceKnowledge, auth.ActionWrite)
	if !ok {
		return
	}

	var req KnowledgeItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := ch.validator.ValidateKnowledgeItem(req.Question, req.Answer); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid knowledge item", err)
		return
	}

	kb, ok := ch.ownedKnowledgeBase(w, r, actor, r.PathValue("id"))
	if !ok {
		return
	}

	item, err := ch.config.Knowledge.AddItem(r.Context(), kb.ID, knowledge.ItemInput{Question: req.Question, Answer: req.Answer})
	if err != nil {
		ch.sendServiceError(w, r, "Error adding knowledge item", err)
		return
	}

	ch.sendJSON(w, http.StatusCreated, toKnowledgeItemResponse(item))
}

// ImportKnowledgeItemsHandler bulk imports pairs, skipping incomplete ones
func (ch *ChatHandlers) ImportKnowledgeItemsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceKnowledge, auth.ActionWrite)
	if !ok {
		return
	}

	var req ImportKnowledgeItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	kb, ok := ch.ownedKnowledgeBase(w, r, actor, r.PathValue("id"))
	if !ok {
		return
	}

	inputs := lo.Map(req.Items, func(it KnowledgeItemRequest, _ int) knowledge.ItemInput {
		return knowledge.ItemInput{Question: it.Question, Answer: it.Answer}
	})
	created, err := ch.config.Knowledge.BulkImport(r.Context(), kb.ID, inputs)
	if err != nil {
		ch.sendServiceError(w, r, "Error importing knowledge items", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, ImportResponse{Imported: len(created), Skipped: len(inputs) - len(created)})
}

// UpdateKnowledgeItemHandler edits an item's question and/or answer
func (ch *ChatHandlers) UpdateKnowledgeItemHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceKnowledge, auth.ActionWrite)
	if !ok {
		return
	}

	var req UpdateKnowledgeItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	item, ok := ch.ownedKnowledgeItem(w, r, actor, r.PathValue("id"))
	if !ok {
		return
	}

	updated, err := ch.config.Knowledge.UpdateItem(r.Context(), item.ID, req.Question, req.Answer)
	if err != nil {
		ch.sendServiceError(w, r, "Error updating knowledge item", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, toKnowledgeItemResponse(updated))
}

// DeleteKnowledgeItemHandler removes an item
func (ch *ChatHandlers) DeleteKnowledgeItemHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceKnowledge, auth.ActionWrite)
	if !ok {
		return
	}

	item, ok := ch.ownedKnowledgeItem(w, r, actor, r.PathValue("id"))
	if !ok {
		return
	}

	if err := ch.config.Knowledge.DeleteItem(r.Context(), item.ID); err != nil {
		ch.sendServiceError(w, r, "Error deleting knowledge item", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
