package knowledge

import (
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	"clai-chat/internal/service/embedding"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSearchThreshold applies to direct search calls
	DefaultSearchThreshold = 0.7
	// ConversationThreshold applies when answering visitors
	ConversationThreshold = 0.8
)

// ErrInvalidItem is returned when an item is missing its question or answer
var ErrInvalidItem = errors.New("knowledge item requires a question and an answer")

// Result is a single search hit
type Result struct {
	ItemID   string  `json:"item_id"`
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Score    float64 `json:"score"`
}

// ItemInput is one question/answer pair for AddItem and BulkImport
type ItemInput struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Index answers questions from stored question/answer pairs
type Index struct {
	store    db.KnowledgeStore
	embedder embedding.Embedder
}

// NewIndex creates a knowledge index
func NewIndex(store db.KnowledgeStore, embedder embedding.Embedder) *Index {
	return &Index{
		store:    store,
		embedder: embedder,
	}
}

// CreateKnowledgeBase creates a knowledge base, optionally bound to a chatbot
func (idx *Index) CreateKnowledgeBase(ctx context.Context, organizationID string, chatbotID *string, name string) (*db.KnowledgeBase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("knowledge base name is required")
	}
	return idx.store.CreateKnowledgeBase(ctx, &db.KnowledgeBase{
		OrganizationID: organizationID,
		ChatbotID:      chatbotID,
		Name:           name,
	})
}

// Search returns items of the knowledge base whose question is at least
// threshold similar to query, best first. A failed query embedding yields no
// results rather than an error.
func (idx *Index) Search(ctx context.Context, knowledgeBaseID, query string, threshold float64) ([]Result, error) {
	if _, err := idx.store.GetKnowledgeBase(ctx, knowledgeBaseID); err != nil {
		return nil, err
	}

	queryVec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		logger.Log.WithError(err).WithField("knowledge_base_id", knowledgeBaseID).Warn("Failed to embed search query, returning no results")
		return []Result{}, nil
	}

	return idx.rank(ctx, knowledgeBaseID, queryVec, threshold)
}

// rank scores the knowledge base's items against an embedded query
func (idx *Index) rank(ctx context.Context, knowledgeBaseID string, queryVec []float32, threshold float64) ([]Result, error) {
	items, err := idx.store.ListKnowledgeItems(ctx, knowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("error loading knowledge items: %w", err)
	}

	results := lo.FilterMap(items, func(item db.KnowledgeItem, _ int) (Result, bool) {
		if item.Embedding == nil {
			return Result{}, false
		}
		score := CosineSimilarity(queryVec, item.Embedding)
		return Result{
			ItemID:   item.ID,
			Question: item.Question,
			Answer:   item.Answer,
			Score:    score,
		}, score >= threshold
	})

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ItemID < results[j].ItemID
	})

	logger.Log.WithFields(logrus.Fields{
		"knowledge_base_id": knowledgeBaseID,
		"candidates":        len(items),
		"matches":           len(results),
		"threshold":         threshold,
	}).Debug("Knowledge search completed")

	return results, nil
}

// BestMatch searches the chatbot's knowledge bases in creation order at
// ConversationThreshold and returns the top hit of the first base that has one.
// The query is embedded once for all bases.
func (idx *Index) BestMatch(ctx context.Context, chatbotID, query string) (*Result, error) {
	bases, err := idx.store.ListKnowledgeBasesByChatbot(ctx, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("error loading knowledge bases: %w", err)
	}
	if len(bases) == 0 {
		return nil, nil
	}

	queryVec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		logger.Log.WithError(err).WithField("chatbot_id", chatbotID).Warn("Failed to embed message, skipping knowledge lookup")
		return nil, nil
	}

	for _, kb := range bases {
		results, err := idx.rank(ctx, kb.ID, queryVec, ConversationThreshold)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			return &results[0], nil
		}
	}
	return nil, nil
}

// AddItem embeds the question and stores the pair. An embedding failure
// stores the item without a vector; such items never match.
func (idx *Index) AddItem(ctx context.Context, knowledgeBaseID string, in ItemInput) (*db.KnowledgeItem, error) {
	question := strings.TrimSpace(in.Question)
	answer := strings.TrimSpace(in.Answer)
	if question == "" || answer == "" {
		return nil, ErrInvalidItem
	}

	if _, err := idx.store.GetKnowledgeBase(ctx, knowledgeBaseID); err != nil {
		return nil, err
	}

	item, err := idx.store.AddKnowledgeItem(ctx, &db.KnowledgeItem{
		KnowledgeBaseID: knowledgeBaseID,
		Question:        question,
		Answer:          answer,
		Embedding:       idx.embed(ctx, question),
	})
	if err != nil {
		return nil, fmt.Errorf("error storing knowledge item: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"knowledge_base_id": knowledgeBaseID,
		"knowledge_item_id": item.ID,
		"embedded":          item.Embedding != nil,
	}).Info("Added knowledge item")
	return item, nil
}

// BulkImport adds every complete pair and skips the rest. It returns the
// items created.
func (idx *Index) BulkImport(ctx context.Context, knowledgeBaseID string, inputs []ItemInput) ([]db.KnowledgeItem, error) {
	if _, err := idx.store.GetKnowledgeBase(ctx, knowledgeBaseID); err != nil {
		return nil, err
	}

	created := make([]db.KnowledgeItem, 0, len(inputs))
	skipped := 0
	for _, in := range inputs {
		item, err := idx.AddItem(ctx, knowledgeBaseID, in)
		if errors.Is(err, ErrInvalidItem) {
			skipped++
			continue
		}
		if err != nil {
			return created, err
		}
		created = append(created, *item)
	}

	logger.Log.WithFields(logrus.Fields{
		"knowledge_base_id": knowledgeBaseID,
		"imported":          len(created),
		"skipped":           skipped,
	}).Info("Bulk imported knowledge items")
	return created, nil
}

// UpdateItem changes the question and/or answer. The embedding is regenerated
// only when the question text actually changes.
func (idx *Index) UpdateItem(ctx context.Context, itemID string, question, answer *string) (*db.KnowledgeItem, error) {
	item, err := idx.store.GetKnowledgeItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if answer != nil {
		a := strings.TrimSpace(*answer)
		if a == "" {
			return nil, ErrInvalidItem
		}
		item.Answer = a
	}
	if question != nil {
		q := strings.TrimSpace(*question)
		if q == "" {
			return nil, ErrInvalidItem
		}
		if q != item.Question {
			item.Question = q
			item.Embedding = idx.embed(ctx, q)
		}
	}

	if err := idx.store.UpdateKnowledgeItem(ctx, item); err != nil {
		return nil, fmt.Errorf("error updating knowledge item: %w", err)
	}
	return item, nil
}

// GetKnowledgeBase returns a knowledge base by id
func (idx *Index) GetKnowledgeBase(ctx context.Context, id string) (*db.KnowledgeBase, error) {
	return idx.store.GetKnowledgeBase(ctx, id)
}

// GetItem returns an item by id
func (idx *Index) GetItem(ctx context.Context, itemID string) (*db.KnowledgeItem, error) {
	return idx.store.GetKnowledgeItem(ctx, itemID)
}

// DeleteItem removes an item
func (idx *Index) DeleteItem(ctx context.Context, itemID string) error {
	return idx.store.DeleteKnowledgeItem(ctx, itemID)
}

func (idx *Index) embed(ctx context.Context, text string) []float32 {
	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		logger.Log.WithError(err).Warn("Failed to embed knowledge question, storing without vector")
		return nil
	}
	return vec
}

// CosineSimilarity returns dot(a,b)/(|a||b|). Empty, mismatched or zero-norm
// vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
