package conversation

import (
	"clai-chat/internal/events"
	"clai-chat/internal/repository/db"
	"clai-chat/internal/repository/memory"
	"clai-chat/internal/service/knowledge"
	"clai-chat/internal/service/llm"
	"clai-chat/internal/service/metrics"
	"clai-chat/internal/testutil"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a settable clock safe for concurrent use
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingTracker counts recounts on top of the real metrics service
type countingTracker struct {
	*metrics.Service
	recounts atomic.Int32
}

func (c *countingTracker) Recount(ctx context.Context, conversationID string) (int, error) {
	c.recounts.Add(1)
	return c.Service.Recount(ctx, conversationID)
}

type harness struct {
	service  *ConversationService
	store    *memory.Store
	tracker  *countingTracker
	provider *testutil.MockLLMProvider
	matcher  *testutil.MockKnowledgeMatcher
	bus      *events.ChannelBus
	clock    *fakeClock
	bot      *db.Chatbot
}

var t0 = time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := memory.NewStore()
	bot, err := store.CreateChatbot(context.Background(), &db.Chatbot{
		OrganizationID:     "org-1",
		Name:               "Acme Support",
		AllowedResponses:   "Product questions",
		ForbiddenResponses: "Pricing promises",
	})
	if err != nil {
		t.Fatalf("CreateChatbot() error = %v", err)
	}

	h := &harness{
		store:   store,
		tracker: &countingTracker{Service: metrics.NewService(store, time.UTC)},
		provider: &testutil.MockLLMProvider{
			GenerateFunc: func(ctx context.Context, req llm.Request) (*llm.Generation, error) {
				return &llm.Generation{Content: "Sure, happy to help", Model: "gpt-test"}, nil
			},
			DefaultModelFunc: func() string { return "gpt-test" },
		},
		matcher: &testutil.MockKnowledgeMatcher{},
		bus:     events.NewChannelBus(64),
		clock:   &fakeClock{t: t0},
		bot:     bot,
	}
	h.service = NewConversationService(store, h.matcher, h.provider, h.tracker, h.bus, time.Second).WithClock(h.clock.Now)
	return h
}

func (h *harness) start(t *testing.T) *db.Conversation {
	t.Helper()
	conv, err := h.service.Start(context.Background(), StartRequest{
		ChatbotID: h.bot.ID,
		VisitorID: "visitor-1",
		UTM:       UTM{Source: "google", Medium: "cpc", Campaign: "spring"},
		Referrer:  "https://example.com/pricing",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return conv
}

func (h *harness) messageCount(t *testing.T, conversationID string) int {
	t.Helper()
	n, err := h.store.CountMessages(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("CountMessages() error = %v", err)
	}
	return n
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, _ := h.bus.Subscribe(ctx)

	conv := h.start(t)

	if conv.Status != db.StatusActive {
		t.Errorf("Status = %s, want %s", conv.Status, db.StatusActive)
	}
	if conv.OrganizationID != "org-1" {
		t.Errorf("OrganizationID = %s, want org-1", conv.OrganizationID)
	}
	if !conv.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", conv.StartedAt, t0)
	}

	m, err := h.store.GetMetrics(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("GetMetrics() error = %v", err)
	}
	if m.TimeOfDay != db.TimeOfDayBusiness {
		t.Errorf("TimeOfDay = %s, want %s", m.TimeOfDay, db.TimeOfDayBusiness)
	}
	if m.UTMSource != "google" || m.UTMCampaign != "spring" {
		t.Errorf("UTM not copied to metrics: %+v", m)
	}
	if m.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", m.MessageCount)
	}

	e := receive(t, sub)
	if e.Name != events.ConversationStarted || e.ConversationID != conv.ID || e.OrganizationID != "org-1" {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestStart_WeekendClassification(t *testing.T) {
	h := newHarness(t)
	h.clock.t = time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC) // Saturday

	conv := h.start(t)

	m, err := h.store.GetMetrics(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("GetMetrics() error = %v", err)
	}
	if m.TimeOfDay != db.TimeOfDayWeekend {
		t.Errorf("TimeOfDay = %s, want %s", m.TimeOfDay, db.TimeOfDayWeekend)
	}
	if m.DayOfWeek != 6 || m.HourOfDay != 10 {
		t.Errorf("DayOfWeek/HourOfDay = %d/%d, want 6/10", m.DayOfWeek, m.HourOfDay)
	}
}

func TestStart_UnknownChatbot(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.Start(context.Background(), StartRequest{ChatbotID: "missing"})
	if !errors.Is(err, ErrChatbotNotFound) {
		t.Errorf("Start() error = %v, want ErrChatbotNotFound", err)
	}
}

func TestProcessMessage_Generation(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)

	var got llm.Request
	h.provider.GenerateFunc = func(ctx context.Context, req llm.Request) (*llm.Generation, error) {
		got = req
		return &llm.Generation{Content: "Sure, happy to help", Model: "gpt-test"}, nil
	}

	reply, err := h.service.ProcessMessage(context.Background(), conv.ID, "Do you ship to Canada?")
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	if reply.Content != "Sure, happy to help" {
		t.Errorf("Content = %q", reply.Content)
	}
	if reply.Model != "gpt-test" || reply.Source != SourceGeneration {
		t.Errorf("Model/Source = %s/%s, want gpt-test/%s", reply.Model, reply.Source, SourceGeneration)
	}

	wantPrompt := "You are a helpful assistant for Acme Support.\n\nDO SAY:\nProduct questions\n\nDO NOT SAY:\nPricing promises"
	if got.SystemPrompt != wantPrompt {
		t.Errorf("SystemPrompt = %q, want %q", got.SystemPrompt, wantPrompt)
	}
	if got.Content != "Do you ship to Canada?" {
		t.Errorf("Content sent = %q", got.Content)
	}
	if len(got.History) != 0 {
		t.Errorf("History = %v, want empty for first message", got.History)
	}

	if n := h.messageCount(t, conv.ID); n != 2 {
		t.Errorf("message count = %d, want 2", n)
	}
	if n := h.tracker.recounts.Load(); n != 1 {
		t.Errorf("recounts = %d, want 1", n)
	}
	m, _ := h.store.GetMetrics(context.Background(), conv.ID)
	if m.MessageCount != 2 {
		t.Errorf("metrics MessageCount = %d, want 2", m.MessageCount)
	}

	msgs, _ := h.store.GetMessages(context.Background(), conv.ID)
	if msgs[0].Sender != db.SenderHuman || msgs[1].Sender != db.SenderBot {
		t.Fatalf("senders = %s,%s", msgs[0].Sender, msgs[1].Sender)
	}
	if msgs[1].TokenCount == nil || *msgs[1].TokenCount != 5 {
		t.Errorf("TokenCount = %v, want 5", msgs[1].TokenCount)
	}
	if msgs[1].GenerationFailed {
		t.Error("GenerationFailed should be false")
	}
}

func TestProcessMessage_KnowledgeMatch(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)

	h.matcher.BestMatchFunc = func(ctx context.Context, chatbotID, query string) (*knowledge.Result, error) {
		if chatbotID != h.bot.ID {
			t.Errorf("BestMatch chatbotID = %s, want %s", chatbotID, h.bot.ID)
		}
		return &knowledge.Result{ItemID: "item-1", Question: "Opening hours?", Answer: "We open at 9am, Monday to Friday.", Score: 0.85}, nil
	}
	called := false
	h.provider.GenerateFunc = func(ctx context.Context, req llm.Request) (*llm.Generation, error) {
		called = true
		return nil, errors.New("should not be called")
	}

	reply, err := h.service.ProcessMessage(context.Background(), conv.ID, "When are you open?")
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if called {
		t.Error("generation provider was called despite a knowledge match")
	}
	if reply.Content != "We open at 9am, Monday to Friday." {
		t.Errorf("Content = %q, want the stored answer verbatim", reply.Content)
	}
	if reply.Model != ModelKnowledgeBase || reply.Source != SourceKnowledgeBase {
		t.Errorf("Model/Source = %s/%s", reply.Model, reply.Source)
	}

	msgs, _ := h.store.GetMessages(context.Background(), conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs))
	}
	if msgs[1].TokenCount != nil {
		t.Errorf("TokenCount = %v, want nil for knowledge answers", *msgs[1].TokenCount)
	}
}

func TestProcessMessage_KnowledgeErrorFallsBackToGeneration(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)

	h.matcher.BestMatchFunc = func(ctx context.Context, chatbotID, query string) (*knowledge.Result, error) {
		return nil, errors.New("index unavailable")
	}

	reply, err := h.service.ProcessMessage(context.Background(), conv.ID, "hello")
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if reply.Source != SourceGeneration {
		t.Errorf("Source = %s, want %s", reply.Source, SourceGeneration)
	}
}

func TestProcessMessage_GenerationFailures(t *testing.T) {
	tests := []struct {
		name     string
		generate func(ctx context.Context, req llm.Request) (*llm.Generation, error)
	}{
		{
			name: "provider error",
			generate: func(ctx context.Context, req llm.Request) (*llm.Generation, error) {
				return nil, errors.New("503 from upstream")
			},
		},
		{
			name: "timeout",
			generate: func(ctx context.Context, req llm.Request) (*llm.Generation, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.service.generationTimeout = 20 * time.Millisecond
			conv := h.start(t)
			h.provider.GenerateFunc = tt.generate

			reply, err := h.service.ProcessMessage(context.Background(), conv.ID, "anyone there?")
			if err != nil {
				t.Fatalf("ProcessMessage() error = %v, want fallback reply", err)
			}
			if reply.Content != FallbackReply {
				t.Errorf("Content = %q, want fallback", reply.Content)
			}
			if reply.Model != "gpt-test" || !reply.GenerationFailed || reply.Source != SourceFallback {
				t.Errorf("reply = %+v", reply)
			}

			msgs, _ := h.store.GetMessages(context.Background(), conv.ID)
			if len(msgs) != 2 {
				t.Fatalf("len(messages) = %d, want 2", len(msgs))
			}
			if !msgs[1].GenerationFailed || msgs[1].TokenCount != nil {
				t.Errorf("bot message = %+v", msgs[1])
			}
			if n := h.tracker.recounts.Load(); n != 1 {
				t.Errorf("recounts = %d, want 1", n)
			}
		})
	}
}

func TestProcessMessage_Rejected(t *testing.T) {
	h := newHarness(t)
	active := h.start(t)
	ended := h.start(t)
	if _, err := h.service.End(context.Background(), ended.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	tests := []struct {
		name           string
		conversationID string
		content        string
		wantErr        error
	}{
		{name: "empty content", conversationID: active.ID, content: "", wantErr: ErrEmptyContent},
		{name: "whitespace content", conversationID: active.ID, content: "  \n\t ", wantErr: ErrEmptyContent},
		{name: "unknown conversation", conversationID: "missing", content: "hi", wantErr: ErrConversationNotFound},
		{name: "ended conversation", conversationID: ended.ID, content: "hi", wantErr: ErrConversationInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.service.ProcessMessage(context.Background(), tt.conversationID, tt.content)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ProcessMessage() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if n := h.messageCount(t, active.ID); n != 0 {
		t.Errorf("active conversation has %d messages, want 0", n)
	}
	if n := h.messageCount(t, ended.ID); n != 0 {
		t.Errorf("ended conversation has %d messages, want 0", n)
	}
	if n := h.tracker.recounts.Load(); n != 0 {
		t.Errorf("recounts = %d, want 0", n)
	}
}

func TestProcessMessage_HistoryWindow(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)
	ctx := context.Background()

	for i := 1; i <= 15; i++ {
		sender := db.SenderHuman
		if i%2 == 0 {
			sender = db.SenderBot
		}
		_, err := h.store.AddMessage(ctx, &db.Message{
			ConversationID: conv.ID,
			Sender:         sender,
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      t0.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}
	h.clock.Advance(time.Minute)

	var got llm.Request
	h.provider.GenerateFunc = func(ctx context.Context, req llm.Request) (*llm.Generation, error) {
		got = req
		return &llm.Generation{Content: "ok"}, nil
	}

	if _, err := h.service.ProcessMessage(ctx, conv.ID, "latest"); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	if len(got.History) != db.DefaultHistoryLimit {
		t.Fatalf("len(History) = %d, want %d", len(got.History), db.DefaultHistoryLimit)
	}
	for i, msg := range got.History {
		n := i + 6
		if want := fmt.Sprintf("m%d", n); msg.Content != want {
			t.Errorf("History[%d].Content = %s, want %s", i, msg.Content, want)
		}
		wantRole := llm.RoleUser
		if n%2 == 0 {
			wantRole = llm.RoleAssistant
		}
		if msg.Role != wantRole {
			t.Errorf("History[%d].Role = %s, want %s", i, msg.Role, wantRole)
		}
	}
	if got.Content != "latest" {
		t.Errorf("Content = %q, want latest", got.Content)
	}
}

func TestProcessMessage_ModelDefaultsToProvider(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)
	h.provider.GenerateFunc = func(ctx context.Context, req llm.Request) (*llm.Generation, error) {
		return &llm.Generation{Content: "ok"}, nil
	}

	reply, err := h.service.ProcessMessage(context.Background(), conv.ID, "hi")
	if err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}
	if reply.Model != "gpt-test" {
		t.Errorf("Model = %s, want gpt-test", reply.Model)
	}
}

func TestProcessMessage_SerializedPerConversation(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)

	var inFlight, peak atomic.Int32
	h.provider.GenerateFunc = func(ctx context.Context, req llm.Request) (*llm.Generation, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return &llm.Generation{Content: "reply to " + req.Content}, nil
	}

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.service.ProcessMessage(context.Background(), conv.ID, fmt.Sprintf("q%d", i)); err != nil {
				t.Errorf("ProcessMessage() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrent generations = %d, want 1", p)
	}

	msgs, _ := h.store.GetMessages(context.Background(), conv.ID)
	if len(msgs) != 2*workers {
		t.Fatalf("len(messages) = %d, want %d", len(msgs), 2*workers)
	}
	for i := 0; i < len(msgs); i += 2 {
		human, bot := msgs[i], msgs[i+1]
		if human.Sender != db.SenderHuman || bot.Sender != db.SenderBot {
			t.Fatalf("messages %d,%d senders = %s,%s", i, i+1, human.Sender, bot.Sender)
		}
		if bot.Content != "reply to "+human.Content {
			t.Errorf("reply %q does not follow %q", bot.Content, human.Content)
		}
	}

	m, _ := h.store.GetMetrics(context.Background(), conv.ID)
	if m.MessageCount != 2*workers {
		t.Errorf("metrics MessageCount = %d, want %d", m.MessageCount, 2*workers)
	}
}

func TestEnd(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv := h.start(t)
	sub, _ := h.bus.Subscribe(ctx)
	h.clock.Advance(125 * time.Second)

	ended, err := h.service.End(ctx, conv.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != db.StatusEnded || ended.EndedAt == nil {
		t.Errorf("ended conversation = %+v", ended)
	}

	m, _ := h.store.GetMetrics(ctx, conv.ID)
	if m.DurationSeconds == nil || *m.DurationSeconds != 125 {
		t.Errorf("DurationSeconds = %v, want 125", m.DurationSeconds)
	}
	if !m.Completed {
		t.Error("Completed = false, want true")
	}

	e := receive(t, sub)
	if e.Name != events.ConversationEnded {
		t.Fatalf("event = %s, want %s", e.Name, events.ConversationEnded)
	}
	if e.Payload["duration_seconds"] != 125 {
		t.Errorf("duration_seconds = %v, want 125", e.Payload["duration_seconds"])
	}

	// a second end is rejected and changes nothing
	h.clock.Advance(time.Hour)
	if _, err := h.service.End(ctx, conv.ID); !errors.Is(err, ErrConversationInactive) {
		t.Errorf("second End() error = %v, want ErrConversationInactive", err)
	}
	m, _ = h.store.GetMetrics(ctx, conv.ID)
	if *m.DurationSeconds != 125 {
		t.Errorf("DurationSeconds changed to %d", *m.DurationSeconds)
	}
	stored, _ := h.store.GetConversation(ctx, conv.ID)
	if !stored.EndedAt.Equal(t0.Add(125 * time.Second)) {
		t.Errorf("EndedAt = %v, want %v", stored.EndedAt, t0.Add(125*time.Second))
	}
}

func TestEnd_UnknownConversation(t *testing.T) {
	h := newHarness(t)

	if _, err := h.service.End(context.Background(), "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("End() error = %v, want ErrConversationNotFound", err)
	}
}

func TestGetTranscript(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)
	ctx := context.Background()

	for _, q := range []string{"first", "second"} {
		if _, err := h.service.ProcessMessage(ctx, conv.ID, q); err != nil {
			t.Fatalf("ProcessMessage() error = %v", err)
		}
	}

	transcript, err := h.service.GetTranscript(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	if transcript.Conversation.ID != conv.ID {
		t.Errorf("Conversation.ID = %s, want %s", transcript.Conversation.ID, conv.ID)
	}
	if len(transcript.Messages) != 4 {
		t.Fatalf("len(Messages) = %d, want 4", len(transcript.Messages))
	}
	if transcript.Messages[0].Content != "first" || transcript.Messages[2].Content != "second" {
		t.Errorf("messages out of order: %+v", transcript.Messages)
	}

	if _, err := h.service.GetTranscript(ctx, "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("GetTranscript() error = %v, want ErrConversationNotFound", err)
	}
}

func TestProcessMessage_StorageErrors(t *testing.T) {
	active := &db.Conversation{ID: "conv-1", ChatbotID: "bot-1", OrganizationID: "org-1", Status: db.StatusActive, StartedAt: t0}
	bot := &db.Chatbot{ID: "bot-1", Name: "Bot", Settings: db.ChatbotSettings{}.Normalize()}
	dbErr := errors.New("connection reset")

	tests := []struct {
		name    string
		store   *testutil.MockConversationStore
		wantErr error
	}{
		{
			name: "conversation lookup fails",
			store: &testutil.MockConversationStore{
				GetConversationFunc: func(ctx context.Context, id string) (*db.Conversation, error) {
					return nil, dbErr
				},
			},
			wantErr: dbErr,
		},
		{
			name: "conversation missing",
			store: &testutil.MockConversationStore{
				GetConversationFunc: func(ctx context.Context, id string) (*db.Conversation, error) {
					return nil, fmt.Errorf("conversation: %w", db.ErrNotFound)
				},
			},
			wantErr: ErrConversationNotFound,
		},
		{
			name: "user message insert fails",
			store: &testutil.MockConversationStore{
				GetConversationFunc: func(ctx context.Context, id string) (*db.Conversation, error) { return active, nil },
				GetChatbotFunc:      func(ctx context.Context, id string) (*db.Chatbot, error) { return bot, nil },
				AddMessageFunc: func(ctx context.Context, msg *db.Message) (*db.Message, error) {
					return nil, dbErr
				},
			},
			wantErr: dbErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewConversationService(tt.store, &testutil.MockKnowledgeMatcher{}, &testutil.MockLLMProvider{}, &countingTracker{}, events.NewChannelBus(1), time.Second)

			_, err := service.ProcessMessage(context.Background(), "conv-1", "hello")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ProcessMessage() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hello", 1},
		{"one two", 3},
		{"Sure, happy to help", 5},
		{"  spaced   out\twords\n", 4},
		{"a b c d e f g h i j", 13},
	}

	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestNewConversationService_DefaultTimeout(t *testing.T) {
	service := NewConversationService(&testutil.MockConversationStore{}, nil, nil, nil, events.NewChannelBus(1), 0)

	if service.generationTimeout != DefaultGenerationTimeout {
		t.Errorf("generationTimeout = %v, want %v", service.generationTimeout, DefaultGenerationTimeout)
	}
	if service.locks == nil {
		t.Error("lock manager not set")
	}
}
