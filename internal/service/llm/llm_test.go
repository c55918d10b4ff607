package llm

import (
	"clai-chat/internal/config"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseProviderType(t *testing.T) {
	tests := []struct {
		input   string
		want    ProviderType
		wantErr bool
	}{
		{input: "", want: ProviderOpenAI},
		{input: "openai", want: ProviderOpenAI},
		{input: " OpenRouter ", want: ProviderOpenRouter},
		{input: "anthropic", want: ProviderAnthropic},
		{input: "genkit", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseProviderType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProviderType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseProviderType(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewProvider_DefaultModels(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		want     string
	}{
		{provider: "openai", want: defaultOpenAIModel},
		{provider: "anthropic", want: defaultAnthropicModel},
		{provider: "openrouter", want: defaultOpenRouterModel},
		{provider: "openai", model: "gpt-4.1", want: "gpt-4.1"},
	}

	for _, tt := range tests {
		t.Run(tt.provider+"/"+tt.want, func(t *testing.T) {
			p, err := NewProvider(&config.GenerationConfig{Provider: tt.provider, Model: tt.model})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := p.DefaultModel(); got != tt.want {
				t.Errorf("DefaultModel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProviders_RequireAPIKey(t *testing.T) {
	cfg := &config.GenerationConfig{}
	providers := map[string]Provider{
		"openrouter": NewOpenRouterProvider(cfg),
		"openai":     NewOpenAIProvider(cfg),
		"anthropic":  NewAnthropicProvider(cfg),
	}

	for name, p := range providers {
		if _, err := p.Generate(context.Background(), Request{Content: "hi"}); err == nil {
			t.Errorf("%s: expected error without API key", name)
		}
	}
}

func TestOpenRouterProvider_Generate(t *testing.T) {
	var received chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer or-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"We open at 9."}}]}`))
	}))
	defer server.Close()

	p := NewOpenRouterProvider(&config.GenerationConfig{OpenRouterAPIKey: "or-key", Model: "test/model", Temperature: 0.2})
	p.url = server.URL

	gen, err := p.Generate(context.Background(), Request{
		SystemPrompt: "You are a helpful assistant for Acme.",
		History: []Message{
			{Role: RoleUser, Content: "hello"},
			{Role: RoleAssistant, Content: "hi there"},
		},
		Content: "when do you open?",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gen.Content != "We open at 9." {
		t.Errorf("Content = %q", gen.Content)
	}
	if gen.Model != "test/model" {
		t.Errorf("Model = %q", gen.Model)
	}

	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(received.Messages) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d", len(wantRoles), len(received.Messages))
	}
	for i, role := range wantRoles {
		if received.Messages[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, received.Messages[i].Role, role)
		}
	}
	if received.Messages[3].Content != "when do you open?" {
		t.Errorf("last message = %q", received.Messages[3].Content)
	}
}

func TestOpenRouterProvider_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := NewOpenRouterProvider(&config.GenerationConfig{OpenRouterAPIKey: "or-key"})
	p.url = server.URL

	if _, err := p.Generate(context.Background(), Request{Content: "hi"}); err == nil {
		t.Error("expected error for non-200 status")
	}
}

func TestOpenRouterProvider_HonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	p := NewOpenRouterProvider(&config.GenerationConfig{OpenRouterAPIKey: "or-key"})
	p.url = server.URL

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := p.Generate(ctx, Request{Content: "hi"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Generate did not stop at the deadline, took %v", elapsed)
	}
}
