package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-that-is-32-bytes-long")

func TestRoleAuthorizer_Can(t *testing.T) {
	authz := NewRoleAuthorizer()

	tests := []struct {
		name     string
		actor    Actor
		resource string
		action   string
		want     bool
	}{
		{"owner writes webhooks", Actor{OrganizationID: "org-1", Role: RoleOwner}, ResourceWebhook, ActionWrite, true},
		{"admin reads conversations", Actor{OrganizationID: "org-1", Role: RoleAdmin}, ResourceConversation, ActionRead, true},
		{"member writes knowledge", Actor{OrganizationID: "org-1", Role: RoleMember}, ResourceKnowledge, ActionWrite, true},
		{"member cannot write webhooks", Actor{OrganizationID: "org-1", Role: RoleMember}, ResourceWebhook, ActionWrite, false},
		{"viewer reads analytics", Actor{OrganizationID: "org-1", Role: RoleViewer}, ResourceAnalytics, ActionRead, true},
		{"viewer cannot write knowledge", Actor{OrganizationID: "org-1", Role: RoleViewer}, ResourceKnowledge, ActionWrite, false},
		{"viewer cannot read webhooks", Actor{OrganizationID: "org-1", Role: RoleViewer}, ResourceWebhook, ActionRead, false},
		{"unknown role", Actor{OrganizationID: "org-1", Role: "guest"}, ResourceConversation, ActionRead, false},
		{"no organization", Actor{Role: RoleOwner}, ResourceConversation, ActionRead, false},
		{"unknown resource", Actor{OrganizationID: "org-1", Role: RoleOwner}, "billing", ActionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := authz.Can(tt.actor, tt.resource, tt.action); got != tt.want {
				t.Errorf("Can(%+v, %s, %s) = %v, want %v", tt.actor, tt.resource, tt.action, got, tt.want)
			}
		})
	}
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	a := NewAuthenticator(testSecret, time.Hour)

	token, err := a.GenerateToken(Actor{Subject: "user-7", OrganizationID: "org-1", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	actor, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if actor.Subject != "user-7" || actor.OrganizationID != "org-1" || actor.Role != RoleAdmin {
		t.Errorf("ValidateToken() = %+v", actor)
	}
}

func TestAuthenticator_GenerateTokenValidation(t *testing.T) {
	a := NewAuthenticator(testSecret, time.Hour)

	if _, err := a.GenerateToken(Actor{Role: RoleOwner}); !errors.Is(err, ErrMissingOrganization) {
		t.Errorf("GenerateToken() error = %v, want ErrMissingOrganization", err)
	}
	if _, err := a.GenerateToken(Actor{OrganizationID: "org-1", Role: "root"}); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("GenerateToken() error = %v, want ErrUnknownRole", err)
	}
}

func TestAuthenticator_RejectsBadTokens(t *testing.T) {
	a := NewAuthenticator(testSecret, time.Hour)
	other := NewAuthenticator([]byte("another-secret-key-that-is-32-bytes"), time.Hour)

	foreign, _ := other.GenerateToken(Actor{OrganizationID: "org-1", Role: RoleOwner})

	expiredIssuer := NewAuthenticator(testSecret, time.Minute)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := expiredIssuer.GenerateToken(Actor{OrganizationID: "org-1", Role: RoleOwner})

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{OrganizationID: "org-1", Role: RoleOwner})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"expired", expired},
		{"alg none", unsigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.ValidateToken(tt.token); err == nil {
				t.Error("ValidateToken() accepted an invalid token")
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator(testSecret, time.Hour)
	token, _ := a.GenerateToken(Actor{OrganizationID: "org-1", Role: RoleMember})

	var seen Actor
	handler := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/analytics/overview", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if seen.OrganizationID != "org-1" || seen.Role != RoleMember {
		t.Errorf("actor in context = %+v", seen)
	}
}
