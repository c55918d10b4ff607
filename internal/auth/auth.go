package auth

import (
	"clai-chat/internal/logger"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

type contextKey string

const ActorContextKey contextKey = "actor"

// DefaultTokenTTL is the lifetime of issued tokens
const DefaultTokenTTL = 24 * time.Hour

// Roles
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Resources guarded by capability checks
const (
	ResourceConversation = "conversation"
	ResourceKnowledge    = "knowledge"
	ResourceAnalytics    = "analytics"
	ResourceWebhook      = "webhook"
)

// Actions
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

var (
	ErrMissingOrganization = errors.New("token has no organization")
	ErrUnknownRole         = errors.New("unknown role")
)

// Actor is the authenticated caller of an administrative operation
type Actor struct {
	Subject        string
	OrganizationID string
	Role           string
}

// Claims is the JWT payload identifying an actor
type Claims struct {
	OrganizationID string `json:"org_id"`
	Role           string `json:"role"`
	jwt.RegisteredClaims
}

// Authorizer answers capability questions. Scoping to the actor's
// organization is the caller's job.
type Authorizer interface {
	Can(actor Actor, resource, action string) bool
}

// RoleAuthorizer grants capabilities from a fixed role table
type RoleAuthorizer struct {
	grants map[string]map[string][]string // role -> resource -> actions
}

// NewRoleAuthorizer creates the default role table: owners and admins
// manage everything, members read everything and write knowledge, viewers
// only read.
func NewRoleAuthorizer() *RoleAuthorizer {
	all := []string{ActionRead, ActionWrite}
	read := []string{ActionRead}
	return &RoleAuthorizer{
		grants: map[string]map[string][]string{
			RoleOwner: {
				ResourceConversation: all,
				ResourceKnowledge:    all,
				ResourceAnalytics:    all,
				ResourceWebhook:      all,
			},
			RoleAdmin: {
				ResourceConversation: all,
				ResourceKnowledge:    all,
				ResourceAnalytics:    all,
				ResourceWebhook:      all,
			},
			RoleMember: {
				ResourceConversation: read,
				ResourceKnowledge:    all,
				ResourceAnalytics:    read,
				ResourceWebhook:      read,
			},
			RoleViewer: {
				ResourceConversation: read,
				ResourceKnowledge:    read,
				ResourceAnalytics:    read,
			},
		},
	}
}

// Can reports whether actor may perform action on resource
func (a *RoleAuthorizer) Can(actor Actor, resource, action string) bool {
	if actor.OrganizationID == "" {
		return false
	}
	resources, ok := a.grants[actor.Role]
	if !ok {
		return false
	}
	return lo.Contains(resources[resource], action)
}

// Authenticator issues and validates actor tokens
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an authenticator signing with secret
func NewAuthenticator(secret []byte, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{secret: secret, ttl: ttl, now: time.Now}
}

// GenerateToken signs a token for actor
func (a *Authenticator) GenerateToken(actor Actor) (string, error) {
	if actor.OrganizationID == "" {
		return "", ErrMissingOrganization
	}
	if !validRole(actor.Role) {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, actor.Role)
	}

	now := a.now()
	claims := Claims{
		OrganizationID: actor.OrganizationID,
		Role:           actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses a signed token and returns the actor it names
func (a *Authenticator) ValidateToken(tokenString string) (*Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.OrganizationID == "" {
		return nil, ErrMissingOrganization
	}

	return &Actor{
		Subject:        claims.Subject,
		OrganizationID: claims.OrganizationID,
		Role:           claims.Role,
	}, nil
}

func validRole(role string) bool {
	return lo.Contains([]string{RoleOwner, RoleAdmin, RoleMember, RoleViewer}, role)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// sendError sends a standardized JSON error response
func sendError(w http.ResponseWriter, status int, message string, err error) {
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

// Middleware rejects requests without a valid bearer token and stores the
// actor in the request context
func (a *Authenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			sendError(w, http.StatusUnauthorized, "Missing authorization header", nil)
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			sendError(w, http.StatusUnauthorized, "Invalid authorization header format", nil)
			return
		}

		actor, err := a.ValidateToken(bearerToken[1])
		if err != nil {
			logger.Log.WithError(err).WithField("path", r.URL.Path).Warn("Rejected bearer token")
			sendError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		logger.Log.WithFields(logrus.Fields{
			"organization_id": actor.OrganizationID,
			"role":            actor.Role,
		}).Debug("Authenticated request")

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), *actor)))
	}
}

// WithActor returns a context carrying actor
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ActorContextKey, actor)
}

// ActorFromContext returns the actor stored by Middleware
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ActorContextKey).(Actor)
	return actor, ok
}
