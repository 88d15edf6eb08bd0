// ABOUTME: HTTP middleware for bearer authentication on MCP endpoints
// ABOUTME: Verifies the JWT, checks its grant, and adds the Principal to the request context

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/tablegate/internal/store"
)

// GrantStore looks up persisted grants.
type GrantStore interface {
	GetGrant(ctx context.Context, id string) (*store.Grant, error)
}

// Authenticator turns a bearer token into a Principal.
type Authenticator struct {
	issuer *TokenIssuer
	grants GrantStore
	now    func() time.Time
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(issuer *TokenIssuer, grants GrantStore) *Authenticator {
	return &Authenticator{issuer: issuer, grants: grants, now: time.Now}
}

// Authenticate verifies the token and its grant. Tokens whose grant is
// missing, revoked or expired are rejected even if the signature is valid.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := a.issuer.Verify(token)
	if err != nil {
		return Principal{}, err
	}

	grant, err := a.grants.GetGrant(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, fmt.Errorf("%w: unknown grant", ErrInvalidToken)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("looking up grant: %w", err)
	}
	if grant.UserID != claims.Subject {
		return Principal{}, fmt.Errorf("%w: grant subject mismatch", ErrInvalidToken)
	}
	if grant.RevokedAt != nil {
		return Principal{}, ErrGrantRevoked
	}
	if !a.now().Before(grant.ExpiresAt) {
		return Principal{}, ErrExpiredToken
	}

	return claims.Principal(), nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// unauthorizedBody is the JSON body of a 401 from RequirePrincipal.
type unauthorizedBody struct {
	Error        string `json:"error"`
	AuthorizeURL string `json:"authorize_url"`
}

// RequirePrincipal creates an HTTP middleware that rejects requests without a
// valid bearer token before any handler runs, and otherwise adds the
// Principal to the request context.
func RequirePrincipal(authn *Authenticator, baseURL string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	challenge := fmt.Sprintf(`Bearer resource_metadata="%s%s"`, baseURL, ProtectedResourcePath)

	reject := func(w http.ResponseWriter, errCode string) {
		w.Header().Set("WWW-Authenticate", challenge+`, error="invalid_token"`)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(unauthorizedBody{
			Error:        errCode,
			AuthorizeURL: baseURL + "/authorize",
		})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				reject(w, errMsg)
				return
			}

			p, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				switch {
				case errors.Is(err, ErrExpiredToken):
					reject(w, "token expired")
				case errors.Is(err, ErrGrantRevoked):
					reject(w, "token revoked")
				case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrMissingClaim):
					reject(w, "invalid token")
				default:
					logger.Error("authentication failed", "error", err)
					http.Error(w, `{"error":"authentication unavailable"}`, http.StatusServiceUnavailable)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// ProtectedResourcePath is the OAuth protected resource metadata location.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata describes this gateway as an OAuth protected
// resource so clients can discover where to authenticate.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	AuthorizeURL           string   `json:"authorize_url"`
}

// ProtectedResourceHandler serves the metadata document.
func ProtectedResourceHandler(baseURL string, scopes []string) http.Handler {
	meta := ProtectedResourceMetadata{
		Resource:               baseURL,
		AuthorizationServers:   []string{baseURL},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        scopes,
		AuthorizeURL:           baseURL + "/authorize",
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	})
}
