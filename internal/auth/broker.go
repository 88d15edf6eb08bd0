// ABOUTME: OAuth authorization-code broker: /authorize redirect and /callback exchange
// ABOUTME: Produces a Principal, persists it with a grant, and returns a signed bearer token

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/2389/tablegate/internal/metrics"
	"github.com/2389/tablegate/internal/store"
)

const (
	stateCookieName = "tablegate_oauth_state"
	maxIdentityBody = 1 << 20
)

// AuthExchangeError reports a failed OAuth handshake. It is always surfaced
// to the client; it never degrades to anonymous access.
type AuthExchangeError struct {
	Status int    // HTTP status sent to the client (400, 401 or 403)
	Reason string // OAuth-style error code
	Err    error
}

func (e *AuthExchangeError) Error() string {
	if e.Err == nil {
		return "auth exchange failed: " + e.Reason
	}
	return fmt.Sprintf("auth exchange failed: %s: %v", e.Reason, e.Err)
}

func (e *AuthExchangeError) Unwrap() error {
	return e.Err
}

// BrokerStore persists what the broker mints.
type BrokerStore interface {
	UpsertPrincipal(ctx context.Context, p *store.Principal) error
	SaveGrant(ctx context.Context, g *store.Grant) error
}

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	OAuth            *oauth2.Config
	UserInfoURL      string
	BaseURL          string   // externally reachable gateway URL
	AllowedLogins    []string // empty allows any login
	PrivilegedLogins []string
	StateTTL         time.Duration
	// HTTPClient is used for the token exchange and identity fetch.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Limiter throttles /authorize and /callback. Nil uses 10 req/s, burst 20.
	Limiter *rate.Limiter
}

// Broker runs the OAuth authorization-code flow against the identity provider.
type Broker struct {
	cfg     BrokerConfig
	issuer  *TokenIssuer
	states  *StateStore
	store   BrokerStore
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBroker creates a broker.
func NewBroker(cfg BrokerConfig, issuer *TokenIssuer, states *StateStore, st BrokerStore, logger *slog.Logger, m *metrics.Metrics) (*Broker, error) {
	if cfg.OAuth == nil {
		return nil, errors.New("oauth config is required")
	}
	if cfg.UserInfoURL == "" {
		return nil, errors.New("userinfo URL is required")
	}
	if issuer == nil || states == nil || st == nil {
		return nil, errors.New("issuer, state store and store are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 20)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		cfg:     cfg,
		issuer:  issuer,
		states:  states,
		store:   st,
		limiter: limiter,
		logger:  logger.With("component", "oauth"),
		metrics: m,
	}, nil
}

// AuthorizeURL is where unauthenticated clients are sent.
func (b *Broker) AuthorizeURL() string {
	return b.cfg.BaseURL + "/authorize"
}

// HandleAuthorize starts the flow: it records a state token and PKCE verifier
// and redirects the browser to the identity provider.
func (b *Broker) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !b.limiter.Allow() {
		writeOAuthError(w, http.StatusTooManyRequests, "slow_down", "too many authorization requests", "")
		return
	}

	state, err := randomToken()
	if err != nil {
		b.logger.Error("failed to generate state", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "could not start authorization", "")
		return
	}
	verifier := oauth2.GenerateVerifier()

	b.states.Put(state, PendingAuth{Verifier: verifier})

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int(b.cfg.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   strings.HasPrefix(b.cfg.BaseURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})

	target := b.cfg.OAuth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	b.logger.Debug("redirecting to identity provider", "remote", r.RemoteAddr)
	http.Redirect(w, r, target, http.StatusFound)
}

// TokenResponse is returned to non-browser clients after a successful login.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
	Login       string `json:"login"`
	Tier        Tier   `json:"tier"`
}

// HandleCallback finishes the flow: it checks state, exchanges the code,
// fetches the identity and mints a bearer token.
func (b *Broker) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !b.limiter.Allow() {
		writeOAuthError(w, http.StatusTooManyRequests, "slow_down", "too many callback requests", b.AuthorizeURL())
		return
	}

	// The state cookie is single use whatever the outcome.
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	principal, issued, err := b.exchange(r)
	if err != nil {
		var aerr *AuthExchangeError
		if errors.As(err, &aerr) {
			b.metrics.AuthExchange(aerr.Reason)
			b.logger.Warn("oauth exchange failed", "reason", aerr.Reason, "error", aerr.Err)
			b.writeExchangeError(w, r, aerr)
			return
		}
		b.metrics.AuthExchange("server_error")
		b.logger.Error("oauth callback failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "could not complete sign in", b.AuthorizeURL())
		return
	}

	b.metrics.AuthExchange("ok")
	b.logger.Info("principal authenticated",
		"user_id", principal.UserID,
		"login", principal.Login,
		"tier", principal.Tier,
	)

	if wantsHTML(r) {
		b.renderLanding(w, principal, issued)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: issued.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int(issued.ExpiresAt.Sub(issued.IssuedAt).Seconds()),
		Scope:       strings.Join(principal.Scopes, " "),
		Login:       principal.Login,
		Tier:        principal.Tier,
	})
}

func (b *Broker) exchange(r *http.Request) (Principal, *IssuedToken, error) {
	q := r.URL.Query()

	if idpErr := q.Get("error"); idpErr != "" {
		return Principal{}, nil, &AuthExchangeError{
			Status: http.StatusForbidden,
			Reason: "access_denied",
			Err:    fmt.Errorf("identity provider returned %s: %s", idpErr, q.Get("error_description")),
		}
	}

	state := q.Get("state")
	cookie, cerr := r.Cookie(stateCookieName)
	if state == "" || cerr != nil || cookie.Value != state {
		return Principal{}, nil, &AuthExchangeError{
			Status: http.StatusForbidden,
			Reason: "invalid_state",
			Err:    errors.New("state parameter does not match"),
		}
	}
	pending, ok := b.states.Take(state)
	if !ok {
		return Principal{}, nil, &AuthExchangeError{
			Status: http.StatusForbidden,
			Reason: "invalid_state",
			Err:    errors.New("state unknown, expired or already used"),
		}
	}

	code := q.Get("code")
	if code == "" {
		return Principal{}, nil, &AuthExchangeError{
			Status: http.StatusBadRequest,
			Reason: "invalid_request",
			Err:    errors.New("missing code"),
		}
	}

	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, b.cfg.HTTPClient)

	tok, err := b.cfg.OAuth.Exchange(ctx, code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return Principal{}, nil, &AuthExchangeError{
			Status: http.StatusUnauthorized,
			Reason: "exchange_failed",
			Err:    err,
		}
	}

	ident, err := b.fetchIdentity(ctx, tok)
	if err != nil {
		return Principal{}, nil, &AuthExchangeError{
			Status: http.StatusUnauthorized,
			Reason: "identity_failed",
			Err:    err,
		}
	}

	if len(b.cfg.AllowedLogins) > 0 && !slices.Contains(b.cfg.AllowedLogins, ident.Login) {
		return Principal{}, nil, &AuthExchangeError{
			Status: http.StatusForbidden,
			Reason: "access_denied",
			Err:    fmt.Errorf("login %q is not allowed", ident.Login),
		}
	}

	p := Principal{
		UserID: "github:" + strconv.FormatInt(ident.ID, 10),
		Login:  ident.Login,
		Name:   ident.Name,
		Email:  ident.Email,
		Tier:   TierFor(ident.Login, b.cfg.PrivilegedLogins),
		Scopes: grantedScopes(tok, b.cfg.OAuth.Scopes),
	}

	issued, err := Mint(r.Context(), b.issuer, b.store, p)
	if err != nil {
		return Principal{}, nil, err
	}
	return p, issued, nil
}

// Mint persists the principal, issues a token and records its grant.
func Mint(ctx context.Context, issuer *TokenIssuer, st BrokerStore, p Principal) (*IssuedToken, error) {
	if err := st.UpsertPrincipal(ctx, &store.Principal{
		UserID: p.UserID,
		Login:  p.Login,
		Name:   p.Name,
		Email:  p.Email,
		Tier:   string(p.Tier),
	}); err != nil {
		return nil, fmt.Errorf("saving principal: %w", err)
	}

	issued, err := issuer.Issue(p)
	if err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}

	if err := st.SaveGrant(ctx, &store.Grant{
		ID:        issued.ID,
		UserID:    p.UserID,
		Tier:      string(p.Tier),
		Scopes:    p.Scopes,
		IssuedAt:  issued.IssuedAt,
		ExpiresAt: issued.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("saving grant: %w", err)
	}

	return issued, nil
}

type identity struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (b *Broker) fetchIdentity(ctx context.Context, tok *oauth2.Token) (*identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building identity request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.cfg.OAuth.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching identity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("identity endpoint returned %s", resp.Status)
	}

	var ident identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIdentityBody)).Decode(&ident); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	if ident.ID == 0 || ident.Login == "" {
		return nil, errors.New("identity response missing id or login")
	}
	return &ident, nil
}

// grantedScopes reads the scopes the provider actually granted, falling back
// to the requested ones. GitHub separates them with commas.
func grantedScopes(tok *oauth2.Token, requested []string) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return slices.Clone(requested)
	}
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
}

func (b *Broker) writeExchangeError(w http.ResponseWriter, r *http.Request, e *AuthExchangeError) {
	if wantsHTML(r) {
		b.renderFailure(w, e)
		return
	}
	writeOAuthError(w, e.Status, e.Reason, exchangeDescription(e), b.AuthorizeURL())
}

// exchangeDescription is the client-facing text. Upstream error detail stays in the logs.
func exchangeDescription(e *AuthExchangeError) string {
	switch e.Reason {
	case "invalid_state":
		return "authorization state did not match; start again"
	case "invalid_request":
		return "authorization code missing"
	case "exchange_failed":
		return "identity provider rejected the authorization code"
	case "identity_failed":
		return "could not fetch identity from the identity provider"
	case "access_denied":
		return "access denied"
	default:
		return "authorization failed"
	}
}

// OAuthError is the JSON error body for auth endpoints.
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Retry            string `json:"retry,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, errCode, description, retry string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(OAuthError{
		Error:            errCode,
		ErrorDescription: description,
		Retry:            retry,
	})
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
