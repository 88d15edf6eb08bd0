// ABOUTME: End-to-end tests for the OAuth broker against a fake identity provider
// ABOUTME: Uses a real SQLite store and exercises success and every failure path

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/2389/tablegate/internal/store"
)

// fakeIdP imitates the GitHub token and user endpoints.
type fakeIdP struct {
	server       *httptest.Server
	login        string
	failIdentity atomic.Bool
	lastVerifier atomic.Value
}

func newFakeIdP(t *testing.T, login string) *fakeIdP {
	t.Helper()
	f := &fakeIdP{login: login}

	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.lastVerifier.Store(r.PostForm.Get("code_verifier"))
		if r.PostForm.Get("code") != "good-code" || r.PostForm.Get("code_verifier") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gho_test","token_type":"bearer","scope":"read:user,user:email"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if f.failIdentity.Load() || r.Header.Get("Authorization") != "Bearer gho_test" {
			http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    583231,
			"login": f.login,
			"name":  "The Octocat",
			"email": "octocat@example.com",
		})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

type brokerFixture struct {
	broker *Broker
	authn  *Authenticator
	store  *store.SQLiteStore
	idp    *fakeIdP
}

func newBrokerFixture(t *testing.T, login string, mutate func(*BrokerConfig)) *brokerFixture {
	t.Helper()
	idp := newFakeIdP(t, login)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	states := NewStateStore(10*time.Minute, 100)
	t.Cleanup(states.Close)

	issuer := newTestIssuer(t)

	cfg := BrokerConfig{
		OAuth: &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "http://gateway.test/callback",
			Scopes:       []string{"read:user"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   idp.server.URL + "/login/oauth/authorize",
				TokenURL:  idp.server.URL + "/login/oauth/access_token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		UserInfoURL:      idp.server.URL + "/user",
		BaseURL:          "http://gateway.test",
		PrivilegedLogins: []string{"octocat"},
		StateTTL:         10 * time.Minute,
		HTTPClient:       idp.server.Client(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	b, err := NewBroker(cfg, issuer, states, st, nil, nil)
	require.NoError(t, err)

	return &brokerFixture{
		broker: b,
		authn:  NewAuthenticator(issuer, st),
		store:  st,
		idp:    idp,
	}
}

// authorize runs /authorize and returns the state and its cookie.
func (f *brokerFixture) authorize(t *testing.T) (string, *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.broker.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/authorize", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc.String(), f.idp.server.URL+"/login/oauth/authorize"))
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, loc.Query().Get("code_challenge"))

	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, state, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	return state, cookies[0]
}

func (f *brokerFixture) callback(query string, cookie *http.Cookie, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/callback?"+query, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	f.broker.HandleCallback(rec, req)
	return rec
}

func TestBroker_FullFlow(t *testing.T) {
	f := newBrokerFixture(t, "octocat", nil)
	ctx := context.Background()

	state, cookie := f.authorize(t)
	rec := f.callback("state="+state+"&code=good-code", cookie, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, TierPrivileged, resp.Tier)
	assert.Equal(t, "read:user user:email", resp.Scope)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.NotEmpty(t, f.idp.lastVerifier.Load())

	p, err := f.authn.Authenticate(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "github:583231", p.UserID)
	assert.Equal(t, "octocat", p.Login)
	assert.Equal(t, TierPrivileged, p.Tier)

	stored, err := f.store.GetPrincipal(ctx, "github:583231")
	require.NoError(t, err)
	assert.Equal(t, "privileged", stored.Tier)

	grants, err := f.store.ListGrants(ctx, "github:583231")
	require.NoError(t, err)
	require.Len(t, grants, 1)

	// Revoking the grant invalidates the still-signed token.
	require.NoError(t, f.store.RevokeGrant(ctx, grants[0].ID))
	_, err = f.authn.Authenticate(ctx, resp.AccessToken)
	assert.ErrorIs(t, err, ErrGrantRevoked)
}

func TestBroker_StandardTier(t *testing.T) {
	f := newBrokerFixture(t, "hubot", nil)

	state, cookie := f.authorize(t)
	rec := f.callback("state="+state+"&code=good-code", cookie, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, TierStandard, resp.Tier)
}

func TestBroker_HTMLLanding(t *testing.T) {
	f := newBrokerFixture(t, "octocat", nil)

	state, cookie := f.authorize(t)
	rec := f.callback("state="+state+"&code=good-code", cookie, "text/html,application/xhtml+xml")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "<h1>Signed in as octocat</h1>")
	assert.Contains(t, body, "<strong>privileged</strong>")
	assert.Contains(t, body, "http://gateway.test/mcp")
}

func TestBroker_CallbackFailures(t *testing.T) {
	tests := []struct {
		name       string
		login      string
		mutate     func(*BrokerConfig)
		setup      func(f *brokerFixture)
		query      func(state string) string
		cookie     func(c *http.Cookie) *http.Cookie
		wantStatus int
		wantError  string
	}{
		{
			name:       "state mismatch",
			query:      func(string) string { return "state=forged&code=good-code" },
			wantStatus: http.StatusForbidden,
			wantError:  "invalid_state",
		},
		{
			name:       "missing cookie",
			query:      func(s string) string { return "state=" + s + "&code=good-code" },
			cookie:     func(*http.Cookie) *http.Cookie { return nil },
			wantStatus: http.StatusForbidden,
			wantError:  "invalid_state",
		},
		{
			name:       "provider error",
			query:      func(s string) string { return "state=" + s + "&error=access_denied" },
			wantStatus: http.StatusForbidden,
			wantError:  "access_denied",
		},
		{
			name:       "missing code",
			query:      func(s string) string { return "state=" + s },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "exchange rejected",
			query:      func(s string) string { return "state=" + s + "&code=bad-code" },
			wantStatus: http.StatusUnauthorized,
			wantError:  "exchange_failed",
		},
		{
			name:       "identity fetch fails",
			setup:      func(f *brokerFixture) { f.idp.failIdentity.Store(true) },
			query:      func(s string) string { return "state=" + s + "&code=good-code" },
			wantStatus: http.StatusUnauthorized,
			wantError:  "identity_failed",
		},
		{
			name:       "login not allowed",
			mutate:     func(c *BrokerConfig) { c.AllowedLogins = []string{"someone-else"} },
			query:      func(s string) string { return "state=" + s + "&code=good-code" },
			wantStatus: http.StatusForbidden,
			wantError:  "access_denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			login := tt.login
			if login == "" {
				login = "octocat"
			}
			f := newBrokerFixture(t, login, tt.mutate)
			if tt.setup != nil {
				tt.setup(f)
			}

			state, cookie := f.authorize(t)
			if tt.cookie != nil {
				cookie = tt.cookie(cookie)
			}
			rec := f.callback(tt.query(state), cookie, "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body OAuthError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
			assert.Equal(t, "http://gateway.test/authorize", body.Retry)
			assert.NotContains(t, rec.Body.String(), "access_token")
		})
	}
}

func TestBroker_StateIsSingleUse(t *testing.T) {
	f := newBrokerFixture(t, "octocat", nil)

	state, cookie := f.authorize(t)
	first := f.callback("state="+state+"&code=good-code", cookie, "")
	require.Equal(t, http.StatusOK, first.Code)

	replay := f.callback("state="+state+"&code=good-code", cookie, "")
	assert.Equal(t, http.StatusForbidden, replay.Code)
}

func TestBroker_FailurePageForBrowsers(t *testing.T) {
	f := newBrokerFixture(t, "octocat", nil)

	rec := f.callback("state=x&code=good-code", &http.Cookie{Name: stateCookieName, Value: "y"}, "text/html")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="http://gateway.test/authorize"`)
}

func TestBroker_RateLimited(t *testing.T) {
	f := newBrokerFixture(t, "octocat", func(c *BrokerConfig) {
		c.Limiter = rate.NewLimiter(0, 1)
	})

	f.authorize(t)

	rec := httptest.NewRecorder()
	f.broker.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/authorize", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestBroker_MethodNotAllowed(t *testing.T) {
	f := newBrokerFixture(t, "octocat", nil)

	rec := httptest.NewRecorder()
	f.broker.HandleCallback(rec, httptest.NewRequest(http.MethodPost, "/callback", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
