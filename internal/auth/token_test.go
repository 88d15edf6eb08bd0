// ABOUTME: Unit tests for bearer token issuing and verification
// ABOUTME: Tests valid tokens, tampering, wrong issuer, expiry and missing claims

package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(testSecret, "tablegate-test", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	return issuer
}

var testPrincipal = Principal{
	UserID: "github:583231",
	Login:  "octocat",
	Name:   "The Octocat",
	Email:  "octocat@example.com",
	Tier:   TierPrivileged,
	Scopes: []string{"read:user", "user:email"},
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := newTestIssuer(t)

	issued, err := issuer.Issue(testPrincipal)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if issued.ID == "" {
		t.Error("Issue() returned empty jti")
	}
	if got := issued.ExpiresAt.Sub(issued.IssuedAt); got != time.Hour {
		t.Errorf("token lifetime = %v, want 1h", got)
	}

	claims, err := issuer.Verify(issued.Token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.ID != issued.ID {
		t.Errorf("claims.ID = %q, want %q", claims.ID, issued.ID)
	}

	p := claims.Principal()
	if p.UserID != testPrincipal.UserID || p.Login != "octocat" || p.Tier != TierPrivileged {
		t.Errorf("Principal() = %+v", p)
	}
	if len(p.Scopes) != 2 || !p.HasScope("user:email") {
		t.Errorf("Principal().Scopes = %v", p.Scopes)
	}
}

func TestTokenIssuer_InvalidTokens(t *testing.T) {
	issuer := newTestIssuer(t)
	issued, err := issuer.Issue(testPrincipal)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	other, _ := NewTokenIssuer([]byte("another-secret-entirely"), "tablegate-test", time.Hour)
	otherToken, _ := other.Issue(testPrincipal)

	wrongIssuer, _ := NewTokenIssuer(testSecret, "someone-else", time.Hour)
	wrongIssuerToken, _ := wrongIssuer.Issue(testPrincipal)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "github:1", "tier": "privileged"})
	noneToken, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"tampered", issued.Token[:len(issued.Token)-2] + "xx"},
		{"different secret", otherToken.Token},
		{"different issuer", wrongIssuerToken.Token},
		{"alg none", noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestTokenIssuer_Expired(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	issued, err := issuer.Issue(testPrincipal)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	issuer.now = time.Now
	_, err = issuer.Verify(issued.Token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestTokenIssuer_RejectsIncompletePrincipal(t *testing.T) {
	issuer := newTestIssuer(t)

	if _, err := issuer.Issue(Principal{Tier: TierStandard}); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Issue(no user id) error = %v, want ErrMissingClaim", err)
	}
	if _, err := issuer.Issue(Principal{UserID: "github:1", Tier: "root"}); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Issue(bad tier) error = %v, want ErrMissingClaim", err)
	}
}

func TestTokenIssuer_KeyIsDerived(t *testing.T) {
	issuer := newTestIssuer(t)
	issued, _ := issuer.Issue(testPrincipal)

	// A token signed with the raw secret must not verify.
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "github:1",
		"jti":  "x",
		"iss":  "tablegate-test",
		"tier": "privileged",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	rawToken, err := raw.SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := issuer.Verify(rawToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(raw secret token) error = %v, want ErrInvalidToken", err)
	}
	if strings.Count(issued.Token, ".") != 2 {
		t.Errorf("token %q is not a compact JWS", issued.Token)
	}
}

func TestNewTokenIssuer_EmptySecret(t *testing.T) {
	if _, err := NewTokenIssuer(nil, "x", time.Hour); err == nil {
		t.Error("NewTokenIssuer(nil) expected error")
	}
}

func TestTier(t *testing.T) {
	tests := []struct {
		have, need Tier
		want       bool
	}{
		{TierStandard, TierStandard, true},
		{TierPrivileged, TierStandard, true},
		{TierPrivileged, TierPrivileged, true},
		{TierStandard, TierPrivileged, false},
		{"", TierStandard, false},
		{TierPrivileged, "admin", false},
	}
	for _, tt := range tests {
		if got := tt.have.Allows(tt.need); got != tt.want {
			t.Errorf("%q.Allows(%q) = %v, want %v", tt.have, tt.need, got, tt.want)
		}
	}

	if _, err := ParseTier("privileged"); err != nil {
		t.Errorf("ParseTier(privileged) error = %v", err)
	}
	if _, err := ParseTier("superuser"); err == nil {
		t.Error("ParseTier(superuser) expected error")
	}

	if TierFor("alice", []string{"alice"}) != TierPrivileged {
		t.Error("TierFor(alice) want privileged")
	}
	if TierFor("bob", []string{"alice"}) != TierStandard {
		t.Error("TierFor(bob) want standard")
	}
}
