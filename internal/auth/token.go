// ABOUTME: Bearer token issuing and verification for authenticated principals
// ABOUTME: HS256 JWTs keyed by an HKDF-derived key, carrying the principal's identity and tier

package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrGrantRevoked = errors.New("grant revoked")
)

// Claims are the JWT claims minted for a principal.
type Claims struct {
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Tier  Tier   `json:"tier"`
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Principal rebuilds the principal carried by the claims.
func (c *Claims) Principal() Principal {
	var scopes []string
	if c.Scope != "" {
		scopes = strings.Fields(c.Scope)
	}
	return Principal{
		UserID: c.Subject,
		Login:  c.Login,
		Name:   c.Name,
		Email:  c.Email,
		Tier:   c.Tier,
		Scopes: scopes,
	}
}

// IssuedToken is a freshly minted bearer token.
type IssuedToken struct {
	Token     string
	ID        string // jti
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenIssuer mints and verifies bearer tokens.
type TokenIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

const hkdfInfo = "tablegate bearer token v1"

// NewTokenIssuer derives the signing key from secret and returns an issuer.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}

	return &TokenIssuer{
		key:    key,
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints a token for the principal.
func (i *TokenIssuer) Issue(p Principal) (*IssuedToken, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if !p.Tier.Valid() {
		return nil, fmt.Errorf("%w: tier", ErrMissingClaim)
	}

	now := i.now().Truncate(time.Second)
	exp := now.Add(i.ttl)
	id := uuid.New().String()

	claims := Claims{
		Login: p.Login,
		Name:  p.Name,
		Email: p.Email,
		Tier:  p.Tier,
		Scope: strings.Join(p.Scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   p.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &IssuedToken{Token: signed, ID: id, IssuedAt: now, ExpiresAt: exp}, nil
}

// Verify validates the token signature, issuer and expiry and returns its claims.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}
	if !claims.Tier.Valid() {
		return nil, fmt.Errorf("%w: tier", ErrMissingClaim)
	}

	return claims, nil
}
