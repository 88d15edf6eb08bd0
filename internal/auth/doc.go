// Package auth authenticates clients of the gateway.
//
// # OAuth Broker
//
// Broker runs the authorization-code flow against an external identity
// provider (GitHub by default) using golang.org/x/oauth2 with PKCE:
//
//	GET /authorize  -> state + verifier stored, 302 to the provider
//	GET /callback   -> state checked, code exchanged, identity fetched
//
// A successful callback produces a Principal, persists it together with a
// Grant, and returns a bearer token. Browsers get an HTML page, other clients
// a JSON token response. Every failure is an AuthExchangeError reported as
// 400, 401 or 403 with a link back to /authorize.
//
// # Tiers
//
// Principals carry a privilege Tier. Logins listed in
// access.privileged_logins are "privileged"; everyone else is "standard".
//
// # Bearer Tokens
//
// TokenIssuer mints HS256 JWTs. The signing key is derived from
// auth.jwt_secret with HKDF-SHA256. Each token's jti names a Grant in the
// store; Authenticator rejects tokens whose grant is missing, revoked or
// expired.
//
// # HTTP Middleware
//
// RequirePrincipal rejects unauthenticated requests with 401 and a
// WWW-Authenticate challenge pointing at the protected resource metadata,
// before any session is created. Authenticated requests carry the Principal
// in their context (FromContext).
package auth
