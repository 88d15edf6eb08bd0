// Package gateway wires tablegate's components into one HTTP server.
//
// # Overview
//
// New builds, in order: the SQLite state store, the optional metrics
// registry, the token issuer, the shared resource pool, the session manager
// (seeded with the default tool catalog), the OAuth broker and both MCP
// transports. Run listens on plain TCP or on a Tailscale tsnet node and
// supervises the HTTP server, the idle-session sweeper and the expired-grant
// purge with an errgroup; the first failure or ctx cancellation shuts all of
// them down.
//
// # Routes
//
//	GET  /health                                 liveness
//	GET  /health/ready                           backend database reachable
//	GET  /authorize                              start OAuth login
//	GET  /callback                               OAuth redirect target
//	GET  /.well-known/oauth-protected-resource   discovery
//	GET  /metrics                                when metrics.enabled
//	*    /mcp                                    Streamable HTTP (bearer)
//	GET  /sse, POST /sse/message                 SSE (bearer)
//
// # Listeners
//
// With tailscale.enabled the gateway joins the tailnet as tailscale.hostname.
// tailscale.https serves TLS with certificates fetched through the local
// client; tailscale.funnel exposes the node publicly, which the identity
// provider needs to reach /callback.
//
// # Shutdown
//
// Shutdown stops accepting requests, suspends live sessions (their records
// stay open so clients can resume after a restart), closes the pool and
// finally the store.
package gateway
