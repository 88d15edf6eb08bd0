// Package mcp implements the two MCP transports served by the gateway.
//
// # Transports
//
// Streamable (request/response):
//
//	POST   /mcp   one JSON-RPC message; initialize returns Mcp-Session-Id
//	DELETE /mcp   explicit session shutdown
//	GET    /mcp   405, there is no server-initiated stream here
//
// SSE (streaming):
//
//	GET  /sse                     event stream bound to a new session
//	POST /sse/message?sessionId=  JSON-RPC message, answered on the stream
//
// The stream starts with an "endpoint" event naming the message URL, carries
// each JSON-RPC response as a "message" event, and sends a comment frame every
// 15 seconds to keep proxies from closing it.
//
// # Dispatch
//
// Neither transport knows about tools or tiers. Both authenticate through
// auth.RequirePrincipal, obtain a session.Agent from the session.Manager and
// hand the decoded message to the shared Dispatcher, so a given principal,
// tool and input produce the same JSON-RPC result on either transport.
//
// Supported methods are initialize, ping, tools/list and tools/call.
// Notifications are accepted and ignored.
//
// # Errors
//
//	unknown or hidden tool     -32602  "unknown tool: <name>"
//	database unreachable       -32603  HTTP 503
//	session init failure       -32603  HTTP 500
//	unknown method             -32601
//	unknown or closed session  HTTP 404, the client must re-initialize
package mcp
