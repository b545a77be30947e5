// Package server hosts the REST API, the viewer WebSocket gateway and the
// operational endpoints behind a single HTTP server.
//
// Every route shares one middleware chain: request ids, request logging,
// metrics, security headers, CORS and rate limiting. The chain wraps the
// response writer with a recorder that still supports hijacking so WebSocket
// upgrades pass through unchanged.
package server
