// Package api is a REST client for the gateway's websocket auth endpoints.
//
// Endpoints (relative to the REST base URL):
//   - GET  /api/ws/auth/quota?user_id=...
//   - GET  /api/ws/auth/connections?user_id=...
//   - POST /api/ws/auth/subscription/pre-check
//
// Requests carry the same bearer token used for the realtime socket.
package api
