// Package status serves a small HTTP view of a realtime connection.
//
// Routes:
//   - GET /health         connection state, ping age and frame counters
//   - GET /subscriptions  the live subscription keys
//   - GET /quota          latest quota snapshot (only with WithQuota)
//
// /health answers 503 whenever the connection is not connected.
package status
